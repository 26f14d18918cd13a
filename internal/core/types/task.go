package types

import "log/slog"

// Task is one text-to-image job issued by the pool. It is decoded once from a
// pool response and never mutated afterwards.
type Task struct {
	ID             string
	Prompt         string
	NegativePrompt string
	Seed           int64
	Width          int
	Height         int
}

func (t Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.Int64("seed", t.Seed),
		slog.Int("width", t.Width),
		slog.Int("height", t.Height),
		slog.Int("prompt_len", len(t.Prompt)),
		slog.Int("negative_prompt_len", len(t.NegativePrompt)),
	)
}
