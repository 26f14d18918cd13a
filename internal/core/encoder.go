package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Embeddings is a row-major [Tokens][Dim] block of text encoder output.
type Embeddings struct {
	Tokens int
	Dim    int
	Data   []float32
}

type EmbeddingPair struct {
	Positive Embeddings
	Negative Embeddings
}

type Tokenizer interface {
	// Encode returns the token ids for text including special tokens and
	// without truncation.
	Encode(text string) ([]int64, error)

	PadID() int64
}

type TextEncoder interface {
	// Window is the maximum number of tokens accepted by one EncodeWindow call.
	Window() int

	EncodeWindow(ctx context.Context, ids []int64) (Embeddings, error)
}

var ErrEmptyTokenSequence = errors.New("empty token sequence")

type EncodingError struct {
	Stage string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("prompt encoding failed during %s: %v", e.Stage, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

type PromptEncoder struct {
	tokenizer Tokenizer
	encoder   TextEncoder
}

func NewPromptEncoder(tokenizer Tokenizer, encoder TextEncoder) *PromptEncoder {
	return &PromptEncoder{tokenizer: tokenizer, encoder: encoder}
}

// Encode turns a prompt and negative prompt into two embedding sequences of
// equal length. The shorter token sequence is right padded to the longer one,
// then both are encoded window by window and the windows concatenated in order.
func (p *PromptEncoder) Encode(ctx context.Context, prompt, negativePrompt string) (EmbeddingPair, error) {
	promptIDs, err := p.tokenizer.Encode(prompt)
	if err != nil {
		return EmbeddingPair{}, &EncodingError{Stage: "tokenize prompt", Err: err}
	}
	negativeIDs, err := p.tokenizer.Encode(negativePrompt)
	if err != nil {
		return EmbeddingPair{}, &EncodingError{Stage: "tokenize negative prompt", Err: err}
	}

	promptIDs, negativeIDs = padToEqualLength(promptIDs, negativeIDs, p.tokenizer.PadID())
	if len(promptIDs) == 0 {
		return EmbeddingPair{}, &EncodingError{Stage: "tokenize", Err: ErrEmptyTokenSequence}
	}

	window := p.encoder.Window()
	if window <= 0 {
		return EmbeddingPair{}, &EncodingError{Stage: "encode", Err: fmt.Errorf("invalid encoder window %d", window)}
	}

	var pair EmbeddingPair
	for _, w := range windows(len(promptIDs), window) {
		pos, err := p.encoder.EncodeWindow(ctx, promptIDs[w[0]:w[1]])
		if err != nil {
			return EmbeddingPair{}, &EncodingError{Stage: "encode prompt", Err: err}
		}
		neg, err := p.encoder.EncodeWindow(ctx, negativeIDs[w[0]:w[1]])
		if err != nil {
			return EmbeddingPair{}, &EncodingError{Stage: "encode negative prompt", Err: err}
		}
		if err := appendEmbeddings(&pair.Positive, pos); err != nil {
			return EmbeddingPair{}, &EncodingError{Stage: "concat prompt", Err: err}
		}
		if err := appendEmbeddings(&pair.Negative, neg); err != nil {
			return EmbeddingPair{}, &EncodingError{Stage: "concat negative prompt", Err: err}
		}
	}

	slog.Debug("encoded prompts", "tokens", len(promptIDs), "windows", (len(promptIDs)+window-1)/window, "dim", pair.Positive.Dim)

	return pair, nil
}

func padToEqualLength(a, b []int64, pad int64) ([]int64, []int64) {
	switch {
	case len(a) < len(b):
		a = padRight(a, len(b), pad)
	case len(b) < len(a):
		b = padRight(b, len(a), pad)
	}
	return a, b
}

func padRight(ids []int64, length int, pad int64) []int64 {
	out := make([]int64, length)
	copy(out, ids)
	for i := len(ids); i < length; i++ {
		out[i] = pad
	}
	return out
}

// windows partitions [0, n) into consecutive [start, end) ranges of at most size.
func windows(n, size int) [][2]int {
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}

func appendEmbeddings(dst *Embeddings, src Embeddings) error {
	if len(src.Data) != src.Tokens*src.Dim {
		return fmt.Errorf("encoder returned %d values for %d tokens of dim %d", len(src.Data), src.Tokens, src.Dim)
	}
	if dst.Tokens == 0 {
		dst.Dim = src.Dim
	} else if dst.Dim != src.Dim {
		return fmt.Errorf("embedding dim changed from %d to %d", dst.Dim, src.Dim)
	}
	dst.Tokens += src.Tokens
	dst.Data = append(dst.Data, src.Data...)
	return nil
}
