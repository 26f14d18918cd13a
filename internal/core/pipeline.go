package core

import (
	"context"
	"image"

	"github.com/upowai/TTI-MINER/internal/core/types"
)

// Pipeline runs one task end to end: prompt encoding followed by generation.
// Errors are *EncodingError, *GenerationError or the ctx error.
type Pipeline struct {
	encoder   *PromptEncoder
	generator *WorkGenerator
}

func NewPipeline(encoder *PromptEncoder, generator *WorkGenerator) *Pipeline {
	return &Pipeline{encoder: encoder, generator: generator}
}

func (p *Pipeline) Generate(ctx context.Context, task types.Task) (image.Image, error) {
	embeddings, err := p.encoder.Encode(ctx, task.Prompt, task.NegativePrompt)
	if err != nil {
		return nil, err
	}
	return p.generator.Generate(ctx, embeddings, task.Seed, task.Width, task.Height)
}
