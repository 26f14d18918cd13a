package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

const (
	GuidanceScale  = 7
	InferenceSteps = 28

	// MaxDimension bounds each side of a requested image. Larger requests
	// are rejected before any tensor is allocated.
	MaxDimension = 2048

	latentChannels = 4
	latentScale    = 8
)

// Latents is the initial noise tensor, shaped [1, 4, height/8, width/8].
type Latents struct {
	Shape [4]int64
	Data  []float32
}

// NewLatents draws standard normal noise from a source seeded with seed, so
// the same seed and size always produce the same tensor.
func NewLatents(seed int64, width, height int) Latents {
	h, w := int64(height/latentScale), int64(width/latentScale)
	shape := [4]int64{1, latentChannels, h, w}
	data := make([]float32, latentChannels*h*w)

	rng := rand.New(rand.NewSource(seed))
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return Latents{Shape: shape, Data: data}
}

type SynthesisRequest struct {
	Prompt        EmbeddingPair
	Latents       Latents
	Width         int
	Height        int
	GuidanceScale float32
	Steps         int
}

// Engine is the image synthesis graph. Synthesize blocks until the image is
// complete and must not retain req after returning.
type Engine interface {
	Synthesize(req SynthesisRequest) (image.Image, error)
}

type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("image generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

var ErrNoImage = errors.New("engine returned no image")

type WorkGenerator struct {
	engine Engine
}

func NewWorkGenerator(engine Engine) *WorkGenerator {
	return &WorkGenerator{engine: engine}
}

// Generate produces exactly one image for the encoded prompts. The engine call
// runs on its own goroutine and is always awaited: a cancelled ctx is only
// reported once the engine has returned.
func (g *WorkGenerator) Generate(ctx context.Context, prompt EmbeddingPair, seed int64, width, height int) (image.Image, error) {
	if err := validateDimensions(width, height); err != nil {
		return nil, &GenerationError{Err: err}
	}
	if prompt.Positive.Tokens != prompt.Negative.Tokens {
		return nil, &GenerationError{Err: fmt.Errorf("prompt embeddings have %d tokens but negative has %d", prompt.Positive.Tokens, prompt.Negative.Tokens)}
	}

	type result struct {
		img image.Image
		err error
	}
	done := make(chan result, 1)

	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("engine panic: %v", r)}
			}
		}()
		req := SynthesisRequest{
			Prompt:        prompt,
			Latents:       NewLatents(seed, width, height),
			Width:         width,
			Height:        height,
			GuidanceScale: GuidanceScale,
			Steps:         InferenceSteps,
		}
		img, err := g.engine.Synthesize(req)
		done <- result{img: img, err: err}
	}()
	res := <-done

	if res.err != nil {
		return nil, &GenerationError{Err: res.err}
	}
	if res.img == nil {
		return nil, &GenerationError{Err: ErrNoImage}
	}

	slog.Info("image generated", "seed", seed, "width", width, "height", height, "duration", time.Since(start))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return res.img, nil
}

func validateDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	if width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("dimensions %dx%d exceed the maximum of %d", width, height, MaxDimension)
	}
	if width%latentScale != 0 || height%latentScale != 0 {
		return fmt.Errorf("dimensions %dx%d must be multiples of %d", width, height, latentScale)
	}
	return nil
}

// imageFromCHW converts a [3, height, width] tensor with values in [0, 1]
// into an image.
func imageFromCHW(data []float32, width, height int) (*image.NRGBA, error) {
	plane := width * height
	if len(data) != 3*plane {
		return nil, fmt.Errorf("expected %d values for %dx%d image, got %d", 3*plane, width, height, len(data))
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(data[i]),
				G: toByte(data[plane+i]),
				B: toByte(data[2*plane+i]),
				A: 0xff,
			})
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0 || math.IsNaN(float64(v)):
		return 0
	case v >= 1:
		return 0xff
	default:
		return uint8(v*255 + 0.5)
	}
}
