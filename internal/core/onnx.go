//go:build !windows

package core

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	clipWindow    = 77
	clipPadID     = 49407
	clipHiddenDim = 768
)

type HFTokenizer struct {
	tk    *tokenizers.Tokenizer
	padID int64
}

var _ Tokenizer = (*HFTokenizer)(nil)

// LoadHFTokenizer loads a tokenizer.json with its truncation and padding
// blocks removed, so prompts of any length keep every token.
func LoadHFTokenizer(path string, padID int64) (*HFTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer load: %w", err)
	}
	data, err = untruncatedTokenizerConfig(data)
	if err != nil {
		return nil, fmt.Errorf("tokenizer load %s: %w", path, err)
	}
	tk, err := tokenizers.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("tokenizer load: %w", err)
	}
	return &HFTokenizer{tk: tk, padID: padID}, nil
}

func (t *HFTokenizer) Encode(text string) ([]int64, error) {
	ids, _ := t.tk.Encode(text, true)
	out := make([]int64, len(ids))
	for i, v := range ids {
		out[i] = int64(v)
	}
	return out, nil
}

func (t *HFTokenizer) PadID() int64 {
	return t.padID
}

func (t *HFTokenizer) Close() error {
	return t.tk.Close()
}

type OnnxTextEncoder struct {
	session *ort.DynamicAdvancedSession
	window  int
	dim     int
}

var _ TextEncoder = (*OnnxTextEncoder)(nil)

func (e *OnnxTextEncoder) Window() int {
	return e.window
}

func (e *OnnxTextEncoder) EncodeWindow(ctx context.Context, ids []int64) (Embeddings, error) {
	if err := ctx.Err(); err != nil {
		return Embeddings{}, err
	}
	if len(ids) == 0 {
		return Embeddings{}, ErrEmptyTokenSequence
	}

	n := int64(len(ids))
	inT, err := ort.NewTensor(ort.NewShape(1, n), ids)
	if err != nil {
		return Embeddings{}, err
	}
	defer inT.Destroy()
	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, n, int64(e.dim)))
	if err != nil {
		return Embeddings{}, err
	}
	defer outT.Destroy()

	if err := e.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return Embeddings{}, fmt.Errorf("text encoder run error: %w", err)
	}

	// The tensor memory is released on Destroy, so the output is copied out.
	data := make([]float32, len(outT.GetData()))
	copy(data, outT.GetData())

	return Embeddings{Tokens: len(ids), Dim: e.dim, Data: data}, nil
}

type OnnxEngine struct {
	session *ort.DynamicAdvancedSession
}

var _ Engine = (*OnnxEngine)(nil)

func (e *OnnxEngine) Synthesize(req SynthesisRequest) (image.Image, error) {
	tokens, dim := int64(req.Prompt.Positive.Tokens), int64(req.Prompt.Positive.Dim)

	posT, err := ort.NewTensor(ort.NewShape(1, tokens, dim), req.Prompt.Positive.Data)
	if err != nil {
		return nil, err
	}
	defer posT.Destroy()
	negT, err := ort.NewTensor(ort.NewShape(1, tokens, dim), req.Prompt.Negative.Data)
	if err != nil {
		return nil, err
	}
	defer negT.Destroy()
	latT, err := ort.NewTensor(ort.NewShape(req.Latents.Shape[:]...), req.Latents.Data)
	if err != nil {
		return nil, err
	}
	defer latT.Destroy()
	guidanceT, err := ort.NewTensor(ort.NewShape(1), []float32{req.GuidanceScale})
	if err != nil {
		return nil, err
	}
	defer guidanceT.Destroy()
	stepsT, err := ort.NewTensor(ort.NewShape(1), []int64{int64(req.Steps)})
	if err != nil {
		return nil, err
	}
	defer stepsT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(req.Height), int64(req.Width)))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	inputs := []ort.Value{posT, negT, latT, guidanceT, stepsT}
	if err := e.session.Run(inputs, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("pipeline run error: %w", err)
	}

	return imageFromCHW(outT.GetData(), req.Width, req.Height)
}

// OnnxModel holds the tokenizer and the two ONNX sessions loaded once at
// startup. The sessions are only read from after loading.
type OnnxModel struct {
	tokenizer   *HFTokenizer
	textEncoder *OnnxTextEncoder
	engine      *OnnxEngine
}

func newSessionOptions(deviceID int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("cuda provider options: %w", err)
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("cuda device %d: %w", deviceID, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("append cuda provider: %w", err)
	}
	return opts, nil
}

// LoadOnnxModel expects modelDir to contain tokenizer/tokenizer.json,
// text_encoder/model.onnx and pipeline/model.onnx.
func LoadOnnxModel(modelDir string, deviceID int) (*OnnxModel, error) {
	tk, err := LoadHFTokenizer(filepath.Join(modelDir, "tokenizer", "tokenizer.json"), clipPadID)
	if err != nil {
		return nil, err
	}

	opts, err := newSessionOptions(deviceID)
	if err != nil {
		tk.Close()
		return nil, err
	}
	defer opts.Destroy()

	textSession, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, "text_encoder", "model.onnx"),
		[]string{"input_ids"},
		[]string{"last_hidden_state"},
		opts,
	)
	if err != nil {
		tk.Close()
		return nil, fmt.Errorf("failed to create text encoder session: %w", err)
	}

	pipelineSession, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, "pipeline", "model.onnx"),
		[]string{"prompt_embeds", "negative_prompt_embeds", "latents", "guidance_scale", "num_inference_steps"},
		[]string{"image"},
		opts,
	)
	if err != nil {
		textSession.Destroy()
		tk.Close()
		return nil, fmt.Errorf("failed to create pipeline session: %w", err)
	}

	return &OnnxModel{
		tokenizer:   tk,
		textEncoder: &OnnxTextEncoder{session: textSession, window: clipWindow, dim: clipHiddenDim},
		engine:      &OnnxEngine{session: pipelineSession},
	}, nil
}

func (m *OnnxModel) Pipeline() *Pipeline {
	return NewPipeline(
		NewPromptEncoder(m.tokenizer, m.textEncoder),
		NewWorkGenerator(m.engine),
	)
}

func (m *OnnxModel) Release() {
	m.engine.session.Destroy()
	m.textEncoder.session.Destroy()
	m.tokenizer.Close()
}
