//go:build windows

package core

import (
	"errors"
)

var ErrOnnxNotSupportedOnWindows = errors.New("ONNX models are not supported on Windows")

type OnnxModel struct{}

func LoadOnnxModel(modelDir string, deviceID int) (*OnnxModel, error) {
	return nil, ErrOnnxNotSupportedOnWindows
}

func (m *OnnxModel) Pipeline() *Pipeline {
	return nil
}

func (m *OnnxModel) Release() {
	// no-op
}
