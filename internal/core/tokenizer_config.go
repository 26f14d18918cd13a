package core

import (
	"encoding/json"
	"fmt"
)

// untruncatedTokenizerConfig rewrites a tokenizer.json so that encoding never
// truncates or pads. Windowing and padding are done by PromptEncoder instead.
func untruncatedTokenizerConfig(data []byte) ([]byte, error) {
	var config map[string]json.RawMessage
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing tokenizer config: %w", err)
	}
	if config == nil {
		return nil, fmt.Errorf("tokenizer config is not an object")
	}
	config["truncation"] = json.RawMessage("null")
	config["padding"] = json.RawMessage("null")
	return json.Marshal(config)
}
