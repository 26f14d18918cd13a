package pool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/upowai/TTI-MINER/internal/core/types"
)

const (
	MessageTypeRequestedTask = "requestedTask"
	MessageTypeError         = "error"

	statusSuccessPrefix = "SUCCESS"
	statusErrorPrefix   = "ERROR"

	// A payload may arrive JSON encoded once or twice. Anything deeper is
	// rejected rather than unwrapped.
	maxEncodingLayers = 2
)

// Message is the decoded form of a pool response: Ack, RequestedTask,
// ErrorReply or Malformed.
type Message interface {
	isMessage()
}

// Ack is a plain status line such as "SUCCESS: pong".
type Ack struct {
	Status string
}

type RequestedTask struct {
	Task types.Task
}

type ErrorReply struct {
	Message string
}

// Malformed is any response that does not match a known shape. It must never
// be interpreted as a task.
type Malformed struct {
	Raw    string
	Reason string
}

func (Ack) isMessage()           {}
func (RequestedTask) isMessage() {}
func (ErrorReply) isMessage()    {}
func (Malformed) isMessage()     {}

func (m Malformed) Err() error {
	return &ProtocolError{Reason: m.Reason, Raw: m.Raw}
}

// Decode classifies a raw response. The payload is decoded once, and decoded
// a second time when the first pass yields a JSON string.
func Decode(raw []byte) Message {
	data := raw
	for layer := 1; ; layer++ {
		value, err := decodeJSON(data)
		if err != nil {
			// Plain status lines are not JSON at all.
			if msg, ok := statusLine(string(data)); ok {
				return msg
			}
			return Malformed{Raw: string(raw), Reason: fmt.Sprintf("invalid json at layer %d: %v", layer, err)}
		}

		switch v := value.(type) {
		case string:
			if layer == maxEncodingLayers {
				if msg, ok := statusLine(v); ok {
					return msg
				}
				return Malformed{Raw: string(raw), Reason: "payload is encoded more than twice"}
			}
			data = []byte(v)
		case map[string]any:
			return decodeObject(v, raw)
		default:
			return Malformed{Raw: string(raw), Reason: fmt.Sprintf("unexpected json value of type %T", value)}
		}
	}
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after json value")
	}
	return value, nil
}

func statusLine(text string) (Message, bool) {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, statusErrorPrefix):
		return ErrorReply{Message: text}, true
	case strings.HasPrefix(text, statusSuccessPrefix):
		return Ack{Status: text}, true
	}
	return nil, false
}

func decodeObject(fields map[string]any, raw []byte) Message {
	messageType, ok := fields["message_type"].(string)
	if !ok {
		return Malformed{Raw: string(raw), Reason: "missing message_type"}
	}

	switch messageType {
	case MessageTypeRequestedTask:
		task, err := taskFromFields(fields)
		if err != nil {
			return Malformed{Raw: string(raw), Reason: err.Error()}
		}
		return RequestedTask{Task: task}
	case MessageTypeError:
		message, _ := fields["message"].(string)
		return ErrorReply{Message: message}
	default:
		return Malformed{Raw: string(raw), Reason: fmt.Sprintf("unknown message_type %q", messageType)}
	}
}

func taskFromFields(fields map[string]any) (types.Task, error) {
	var task types.Task
	var err error

	if task.ID, err = idField(fields, "id"); err != nil {
		return types.Task{}, err
	}
	if task.Prompt, err = stringField(fields, "task", true); err != nil {
		return types.Task{}, err
	}
	if task.NegativePrompt, err = stringField(fields, "negative_prompt", false); err != nil {
		return types.Task{}, err
	}
	if task.Seed, err = intField(fields, "seed"); err != nil {
		return types.Task{}, err
	}
	width, err := intField(fields, "width")
	if err != nil {
		return types.Task{}, err
	}
	height, err := intField(fields, "height")
	if err != nil {
		return types.Task{}, err
	}
	// Only representability is checked here. Whether a size can be generated
	// is decided by the generator.
	if outOfIntRange(width) || outOfIntRange(height) {
		return types.Task{}, fmt.Errorf("dimensions %dx%d out of range", width, height)
	}
	task.Width, task.Height = int(width), int(height)
	return task, nil
}

func idField(fields map[string]any, key string) (string, error) {
	switch v := fields[key].(type) {
	case string:
		if v == "" {
			return "", fmt.Errorf("field %q is empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	case nil:
		return "", fmt.Errorf("missing field %q", key)
	default:
		return "", fmt.Errorf("field %q has unexpected type %T", key, v)
	}
}

func stringField(fields map[string]any, key string, required bool) (string, error) {
	switch v := fields[key].(type) {
	case string:
		return v, nil
	case nil:
		if required {
			return "", fmt.Errorf("missing field %q", key)
		}
		return "", nil
	default:
		return "", fmt.Errorf("field %q has unexpected type %T", key, v)
	}
}

func intField(fields map[string]any, key string) (int64, error) {
	n, ok := fields[key].(json.Number)
	if !ok {
		if fields[key] == nil {
			return 0, fmt.Errorf("missing field %q", key)
		}
		return 0, fmt.Errorf("field %q has unexpected type %T", key, fields[key])
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return 0, fmt.Errorf("field %q is not an integer: %s", key, n)
	}
	return int64(f), nil
}

func outOfIntRange(n int64) bool {
	return n > math.MaxInt32 || n < math.MinInt32
}
