package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-resty/resty/v2"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"

	UploadPath = "/task_upload"

	MessageFileNotFound = "file not found"
)

type Result struct {
	Status  Status
	Message string
}

func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

func failure(format string, args ...any) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

type Metadata struct {
	TaskID        string
	WalletAddress string
}

type uploadResponse struct {
	Status string            `json:"status"`
	Data   []json.RawMessage `json:"data"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type Submitter struct {
	client *resty.Client
}

func NewSubmitter(timeout time.Duration) *Submitter {
	return &Submitter{client: resty.New().SetTimeout(timeout)}
}

// Submit uploads the artifact to <endpoint>/task_upload. Every outcome,
// including transport failures, is reported in the returned Result.
func (s *Submitter) Submit(ctx context.Context, artifactPath, endpoint string, metadata Metadata) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during upload", "path", artifactPath, "panic", r)
			result = failure("unexpected error: %v", r)
		}
	}()

	f, err := os.Open(artifactPath)
	if err != nil {
		return Result{Status: StatusError, Message: MessageFileNotFound}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return Result{Status: StatusError, Message: MessageFileNotFound}
	}

	url := strings.TrimRight(endpoint, "/") + UploadPath
	slog.Info("uploading artifact", "url", url, "task_id", metadata.TaskID, "size", humanize.Bytes(uint64(info.Size())))

	res, err := s.client.R().
		SetContext(ctx).
		SetFileReader("file", filepath.Base(artifactPath), f).
		SetFormData(map[string]string{
			"task_id":        metadata.TaskID,
			"wallet_address": metadata.WalletAddress,
		}).
		Post(url)
	if err != nil {
		return failure("upload failed: %v", err)
	}

	if !res.IsSuccess() {
		return Result{Status: StatusError, Message: errorMessage(res)}
	}

	return parseUploadResponse(res.Body())
}

func errorMessage(res *resty.Response) string {
	var body errorResponse
	if err := json.Unmarshal(res.Body(), &body); err == nil && hasValue(body.Detail) {
		return renderJSON(body.Detail)
	}
	return fmt.Sprintf("%s: %s", res.Status(), strings.TrimSpace(res.String()))
}

// parseUploadResponse reads {"status": ..., "data": [_, message]}. A response
// without a message at data[1] is not a confirmation, whatever its status.
func parseUploadResponse(body []byte) Result {
	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return failure("invalid response body: %v", err)
	}
	if len(parsed.Data) < 2 {
		return failure("unexpected response: no message in data (status %q)", parsed.Status)
	}

	message := renderJSON(parsed.Data[1])
	if parsed.Status == string(StatusSuccess) {
		return Result{Status: StatusSuccess, Message: message}
	}
	return Result{Status: StatusError, Message: message}
}

func hasValue(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func renderJSON(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
