package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upowai/TTI-MINER/internal/config"
	"github.com/upowai/TTI-MINER/internal/pool"
	"github.com/upowai/TTI-MINER/internal/storage"
	"github.com/upowai/TTI-MINER/internal/submit"
)

// newCoordinator serves the pool websocket: it answers PING with SUCCESS and
// every task request with a double encoded task.
func newCoordinator(t *testing.T) *httptest.Server {
	t.Helper()
	payload, err := json.Marshal(`{"message_type": "requestedTask", "id": "t1", "task": "a red fox", "negative_prompt": "", "seed": 7, "width": 64, "height": 64}`)
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type string `json:"type"`
			}
			json.Unmarshal(data, &req) //nolint:errcheck

			reply := []byte("SUCCESS")
			if req.Type == "request" {
				reply = payload
			}
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newUploadEndpoint(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task_upload" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}))
	t.Cleanup(server.Close)
	return server
}

func runOneCycle(t *testing.T, uploadStatus int, uploadBody string) (CycleOutcome, string) {
	coordinator := newCoordinator(t)
	upload := newUploadEndpoint(t, uploadStatus, uploadBody)

	dir := filepath.Join(t.TempDir(), "0")
	store, err := storage.NewArtifactStore(dir)
	require.NoError(t, err)

	cfg := config.Config{
		Endpoint:      upload.URL,
		WalletAddress: "wallet",
		Interval:      config.Interval(time.Millisecond),
	}
	client := pool.NewClient("ws"+strings.TrimPrefix(coordinator.URL, "http"), pool.Options{ReadTimeout: time.Second})
	w := New(cfg, Deps{
		Pool:      NewPoolClient(client),
		Generator: &fakeGenerator{},
		Submitter: submit.NewSubmitter(5 * time.Second),
		Store:     store,
	})

	outcome, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	return outcome, dir
}

func TestCycleAgainstRealTransports(t *testing.T) {
	outcome, dir := runOneCycle(t, http.StatusOK, `{"status": "success", "data": [null, "task accepted"]}`)
	assert.Equal(t, OutcomeCompleted, outcome)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCycleKeepsArtifactWhenUploadFails(t *testing.T) {
	outcome, dir := runOneCycle(t, http.StatusInternalServerError, `{"detail": "disk full"}`)
	assert.Equal(t, OutcomeSubmitFailed, outcome)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "image_"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".png"))
}
