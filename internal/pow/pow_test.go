package pow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget(t *testing.T) {
	target, err := Target(3)
	require.NoError(t, err)
	assert.Equal(t, "000"+strings.Repeat("f", 61), target)

	target, err = Target(0)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("f", 64), target)

	_, err = Target(65)
	assert.Error(t, err)
	_, err = Target(-1)
	assert.Error(t, err)
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", SHA256Hex([]byte("abc")))
}

var testChallenge = Challenge{
	Index:        12,
	Time:         json.RawMessage("1715000000.25"),
	PreviousHash: "abcd",
	Difficulty:   2,
	Target:       "00" + strings.Repeat("f", 62),
}

func TestMineUsesChallengeText(t *testing.T) {
	var seen []string
	hasher := func(text []byte) string {
		seen = append(seen, string(text))
		if len(seen) == 4 {
			return "00" + strings.Repeat("1", 62)
		}
		return strings.Repeat("f", 64)
	}

	solution, err := NewMiner(WithHasher(hasher), WithBatchSize(2)).Mine(context.Background(), testChallenge, "wallet")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), solution.Nonce)
	assert.Equal(t, "00"+strings.Repeat("1", 62), solution.Hash)
	assert.Equal(t, []string{
		"1715000000.25:abcd:wallet:0:12",
		"1715000000.25:abcd:wallet:1:12",
		"1715000000.25:abcd:wallet:2:12",
		"1715000000.25:abcd:wallet:3:12",
	}, seen)
}

func TestMineWithSHA256(t *testing.T) {
	challenge := testChallenge
	challenge.Difficulty = 1

	var progress bytes.Buffer
	solution, err := NewMiner(WithProgress(&progress), WithBatchSize(8)).Mine(context.Background(), challenge, "wallet")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(solution.Hash, "0"))
	text := "1715000000.25:abcd:wallet:" + strconv.FormatUint(solution.Nonce, 10) + ":12"
	assert.Equal(t, SHA256Hex([]byte(text)), solution.Hash)
}

func TestMineHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	hasher := func([]byte) string {
		calls++
		if calls == 10 {
			cancel()
		}
		return strings.Repeat("f", 64)
	}

	_, err := NewMiner(WithHasher(hasher), WithBatchSize(4)).Mine(ctx, testChallenge, "wallet")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 12, calls)
}

func TestMineRejectsBadDifficulty(t *testing.T) {
	challenge := testChallenge
	challenge.Difficulty = 80

	_, err := NewMiner().Mine(context.Background(), challenge, "wallet")
	assert.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	var submitted map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/generate_challenge/":
			w.Write([]byte(`{"index": 12, "time": 1715000000.25, "previous_hash": "abcd", "difficulty": 2, "target": "00ff"}`)) //nolint:errcheck
		case r.Method == http.MethodPost && r.URL.Path == "/submit_result/":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			json.Unmarshal(body, &submitted) //nolint:errcheck
			w.Write([]byte(`{"message": "accepted"}`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", 5*time.Second)
	challenge, err := client.GetChallenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Challenge{Index: 12, Time: json.RawMessage("1715000000.25"), PreviousHash: "abcd", Difficulty: 2, Target: "00ff"}, challenge)

	reply, err := client.SubmitResult(context.Background(), NewSubmission(challenge, Solution{Nonce: 99, Hash: "00aa"}, "wallet"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message": "accepted"}`, string(reply))

	assert.Equal(t, map[string]any{
		"index":          float64(12),
		"nonce":          float64(99),
		"result_hash":    "00aa",
		"wallet_address": "wallet",
		"time":           1715000000.25,
		"previous_hash":  "abcd",
		"difficulty":     float64(2),
		"target":         "00ff",
	}, submitted)
}

func TestChallengeWithStringTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"index": 3, "time": "2024-05-06 10:00:00", "previous_hash": "ab", "difficulty": 0, "target": "ff"}`)) //nolint:errcheck
	}))
	defer server.Close()

	challenge, err := NewClient(server.URL, 5*time.Second).GetChallenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06 10:00:00", challenge.TimeText())

	var seen string
	hasher := func(text []byte) string {
		seen = string(text)
		return strings.Repeat("0", 64)
	}
	_, err = NewMiner(WithHasher(hasher)).Mine(context.Background(), challenge, "wallet")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-06 10:00:00:ab:wallet:0:3", seen)

	body, err := json.Marshal(NewSubmission(challenge, Solution{}, "wallet"))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"time":"2024-05-06 10:00:00"`)
}

func TestChallengeMissingTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"index": 3, "time": null, "previous_hash": "ab", "difficulty": 0, "target": "ff"}`)) //nolint:errcheck
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 5*time.Second).GetChallenge(context.Background())
	assert.ErrorContains(t, err, "missing time")
}

func TestClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance")) //nolint:errcheck
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)

	_, err := client.GetChallenge(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	_, err = client.SubmitResult(context.Background(), Submission{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "/submit_result/", apiErr.Endpoint)
}
