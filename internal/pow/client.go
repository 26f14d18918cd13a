package pow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultAPIURL = "https://pooltti.upow.network"

// Challenge is issued by the challenge api. Time is kept as the raw json value
// so it can be echoed back unchanged, whether the server sends a number or a
// string.
type Challenge struct {
	Index        int64           `json:"index"`
	Time         json.RawMessage `json:"time"`
	PreviousHash string          `json:"previous_hash"`
	Difficulty   int             `json:"difficulty"`
	Target       string          `json:"target"`
}

// TimeText renders Time the way it appears in the hashed text: strings
// without their quotes, anything else as written.
func (c Challenge) TimeText() string {
	var s string
	if err := json.Unmarshal(c.Time, &s); err == nil {
		return s
	}
	return string(c.Time)
}

type Submission struct {
	Index         int64       `json:"index"`
	Nonce         uint64      `json:"nonce"`
	ResultHash    string      `json:"result_hash"`
	WalletAddress string      `json:"wallet_address"`
	Time          json.RawMessage `json:"time"`
	PreviousHash  string      `json:"previous_hash"`
	Difficulty    int         `json:"difficulty"`
	Target        string      `json:"target"`
}

func NewSubmission(challenge Challenge, solution Solution, walletAddress string) Submission {
	return Submission{
		Index:         challenge.Index,
		Nonce:         solution.Nonce,
		ResultHash:    solution.Hash,
		WalletAddress: walletAddress,
		Time:          challenge.Time,
		PreviousHash:  challenge.PreviousHash,
		Difficulty:    challenge.Difficulty,
		Target:        challenge.Target,
	}
}

type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("challenge api %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

type Client struct {
	client *resty.Client
}

func NewClient(apiURL string, timeout time.Duration) *Client {
	return &Client{
		client: resty.New().SetBaseURL(strings.TrimRight(apiURL, "/")).SetTimeout(timeout),
	}
}

func (c *Client) GetChallenge(ctx context.Context) (Challenge, error) {
	const endpoint = "/generate_challenge/"
	res, err := c.client.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return Challenge{}, fmt.Errorf("error requesting challenge: %w", err)
	}
	if !res.IsSuccess() {
		return Challenge{}, &APIError{Endpoint: endpoint, StatusCode: res.StatusCode(), Body: res.String()}
	}

	var challenge Challenge
	if err := json.Unmarshal(res.Body(), &challenge); err != nil {
		return Challenge{}, fmt.Errorf("error parsing challenge: %w", err)
	}
	if len(challenge.Time) == 0 || string(challenge.Time) == "null" {
		return Challenge{}, fmt.Errorf("challenge is missing time")
	}
	slog.Info("challenge received from the server", "index", challenge.Index, "difficulty", challenge.Difficulty)
	return challenge, nil
}

// SubmitResult posts the solution and returns the server's reply verbatim.
func (c *Client) SubmitResult(ctx context.Context, submission Submission) (json.RawMessage, error) {
	const endpoint = "/submit_result/"
	res, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(submission).
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("error submitting result: %w", err)
	}
	if !res.IsSuccess() {
		return nil, &APIError{Endpoint: endpoint, StatusCode: res.StatusCode(), Body: res.String()}
	}

	body := res.Body()
	if !json.Valid(body) {
		return nil, fmt.Errorf("error parsing submission response: %q", res.String())
	}
	slog.Info("result submitted to the server", "index", submission.Index, "nonce", submission.Nonce)
	return json.RawMessage(body), nil
}
