package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	RequestTypePing = "PING"
	RequestTypeTask = "request"

	closeGracePeriod = time.Second
)

type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("pool connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type ProtocolError struct {
	Reason string
	Raw    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pool protocol error: %s", e.Reason)
}

type request struct {
	Type string `json:"type"`
}

type Options struct {
	// ReadTimeout bounds the wait for each response frame. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// Client opens one websocket session per cycle. It never retries on its own.
type Client struct {
	uri    string
	opts   Options
	dialer *websocket.Dialer
}

func NewClient(uri string, opts Options) *Client {
	return &Client{
		uri:  uri,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.DialTimeout,
		},
	}
}

func URI(host string, port int) string {
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *Client) Connect(ctx context.Context) (*Session, error) {
	slog.Info("connecting to miner pool", "uri", c.uri)
	conn, _, err := c.dialer.DialContext(ctx, c.uri, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return &Session{conn: conn, opts: c.opts}, nil
}

// Session is a single connected exchange with the pool. It is not safe for
// concurrent use and must be closed at the end of the cycle.
type Session struct {
	conn      *websocket.Conn
	opts      Options
	closeOnce sync.Once
}

func (s *Session) Ping(ctx context.Context) (Ack, error) {
	data, err := s.roundTrip(ctx, request{Type: RequestTypePing})
	if err != nil {
		return Ack{}, err
	}

	text := unquote(data)
	if !strings.HasPrefix(text, statusSuccessPrefix) && !strings.HasPrefix(text, statusErrorPrefix) {
		return Ack{}, &ProtocolError{Reason: "unexpected ping response", Raw: text}
	}
	slog.Info("pool response", "response", text)
	return Ack{Status: text}, nil
}

// RequestTask asks the pool for one task and decodes the single response.
// Transport failures are returned as errors, everything the pool says is
// returned as a Message.
func (s *Session) RequestTask(ctx context.Context) (Message, error) {
	slog.Info("requesting a task from pool")
	data, err := s.roundTrip(ctx, request{Type: RequestTypeTask})
	if err != nil {
		return nil, err
	}
	return Decode(data), nil
}

func (s *Session) roundTrip(ctx context.Context, req request) ([]byte, error) {
	// Closing the socket is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if s.opts.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, s.transportError(ctx, "send", err)
	}

	if s.opts.ReadTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)) //nolint:errcheck
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, s.transportError(ctx, "receive", err)
	}
	return data, nil
}

func (s *Session) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ConnectionError{Op: op, Err: err}
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)) //nolint:errcheck
		err = s.conn.Close()
	})
	return err
}

func unquote(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(data))
}
