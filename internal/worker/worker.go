package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/upowai/TTI-MINER/internal/config"
	"github.com/upowai/TTI-MINER/internal/core"
	"github.com/upowai/TTI-MINER/internal/core/types"
	"github.com/upowai/TTI-MINER/internal/pool"
	"github.com/upowai/TTI-MINER/internal/storage"
	"github.com/upowai/TTI-MINER/internal/submit"
)

type State string

const (
	StateBootstrapping State = "bootstrapping"
	StateCycleStart    State = "cycle_start"
	StateConnecting    State = "connecting"
	StateRequesting    State = "requesting"
	StateGenerating    State = "generating"
	StateUploading     State = "uploading"
	StateCleaningUp    State = "cleaning_up"
	StateWaiting       State = "waiting"
	StateStopped       State = "stopped"
)

type CycleOutcome int

const (
	OutcomeCompleted CycleOutcome = iota
	OutcomeConnectFailed
	OutcomeProtocolFailed
	OutcomeNoTask
	OutcomeEncodeFailed
	OutcomeGenerateFailed
	OutcomeSubmitFailed
	OutcomeCancelled
	OutcomeFatal
)

func (o CycleOutcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeConnectFailed:
		return "connect_failed"
	case OutcomeProtocolFailed:
		return "protocol_failed"
	case OutcomeNoTask:
		return "no_task"
	case OutcomeEncodeFailed:
		return "encode_failed"
	case OutcomeGenerateFailed:
		return "generate_failed"
	case OutcomeSubmitFailed:
		return "submit_failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Session interface {
	Ping(ctx context.Context) (pool.Ack, error)
	RequestTask(ctx context.Context) (pool.Message, error)
	Close() error
}

type PoolClient interface {
	Connect(ctx context.Context) (Session, error)
}

type Generator interface {
	Generate(ctx context.Context, task types.Task) (image.Image, error)
}

type Submitter interface {
	Submit(ctx context.Context, artifactPath, endpoint string, metadata submit.Metadata) submit.Result
}

type ArtifactStore interface {
	Save(img image.Image) (storage.Artifact, error)
	Delete(path string) error
}

type Deps struct {
	Pool      PoolClient
	Generator Generator
	Submitter Submitter
	Store     ArtifactStore
}

type poolClient struct {
	client *pool.Client
}

// NewPoolClient adapts a pool.Client to the PoolClient interface.
func NewPoolClient(client *pool.Client) PoolClient {
	return poolClient{client: client}
}

func (c poolClient) Connect(ctx context.Context) (Session, error) {
	session, err := c.client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// PanicError is returned when a cycle panics. It is always fatal.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in worker cycle: %v", e.Value)
}

type Worker struct {
	endpoint      string
	walletAddress string
	interval      time.Duration

	pool      PoolClient
	generator Generator
	submitter Submitter
	store     ArtifactStore

	state State
}

func New(cfg config.Config, deps Deps) *Worker {
	w := &Worker{
		endpoint:      cfg.Endpoint,
		walletAddress: cfg.WalletAddress,
		interval:      cfg.Interval.Duration(),
		pool:          deps.Pool,
		generator:     deps.Generator,
		submitter:     deps.Submitter,
		store:         deps.Store,
	}
	w.transition(StateBootstrapping)
	return w
}

func (w *Worker) State() State {
	return w.state
}

func (w *Worker) transition(next State) {
	slog.Info("worker state", "from", w.state, "to", next)
	w.state = next
}

// Run executes cycles until ctx is cancelled or a cycle fails with an error
// the worker cannot classify. Cancellation is not an error.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "interval", w.interval.String(), "endpoint", w.endpoint)
	defer w.transition(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		outcome, err := w.RunCycle(ctx)
		if ctx.Err() != nil {
			slog.Info("worker cancelled", "outcome", outcome)
			return nil
		}
		if err != nil {
			slog.Error("fatal error in worker cycle", "outcome", outcome, "error", err)
			return err
		}
		slog.Info("cycle finished", "outcome", outcome)

		w.transition(StateWaiting)
		if !w.sleep(ctx) {
			return nil
		}
	}
}

func (w *Worker) sleep(ctx context.Context) bool {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RunCycle performs one request, generate, submit and cleanup pass. A non-nil
// error means the failure could not be classified and the worker must stop.
func (w *Worker) RunCycle(ctx context.Context) (outcome CycleOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeFatal, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	w.transition(StateCycleStart)
	w.transition(StateConnecting)

	session, err := w.pool.Connect(ctx)
	if err != nil {
		return w.poolFailure(ctx, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Debug("error closing pool session", "error", err)
		}
	}()

	ack, err := session.Ping(ctx)
	if err != nil {
		return w.poolFailure(ctx, err)
	}
	slog.Info("pool response", "status", ack.Status)

	w.transition(StateRequesting)
	msg, err := session.RequestTask(ctx)
	if err != nil {
		return w.poolFailure(ctx, err)
	}

	var task types.Task
	switch m := msg.(type) {
	case pool.RequestedTask:
		task = m.Task
	case pool.ErrorReply:
		slog.Warn("pool response for task", "message", m.Message)
		return OutcomeNoTask, nil
	case pool.Ack:
		slog.Info("pool response for task", "status", m.Status)
		return OutcomeNoTask, nil
	case pool.Malformed:
		slog.Error("malformed pool response", "error", m.Err(), "raw", m.Raw)
		return OutcomeProtocolFailed, nil
	default:
		return OutcomeFatal, fmt.Errorf("unhandled pool message type %T", msg)
	}

	slog.Info("received task", "task", task)
	return w.execute(ctx, task)
}

func (w *Worker) execute(ctx context.Context, task types.Task) (CycleOutcome, error) {
	w.transition(StateGenerating)
	img, err := w.generator.Generate(ctx, task)
	if ctx.Err() != nil {
		return OutcomeCancelled, ctx.Err()
	}
	if err != nil {
		var encErr *core.EncodingError
		var genErr *core.GenerationError
		switch {
		case errors.As(err, &encErr):
			slog.Error("error encoding prompt", "task_id", task.ID, "error", err)
			return OutcomeEncodeFailed, nil
		case errors.As(err, &genErr):
			slog.Error("error generating image", "task_id", task.ID, "error", err)
			return OutcomeGenerateFailed, nil
		default:
			return OutcomeFatal, fmt.Errorf("error generating task %s: %w", task.ID, err)
		}
	}

	artifact, err := w.store.Save(img)
	if err != nil {
		var saveErr *storage.SaveError
		if errors.As(err, &saveErr) {
			slog.Error("error saving image", "task_id", task.ID, "error", err)
			return OutcomeGenerateFailed, nil
		}
		return OutcomeFatal, fmt.Errorf("error saving task %s: %w", task.ID, err)
	}

	w.transition(StateUploading)
	slog.Info("sending completed task to pool", "task_id", task.ID, "artifact", artifact.Name)
	result := w.submitter.Submit(ctx, artifact.Path, w.endpoint, submit.Metadata{
		TaskID:        task.ID,
		WalletAddress: w.walletAddress,
	})
	if ctx.Err() != nil {
		return OutcomeCancelled, ctx.Err()
	}
	if !result.OK() {
		slog.Error("failed to upload task", "task_id", task.ID, "message", result.Message)
		return OutcomeSubmitFailed, nil
	}
	slog.Info("pool accepted task", "task_id", task.ID, "message", result.Message)

	w.transition(StateCleaningUp)
	if err := w.store.Delete(artifact.Path); err != nil {
		slog.Error("error cleaning uploaded task", "path", artifact.Path, "error", err)
	}
	return OutcomeCompleted, nil
}

func (w *Worker) poolFailure(ctx context.Context, err error) (CycleOutcome, error) {
	if ctx.Err() != nil {
		return OutcomeCancelled, ctx.Err()
	}

	var connErr *pool.ConnectionError
	var protoErr *pool.ProtocolError
	switch {
	case errors.As(err, &connErr):
		slog.Error("pool connection failed", "op", connErr.Op, "error", connErr.Err)
		return OutcomeConnectFailed, nil
	case errors.As(err, &protoErr):
		slog.Error("pool protocol error", "reason", protoErr.Reason, "raw", protoErr.Raw)
		return OutcomeProtocolFailed, nil
	default:
		return OutcomeFatal, err
	}
}
