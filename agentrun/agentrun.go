// Package agentrun is the boundary to the external agent-run executor. The
// core never manages the executor's own session lifecycle; its sole interest
// is relaying run streams and attributing a completed run's token counts to
// the usage meter.
package agentrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cordonlabs/toolgate/usage"
)

// ErrQuotaExceeded indicates the run's tokens did not fit the user's budget.
var ErrQuotaExceeded = errors.New("usage quota exceeded")

// RunState is the executor-side state of a thread's latest run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// EventType discriminates stream events.
type EventType string

const (
	EventMessageDelta EventType = "message_delta"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
)

// RunUsage is the token count of one completed run.
type RunUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total is the run's combined token count.
func (u RunUsage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Event is one element of a run stream. Usage is set only on the terminal
// completed event; Err only on the terminal failed event.
type Event struct {
	Type  EventType `json:"type"`
	Delta string    `json:"delta,omitempty"`
	Usage *RunUsage `json:"usage,omitempty"`
	Err   error     `json:"-"`
}

// Thread is an executor-side conversation container.
type Thread struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Executor is the opaque run executor. Implementations live outside this
// module; tests use agentruntest.Fake.
type Executor interface {
	CreateThread(ctx context.Context, userID string, metadata map[string]string) (*Thread, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	UpdateThread(ctx context.Context, threadID string, metadata map[string]string) (*Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	StreamRun(ctx context.Context, threadID, input string) (<-chan Event, error)
	GetState(ctx context.Context, threadID string) (RunState, error)
}

// Attributor charges completed runs against the usage meter.
type Attributor struct {
	executor Executor
	meter    usage.Meter
	log      *slog.Logger
}

// Option configures the attributor.
type Option func(*Attributor)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Attributor) { a.log = l }
}

// NewAttributor wires an executor to a meter.
func NewAttributor(executor Executor, meter usage.Meter, opts ...Option) *Attributor {
	a := &Attributor{
		executor: executor,
		meter:    meter,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attribute charges one run's tokens to the user. A denial surfaces as
// ErrQuotaExceeded carrying the meter's decision; runs with zero usage
// charge nothing.
func (a *Attributor) Attribute(ctx context.Context, userID string, ru RunUsage) (usage.Decision, error) {
	if ru.Total() == 0 {
		return usage.Decision{Allowed: true}, nil
	}
	dec, err := a.meter.CheckRateLimit(ctx, userID, ru.InputTokens, ru.OutputTokens)
	if err != nil {
		return usage.Decision{}, fmt.Errorf("attributing run usage: %w", err)
	}
	if !dec.Allowed {
		a.log.WarnContext(ctx, "usage.attribute.denied",
			slog.String("user_id", userID),
			slog.Int64("requested", ru.Total()),
			slog.Int64("shortfall", dec.Shortfall))
		return dec, fmt.Errorf("%w: short by %d tokens", ErrQuotaExceeded, dec.Shortfall)
	}
	a.log.InfoContext(ctx, "usage.attribute.ok",
		slog.String("user_id", userID),
		slog.Int64("input_tokens", ru.InputTokens),
		slog.Int64("output_tokens", ru.OutputTokens),
		slog.Int64("remaining", dec.Remaining))
	return dec, nil
}

// StreamRun relays the executor's stream for the thread and charges the
// terminal usage to userID once the run completes. The returned channel
// mirrors the executor's events; attribution happens after the completed
// event is forwarded, so a quota denial never truncates the stream the
// caller already saw.
func (a *Attributor) StreamRun(ctx context.Context, userID, threadID, input string) (<-chan Event, error) {
	src, err := a.executor.StreamRun(ctx, threadID, input)
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range src {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == EventRunCompleted && ev.Usage != nil {
				if _, err := a.Attribute(ctx, userID, *ev.Usage); err != nil {
					a.log.WarnContext(ctx, "usage.attribute.fail",
						slog.String("thread_id", threadID),
						slog.String("err", err.Error()))
				}
			}
		}
	}()
	return out, nil
}
