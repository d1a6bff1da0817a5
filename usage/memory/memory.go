// Package memory provides an in-process usage meter. Each user gets their own
// lock, so charges for one user serialize while different users proceed
// independently.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cordonlabs/toolgate/usage"
)

var _ usage.Meter = (*Meter)(nil)

type userLedger struct {
	mu     sync.Mutex
	ledger usage.Ledger
}

// Meter implements usage.Meter on process memory.
type Meter struct {
	plans usage.PlanResolver
	log   *slog.Logger
	now   func() time.Time

	mu    sync.RWMutex
	users map[string]*userLedger
}

// Option configures the meter.
type Option func(*Meter)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) { m.log = l }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

// New creates a meter backed by process memory.
func New(plans usage.PlanResolver, opts ...Option) *Meter {
	m := &Meter{
		plans: plans,
		log:   slog.Default(),
		now:   time.Now,
		users: make(map[string]*userLedger),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Meter) userEntry(userID string) *userLedger {
	m.mu.RLock()
	u, ok := m.users[userID]
	m.mu.RUnlock()
	if ok {
		return u
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u
	}
	u = &userLedger{ledger: usage.Ledger{UserID: userID}}
	m.users[userID] = u
	return u
}

// syncWindow rolls the ledger forward to the window containing now and
// refreshes the budget from the plan. Caller holds u.mu.
func syncWindow(u *userLedger, plan usage.Plan, now time.Time) {
	start := plan.WindowStart(now)
	if start.After(u.ledger.WindowStart) {
		u.ledger.WindowStart = start
		u.ledger.ConsumedInputTokens = 0
		u.ledger.ConsumedOutputTokens = 0
	}
	u.ledger.WindowBudgetTokens = plan.BudgetTokens
}

func (m *Meter) CheckRateLimit(ctx context.Context, userID string, inputTokens, outputTokens int64) (usage.Decision, error) {
	if inputTokens < 0 || outputTokens < 0 || inputTokens+outputTokens <= 0 {
		return usage.Decision{}, usage.ErrInvalidCharge
	}
	plan, err := m.plans.Resolve(ctx, userID)
	if err != nil {
		return usage.Decision{}, err
	}

	u := m.userEntry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := m.now()
	syncWindow(u, plan, now)

	requested := inputTokens + outputTokens
	if u.ledger.Consumed()+requested > u.ledger.WindowBudgetTokens {
		shortfall := u.ledger.Consumed() + requested - u.ledger.WindowBudgetTokens
		m.log.DebugContext(ctx, "usage.charge.denied",
			slog.String("user_id", userID),
			slog.Int64("requested", requested),
			slog.Int64("shortfall", shortfall))
		return usage.Decision{
			Allowed:   false,
			Remaining: u.ledger.Remaining(),
			Reason:    usage.ReasonQuotaExceeded,
			Shortfall: shortfall,
		}, nil
	}

	u.ledger.ConsumedInputTokens += inputTokens
	u.ledger.ConsumedOutputTokens += outputTokens
	u.ledger.LastUpdated = now
	return usage.Decision{Allowed: true, Remaining: u.ledger.Remaining()}, nil
}

func (m *Meter) GetUserUsage(ctx context.Context, userID string) (usage.Ledger, error) {
	plan, err := m.plans.Resolve(ctx, userID)
	if err != nil {
		return usage.Ledger{}, err
	}
	u := m.userEntry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	syncWindow(u, plan, m.now())
	return u.ledger, nil
}

func (m *Meter) Close() error {
	m.mu.Lock()
	m.users = make(map[string]*userLedger)
	m.mu.Unlock()
	return nil
}
