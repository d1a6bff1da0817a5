// Package usage meters token consumption per user against a windowed budget.
// The ledger is mutated only through a meter's atomic charge path; reads may
// be slightly stale but never torn.
package usage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCharge indicates a non-positive token amount.
	ErrInvalidCharge = errors.New("charge must be positive")
	// ErrNoPlan indicates the user has no resolvable subscription plan.
	ErrNoPlan = errors.New("no plan for user")
)

// ReasonQuotaExceeded is set on a denied Decision.
const ReasonQuotaExceeded = "quota_exceeded"

// Ledger is a snapshot of one user's consumption in the current window.
type Ledger struct {
	UserID               string    `json:"user_id"`
	WindowStart          time.Time `json:"window_start"`
	WindowBudgetTokens   int64     `json:"window_budget_tokens"`
	ConsumedInputTokens  int64     `json:"consumed_input_tokens"`
	ConsumedOutputTokens int64     `json:"consumed_output_tokens"`
	LastUpdated          time.Time `json:"last_updated"`
}

// Consumed is the total charged against the window so far.
func (l Ledger) Consumed() int64 {
	return l.ConsumedInputTokens + l.ConsumedOutputTokens
}

// Remaining is the budget left in the window. Never negative.
func (l Ledger) Remaining() int64 {
	if r := l.WindowBudgetTokens - l.Consumed(); r > 0 {
		return r
	}
	return 0
}

// Decision is the outcome of one charge attempt. Remaining reflects the
// ledger after a successful charge, or the unchanged ledger on denial.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
	// Shortfall is how many tokens over budget the request was. Zero when
	// allowed.
	Shortfall int64 `json:"shortfall,omitempty"`
}

// Plan is a user's subscription terms: a token budget per fixed window,
// anchored at the subscription cycle start.
type Plan struct {
	BudgetTokens int64
	WindowLength time.Duration
	Anchor       time.Time
}

// WindowStart returns the start of the fixed window containing now. Windows
// tile forward from the anchor, so the result is deterministic and monotone
// in now.
func (p Plan) WindowStart(now time.Time) time.Time {
	if p.WindowLength <= 0 {
		return p.Anchor
	}
	elapsed := now.Sub(p.Anchor)
	if elapsed < 0 {
		return p.Anchor
	}
	return p.Anchor.Add(elapsed / p.WindowLength * p.WindowLength)
}

// PlanResolver maps a user to their current plan.
type PlanResolver interface {
	Resolve(ctx context.Context, userID string) (Plan, error)
}

// PlanResolverFunc adapts a function to PlanResolver.
type PlanResolverFunc func(ctx context.Context, userID string) (Plan, error)

func (f PlanResolverFunc) Resolve(ctx context.Context, userID string) (Plan, error) {
	return f(ctx, userID)
}

// StaticResolver grants every user the same plan.
type StaticResolver struct {
	Plan Plan
}

func (r StaticResolver) Resolve(ctx context.Context, userID string) (Plan, error) {
	return r.Plan, nil
}

// Meter authorizes and records token consumption.
//
// CheckRateLimit performs an atomic compare-and-charge: when the window has
// room for in+out additional tokens the increment commits and the decision is
// allowed; otherwise nothing is written and the decision carries the
// shortfall. Charges for one user are serialized; different users never
// contend.
//
// GetUserUsage is a pure read and safe to call concurrently with charges.
type Meter interface {
	CheckRateLimit(ctx context.Context, userID string, inputTokens, outputTokens int64) (Decision, error)
	GetUserUsage(ctx context.Context, userID string) (Ledger, error)
	Close() error
}
