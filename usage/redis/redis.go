// Package redis provides a usage meter on a shared Redis, for deployments
// where several processes meter the same users. Atomicity of the
// compare-and-charge comes from a single Lua script, so no per-user lock is
// needed on the Go side.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cordonlabs/toolgate/usage"
	"github.com/redis/go-redis/v9"
)

var _ usage.Meter = (*Meter)(nil)

// DefaultKeyPrefix namespaces ledger hashes in a shared Redis.
const DefaultKeyPrefix = "toolgate:usage:"

// chargeScript does the window rollover and the compare-and-charge in one
// atomic step. KEYS[1] is the user's ledger hash. ARGV: window start (unix
// nano), budget, input tokens, output tokens, now (unix nano), expiry ms.
// Returns {allowed, consumed_in, consumed_out} reflecting the hash after the
// call.
var chargeScript = redis.NewScript(`
local ws = redis.call('HGET', KEYS[1], 'ws')
if (not ws) or (tonumber(ws) < tonumber(ARGV[1])) then
  redis.call('HSET', KEYS[1], 'ws', ARGV[1], 'in', 0, 'out', 0)
end
local cin = tonumber(redis.call('HGET', KEYS[1], 'in'))
local cout = tonumber(redis.call('HGET', KEYS[1], 'out'))
local req = tonumber(ARGV[3]) + tonumber(ARGV[4])
if cin + cout + req > tonumber(ARGV[2]) then
  return {0, cin, cout}
end
cin = cin + tonumber(ARGV[3])
cout = cout + tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'in', cin, 'out', cout, 'lu', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return {1, cin, cout}
`)

// Config configures the meter.
type Config struct {
	// Client is the redis client to use. Required.
	Client *redis.Client
	// Plans resolves per-user budgets and windows. Required.
	Plans usage.PlanResolver
	// KeyPrefix namespaces ledger keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Now overrides the time source. Tests only.
	Now func() time.Time
}

// Meter implements usage.Meter on Redis.
type Meter struct {
	client *redis.Client
	plans  usage.PlanResolver
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

// New creates a Redis-backed meter.
func New(cfg Config) (*Meter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis usage meter: client is required")
	}
	if cfg.Plans == nil {
		return nil, fmt.Errorf("redis usage meter: plan resolver is required")
	}
	m := &Meter{
		client: cfg.Client,
		plans:  cfg.Plans,
		prefix: cfg.KeyPrefix,
		log:    cfg.Logger,
		now:    cfg.Now,
	}
	if m.prefix == "" {
		m.prefix = DefaultKeyPrefix
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Meter) key(userID string) string { return m.prefix + userID }

func (m *Meter) CheckRateLimit(ctx context.Context, userID string, inputTokens, outputTokens int64) (usage.Decision, error) {
	if inputTokens < 0 || outputTokens < 0 || inputTokens+outputTokens <= 0 {
		return usage.Decision{}, usage.ErrInvalidCharge
	}
	plan, err := m.plans.Resolve(ctx, userID)
	if err != nil {
		return usage.Decision{}, err
	}

	now := m.now()
	windowStart := plan.WindowStart(now)

	// Keep dead ledgers from accumulating: a hash untouched for two full
	// windows is past any live window.
	expiry := 2 * plan.WindowLength
	if expiry <= 0 {
		expiry = 48 * time.Hour
	}

	res, err := chargeScript.Run(ctx, m.client, []string{m.key(userID)},
		windowStart.UnixNano(),
		plan.BudgetTokens,
		inputTokens,
		outputTokens,
		now.UnixNano(),
		expiry.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return usage.Decision{}, fmt.Errorf("redis usage meter: charge: %w", err)
	}
	if len(res) != 3 {
		return usage.Decision{}, fmt.Errorf("redis usage meter: unexpected script reply length %d", len(res))
	}

	consumed := res[1] + res[2]
	remaining := plan.BudgetTokens - consumed
	if remaining < 0 {
		remaining = 0
	}
	if res[0] == 0 {
		shortfall := consumed + inputTokens + outputTokens - plan.BudgetTokens
		m.log.DebugContext(ctx, "usage.charge.denied",
			slog.String("user_id", userID),
			slog.Int64("requested", inputTokens+outputTokens),
			slog.Int64("shortfall", shortfall))
		return usage.Decision{
			Allowed:   false,
			Remaining: remaining,
			Reason:    usage.ReasonQuotaExceeded,
			Shortfall: shortfall,
		}, nil
	}
	return usage.Decision{Allowed: true, Remaining: remaining}, nil
}

func (m *Meter) GetUserUsage(ctx context.Context, userID string) (usage.Ledger, error) {
	plan, err := m.plans.Resolve(ctx, userID)
	if err != nil {
		return usage.Ledger{}, err
	}
	now := m.now()
	windowStart := plan.WindowStart(now)

	fields, err := m.client.HGetAll(ctx, m.key(userID)).Result()
	if err != nil {
		return usage.Ledger{}, fmt.Errorf("redis usage meter: read: %w", err)
	}

	led := usage.Ledger{
		UserID:             userID,
		WindowStart:        windowStart,
		WindowBudgetTokens: plan.BudgetTokens,
	}
	storedStart := parseInt(fields["ws"])
	if storedStart >= windowStart.UnixNano() {
		// Hash belongs to the current window; an older one reads as empty.
		led.ConsumedInputTokens = parseInt(fields["in"])
		led.ConsumedOutputTokens = parseInt(fields["out"])
		if lu := parseInt(fields["lu"]); lu > 0 {
			led.LastUpdated = time.Unix(0, lu)
		}
	}
	return led, nil
}

func (m *Meter) Close() error { return nil }

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
