// Package maintenance sweeps a user's cached tool-server connections: it
// pings each one, evicts the dead, and flags OAuth-gated servers that need a
// new handshake. A sweep reports, it never fails outright.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/cordonlabs/toolgate/catalog"
	"github.com/cordonlabs/toolgate/connections"
)

// ReportStatus classifies one server's outcome in a sweep.
type ReportStatus string

const (
	StatusHealthy      ReportStatus = "healthy"
	StatusUnhealthy    ReportStatus = "unhealthy"
	StatusEvicted      ReportStatus = "evicted"
	StatusAuthRequired ReportStatus = "auth_required"
	StatusAbsent       ReportStatus = "absent"
	StatusUnknown      ReportStatus = "unknown_server"
)

// Report is one server's line in the sweep result.
type Report struct {
	ServerName string       `json:"server_name"`
	Status     ReportStatus `json:"status"`
	LatencyMs  *int64       `json:"latency_ms"`
	Error      string       `json:"error,omitempty"`
}

// AgentConfig names the servers an agent has enabled.
type AgentConfig struct {
	AgentID        string   `json:"agent_id"`
	EnabledServers []string `json:"enabled_servers"`
}

// Option configures the sweeper.
type Option func(*Sweeper)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

// Sweeper checks and repairs cached connections. All mutation goes through
// the connection cache's exported methods.
type Sweeper struct {
	registry *catalog.Registry
	cache    *connections.Cache
	log      *slog.Logger
}

// New creates a sweeper over the given cache and catalog.
func New(registry *catalog.Registry, cache *connections.Cache, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry: registry,
		cache:    cache,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PerformMaintenance pings every enabled server's cached session for the
// user. Healthy sessions are left alone (the ping refreshes lastUsedAt).
// Dead ones are evicted; for OAuth-gated servers the session is parked in
// auth-required instead, so the next resolve surfaces the handshake need.
// The handshake itself is never started here. One report per enabled server,
// always.
func (s *Sweeper) PerformMaintenance(ctx context.Context, userID string, cfg AgentConfig) []Report {
	reports := make([]Report, 0, len(cfg.EnabledServers))
	for _, name := range cfg.EnabledServers {
		reports = append(reports, s.sweepOne(ctx, userID, cfg.AgentID, name, true))
	}
	s.log.InfoContext(ctx, "maint.sweep.done",
		slog.String("user_id", userID),
		slog.String("agent_id", cfg.AgentID),
		slog.Int("servers", len(reports)))
	return reports
}

// QuickHealthCheck is the read-only variant: ping and report, mutate
// nothing. Intended for diagnostics.
func (s *Sweeper) QuickHealthCheck(ctx context.Context, userID string, cfg AgentConfig) []Report {
	reports := make([]Report, 0, len(cfg.EnabledServers))
	for _, name := range cfg.EnabledServers {
		reports = append(reports, s.sweepOne(ctx, userID, cfg.AgentID, name, false))
	}
	return reports
}

func (s *Sweeper) sweepOne(ctx context.Context, userID, agentID, serverName string, repair bool) Report {
	report := Report{ServerName: serverName}

	desc, err := s.registry.Get(serverName)
	if err != nil {
		report.Status = StatusUnknown
		report.Error = err.Error()
		return report
	}

	key := connections.Key{UserID: userID, AgentID: agentID, ServerName: serverName}
	sess, ok := s.cache.Lookup(key)
	if !ok {
		report.Status = StatusAbsent
		return report
	}

	if sess.Status == connections.StatusReady {
		latency, err := s.cache.Ping(ctx, sess.ID)
		if err == nil {
			ms := latency.Milliseconds()
			report.Status = StatusHealthy
			report.LatencyMs = &ms
			return report
		}
		report.Error = err.Error()
	} else {
		report.Error = "session not ready: " + string(sess.Status)
	}

	if !repair {
		report.Status = StatusUnhealthy
		return report
	}
	report.Status = s.repair(ctx, desc, sess.ID)
	s.log.InfoContext(ctx, "maint.sweep.repair",
		slog.String("server", serverName),
		slog.String("session_id", sess.ID),
		slog.String("status", string(report.Status)))
	return report
}

// repair disposes of a dead session. OAuth-gated servers keep their session,
// parked in auth-required, because live handshakes reference it; everything
// else is evicted outright.
func (s *Sweeper) repair(ctx context.Context, desc *catalog.Descriptor, sessionID string) ReportStatus {
	if desc.RequiresOAuth {
		if err := s.cache.MarkAuthRequired(ctx, sessionID); err != nil {
			s.log.WarnContext(ctx, "maint.sweep.markauth.fail",
				slog.String("session_id", sessionID), slog.String("err", err.Error()))
		}
		return StatusAuthRequired
	}
	if err := s.cache.Invalidate(ctx, sessionID); err != nil {
		s.log.WarnContext(ctx, "maint.sweep.invalidate.fail",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	return StatusEvicted
}
