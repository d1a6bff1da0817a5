package httpapi

import (
	"errors"
	"net/http"

	"github.com/cordonlabs/toolgate/maintenance"
)

// MaintenanceRequest names the agent whose enabled servers get swept.
type MaintenanceRequest struct {
	AgentID        string   `json:"agentId"`
	EnabledServers []string `json:"enabledServers"`
}

// OAuthStartRequest begins a handshake for a blocked session.
type OAuthStartRequest struct {
	ServerName string `json:"serverName"`
	SessionID  string `json:"sessionId"`
}

// OAuthStartResponse carries the URL the user must visit.
type OAuthStartResponse struct {
	AuthorizeURL string `json:"authorizeUrl"`
	HandshakeID  string `json:"handshakeId"`
}

// OAuthFinishRequest completes a handshake. Either HandshakeID or the signed
// State from the authorization redirect selects the handshake.
type OAuthFinishRequest struct {
	HandshakeID string `json:"handshakeId,omitempty"`
	State       string `json:"state,omitempty"`
	Code        string `json:"code"`
}

// OAuthDisconnectRequest revokes a stored credential. SessionID targets one
// session; ServerName targets every session the caller has for that server.
type OAuthDisconnectRequest struct {
	SessionID  string `json:"sessionId,omitempty"`
	ServerName string `json:"serverName,omitempty"`
}

// UsageCheckRequest asks whether a charge fits the caller's budget, and
// commits it when it does. UserID, when set, must name the authenticated
// caller.
type UsageCheckRequest struct {
	UserID       string `json:"userId,omitempty"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// InvalidateRequest evicts one cached session, or every session when
// SessionID is empty and All is set.
type InvalidateRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	All       bool   `json:"all,omitempty"`
}

func (a *api) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if err := a.decode(r, &req); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	reports := a.deps.Sweeper.PerformMaintenance(r.Context(), userID(r.Context()), maintenance.AgentConfig{
		AgentID:        req.AgentID,
		EnabledServers: req.EnabledServers,
	})
	a.writeData(w, map[string]any{"reports": reports})
}

func (a *api) handleQuickCheck(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if err := a.decode(r, &req); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	reports := a.deps.Sweeper.QuickHealthCheck(r.Context(), userID(r.Context()), maintenance.AgentConfig{
		AgentID:        req.AgentID,
		EnabledServers: req.EnabledServers,
	})
	a.writeData(w, map[string]any{"reports": reports})
}

func (a *api) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	var req OAuthStartRequest
	if err := a.decode(r, &req); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	url, hsID, err := a.deps.OAuth.Start(r.Context(), userID(r.Context()), req.ServerName, req.SessionID)
	if err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	a.writeData(w, OAuthStartResponse{AuthorizeURL: url, HandshakeID: hsID})
}

func (a *api) handleOAuthFinish(w http.ResponseWriter, r *http.Request) {
	var req OAuthFinishRequest
	if err := a.decode(r, &req); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	if req.Code == "" || (req.HandshakeID == "" && req.State == "") {
		a.writeErr(r.Context(), w, errBadRequest)
		return
	}
	var err error
	if req.State != "" {
		err = a.deps.OAuth.FinishWithState(r.Context(), req.State, req.Code, userID(r.Context()))
	} else {
		err = a.deps.OAuth.Finish(r.Context(), req.HandshakeID, req.Code, userID(r.Context()))
	}
	if err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	a.writeData(w, nil)
}

func (a *api) handleOAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	var req OAuthDisconnectRequest
	if err := a.decode(r, &req); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	if req.SessionID == "" && req.ServerName == "" {
		a.writeErr(r.Context(), w, errBadRequest)
		return
	}
	if err := a.deps.OAuth.Disconnect(r.Context(), userID(r.Context()), req.SessionID, req.ServerName); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	a.writeData(w, nil)
}

func (a *api) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("userId"); q != "" && q != userID(r.Context()) {
		a.writeErr(r.Context(), w, errForeignUser)
		return
	}
	led, err := a.deps.Meter.GetUserUsage(r.Context(), userID(r.Context()))
	if err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	a.writeData(w, led)
}

func (a *api) handleUsageCheck(w http.ResponseWriter, r *http.Request) {
	var req UsageCheckRequest
	if err := a.decode(r, &req); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	if req.UserID != "" && req.UserID != userID(r.Context()) {
		a.writeErr(r.Context(), w, errForeignUser)
		return
	}
	dec, err := a.deps.Meter.CheckRateLimit(r.Context(), userID(r.Context()), req.InputTokens, req.OutputTokens)
	if err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	if !dec.Allowed {
		a.writeJSON(w, http.StatusTooManyRequests, envelope{
			Data:  dec,
			Error: &apiError{Code: "quota_exceeded", Message: "usage quota exceeded"},
		})
		return
	}
	a.writeData(w, dec)
}

func (a *api) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := a.decode(r, &req); err != nil {
		a.writeErr(r.Context(), w, err)
		return
	}
	switch {
	case req.SessionID != "":
		// Operators may only evict sessions they can see; ownership is not
		// enforced here because the route is admin-scoped by deployment.
		if err := a.deps.Cache.Invalidate(r.Context(), req.SessionID); err != nil {
			a.writeErr(r.Context(), w, err)
			return
		}
		a.writeData(w, map[string]any{"evicted": 1})
	case req.All:
		n := a.deps.Cache.InvalidateAll(r.Context())
		a.writeData(w, map[string]any{"evicted": n})
	default:
		a.writeErr(r.Context(), w, errors.Join(errBadRequest, errors.New("sessionId or all required")))
	}
}
