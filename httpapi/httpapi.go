// Package httpapi is the HTTP surface over the connection cache, the OAuth
// handshake engine, the maintenance sweeper, and the usage meter. Every
// response is wrapped in one envelope shape; every route except the
// well-known document requires a bearer token.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cordonlabs/toolgate/auth"
	"github.com/cordonlabs/toolgate/catalog"
	"github.com/cordonlabs/toolgate/connections"
	"github.com/cordonlabs/toolgate/internal/logctx"
	"github.com/cordonlabs/toolgate/maintenance"
	"github.com/cordonlabs/toolgate/oauthflow"
	"github.com/cordonlabs/toolgate/usage"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Deps are the collaborators the API fronts. All fields are required.
type Deps struct {
	Auth     auth.Authenticator
	Registry *catalog.Registry
	Cache    *connections.Cache
	OAuth    *oauthflow.Engine
	Sweeper  *maintenance.Sweeper
	Meter    usage.Meter
}

// Option configures the handler.
type Option func(*api)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *api) { a.log = l }
}

// WithRealm sets the realm used in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(a *api) { a.realm = realm }
}

// WithBaseURL sets the public base URL published in well-known metadata.
func WithBaseURL(u string) Option {
	return func(a *api) { a.baseURL = strings.TrimRight(u, "/") }
}

type api struct {
	deps    Deps
	log     *slog.Logger
	realm   string
	baseURL string
}

// New builds the HTTP handler.
func New(deps Deps, opts ...Option) http.Handler {
	a := &api{
		deps:    deps,
		log:     slog.Default(),
		realm:   "toolgate",
		baseURL: "http://localhost:8080",
	}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(a.requestID)
	r.Get("/.well-known/toolgate.json", a.handleWellKnown)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)
		r.Use(requireJSON)
		r.Post("/maintenance", a.handleMaintenance)
		r.Post("/maintenance/quick", a.handleQuickCheck)
		r.Post("/oauth/start", a.handleOAuthStart)
		r.Post("/oauth/finish", a.handleOAuthFinish)
		r.Post("/oauth/disconnect", a.handleOAuthDisconnect)
		r.Get("/usage", a.handleGetUsage)
		r.Post("/usage/check", a.handleUsageCheck)
		r.Post("/cache/invalidate", a.handleInvalidate)
	})
	return r
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (a *api) writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func (a *api) writeData(w http.ResponseWriter, data any) {
	a.writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (a *api) writeErr(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := classify(err)
	env := envelope{Error: &apiError{Code: code, Message: err.Error()}}
	if status == http.StatusInternalServerError {
		// Internal detail stays in the log; the caller gets a correlation id.
		id := uuid.NewString()
		a.log.ErrorContext(ctx, "http.internal",
			slog.String("correlation_id", id), slog.String("err", err.Error()))
		env.Error.Message = "internal error"
		env.Error.CorrelationID = id
	}
	a.writeJSON(w, status, env)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, oauthflow.ErrForbidden), errors.Is(err, errForeignUser):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, oauthflow.ErrExpired):
		return http.StatusGone, "handshake_expired"
	case errors.Is(err, oauthflow.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_code"
	case errors.Is(err, oauthflow.ErrNoOAuth):
		return http.StatusBadRequest, "no_oauth"
	case errors.Is(err, oauthflow.ErrNotFound),
		errors.Is(err, catalog.ErrUnknownServer),
		errors.Is(err, connections.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, connections.ErrAuthRequired):
		return http.StatusConflict, "auth_required"
	case errors.Is(err, connections.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_unavailable"
	case errors.Is(err, usage.ErrInvalidCharge), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

var errBadRequest = errors.New("invalid request body")

// Usage is always scoped to the authenticated caller; an explicit userId
// selector is accepted only when it names that same caller.
var errForeignUser = errors.New("userId does not match the authenticated user")

func (a *api) decode(r *http.Request, ref any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(ref); err != nil {
		return errBadRequest
	}
	return nil
}

// requestID tags every request with an id carried in logs and the response.
func (a *api) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userKey struct{}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// authenticate enforces the bearer token and stashes the caller's user id.
func (a *api) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			a.challenge(w, auth.NewAuthenticationRequired(a.realm))
			return
		}
		tok, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tok == "" {
			a.challenge(w, auth.NewInvalidTokenChallenge(a.realm, "malformed Authorization header"))
			return
		}
		ui, err := a.deps.Auth.CheckAuthentication(r.Context(), tok)
		if err != nil {
			if errors.Is(err, auth.ErrInsufficientScope) {
				a.challenge(w, auth.NewInsufficientScopeChallenge(a.realm, "toolgate:use"))
				return
			}
			a.challenge(w, auth.NewInvalidTokenChallenge(a.realm, "token validation failed"))
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, ui.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) challenge(w http.ResponseWriter, ch auth.Challenge) {
	w.Header().Set("WWW-Authenticate", ch.WWWAuthenticate)
	code := "unauthorized"
	if ch.Status == http.StatusForbidden {
		code = "insufficient_scope"
	}
	a.writeJSON(w, ch.Status, envelope{Error: &apiError{Code: code, Message: http.StatusText(ch.Status)}})
}

// requireJSON rejects POST bodies that are not declared application/json.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.ContentLength != 0 {
			ctype, err := contenttype.GetMediaType(r)
			if err != nil || !ctype.Matches(jsonMediaType) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnsupportedMediaType)
				_ = json.NewEncoder(w).Encode(envelope{Error: &apiError{
					Code: "unsupported_media_type", Message: "requests must be application/json",
				}})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
