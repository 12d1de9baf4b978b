package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"vms.org/internal/audit"
	"vms.org/internal/identity"
	"vms.org/internal/notify"
	"vms.org/internal/obs"
	"vms.org/internal/stream"
	"vms.org/internal/validation"
	"vms.org/internal/visitor"
	"vms.org/internal/workflow"
)

const (
	serviceName  = "vms-api"
	maxBodyBytes = 1 << 20
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the backing stores and broker that are configured.
type ReadyProbe struct {
	DB     *sql.DB
	Redis  *redis.Client
	Broker interface {
		Ready(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if rp.Broker != nil {
		if err := rp.Broker.Ready(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Services bundles the domain services exposed over HTTP.
type Services struct {
	Identity      *identity.Service
	Requests      *visitor.Service
	Workflow      *workflow.Engine
	Notifications *notify.Dispatcher
	Hub           *stream.Hub
}

// API is the HTTP layer.
type API struct {
	identity      *identity.Service
	requests      *visitor.Service
	workflow      *workflow.Engine
	notifications *notify.Dispatcher
	hub           *stream.Hub

	readyProbe readinessChecker
	version    string

	rateBurst   int
	ratePerSec  float64
	loginBurst  int
	loginWindow time.Duration
	corsOrigins []string
	keepAlive   time.Duration
	now         func() time.Time

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// Option configures an API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket applied to every route.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithLoginLimit allows burst login attempts per client within window.
func WithLoginLimit(burst int, window time.Duration) Option {
	return func(a *API) {
		a.loginBurst = burst
		a.loginWindow = window
	}
}

// WithCORSOrigins lists the browser origins allowed to call the API.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithKeepAlive sets the comment interval on notification streams.
func WithKeepAlive(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.keepAlive = d
		}
	}
}

// WithClock overrides the time source used for statistics windows.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

func New(svc Services, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		identity:      svc.Identity,
		requests:      svc.Requests,
		workflow:      svc.Workflow,
		notifications: svc.Notifications,
		hub:           svc.Hub,
		readyProbe:    rp,
		version:       version,
		rateBurst:     100,
		ratePerSec:    50,
		loginBurst:    8,
		loginWindow:   15 * time.Minute,
		keepAlive:     25 * time.Second,
		now:           time.Now,
		streamsDone:   make(chan struct{}),
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully wrapped router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		LoggingJSON,
		SecurityHeaders,
		CORS(a.corsOrigins),
		func(next http.Handler) http.Handler { return MaxBodyBytes(next, maxBodyBytes) },
		func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) },
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	loginLimit := func(next http.Handler) http.Handler {
		return LoginLimit(next, a.loginBurst, a.loginWindow)
	}
	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/signup", a.handleSignup)
		r.With(loginLimit).Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)
		r.With(a.authenticate).Post("/logout", a.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/v1/me", a.handleGetMe)
		r.Put("/v1/me", a.handleUpdateMe)

		r.Route("/v1/admin/users", func(r chi.Router) {
			r.Use(requireRole(identity.RoleSuperadmin))
			r.Get("/", a.handleListUsers)
			r.Post("/{userID}/approve", a.handleApproveUser)
			r.Post("/{userID}/reject", a.handleRejectUser)
			r.Delete("/{userID}", a.handleDeleteUser)
		})

		r.Route("/v1/visitor-requests", func(r chi.Router) {
			r.With(requireRole(identity.RoleOffice)).Post("/", a.handleSubmitRequest)
			r.With(requireRole(identity.RoleOffice)).Get("/", a.handleListOwnRequests)
			r.With(requireRole(identity.RoleOffice)).Get("/stats", a.handleRequestStats)
			r.With(requireRole(identity.RoleOffice)).Delete("/{requestID}", a.handleCancelRequest)
			r.With(requireRole(identity.RoleSubadmin, identity.RoleSuperadmin)).Post("/{requestID}/decision", a.handleDecide)
		})
		r.With(requireRole(identity.RoleSubadmin, identity.RoleSuperadmin)).Get("/v1/office/visitor-requests", a.handleListOfficeRequests)
	})

	r.Route("/v1/notifications", func(r chi.Router) {
		r.With(a.authenticate).Get("/", a.handleListNotifications)
		r.With(a.authenticate).Get("/unread-count", a.handleUnreadCount)
		r.With(a.authenticate).Post("/read-all", a.handleMarkAllRead)
		r.With(a.authenticate).Post("/{notificationID}/read", a.handleMarkRead)
		// EventSource cannot set headers, so the stream also accepts ?access_token=.
		r.With(a.authenticateStream).Get("/stream", a.Stream)
	})

	return obs.Instrument(r)
}

// CloseStreams ends every open notification stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on them.
func (a *API) CloseStreams() {
	a.closeOnce.Do(func() { close(a.streamsDone) })
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Warn("readiness check failed", map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"error":      err,
		})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorPayload(w, r, code, map[string]any{"error": msg})
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps domain errors to status codes. Unknown errors are logged
// and reported as a generic failure.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeErrorPayload(w, r, http.StatusBadRequest, map[string]any{
			"error":  verr.Error(),
			"fields": verr.Fields(),
		})
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, visitor.ErrNotFound),
		errors.Is(err, notify.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrDuplicateIdentity),
		errors.Is(err, identity.ErrInvalidState),
		errors.Is(err, visitor.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, visitor.ErrForbidden),
		errors.Is(err, workflow.ErrForbidden),
		errors.Is(err, notify.ErrForbidden),
		errors.Is(err, identity.ErrNotApproved):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	default:
		obs.Error("request failed", map[string]any{
			"error":      err,
			"request_id": audit.RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
