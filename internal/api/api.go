// Package api is the HTTP boundary of corefacility: the chi router, request
// authorization and the JSON endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"corefacility/internal/audit"
	"corefacility/internal/auth"
	"corefacility/internal/core"
	"corefacility/internal/entity"
	"corefacility/internal/modules"
)

// Deps are the collaborators of the HTTP boundary.
type Deps struct {
	// Sessions returns a fresh session for each request.
	Sessions func() *entity.Session
	Registry *modules.Registry
	Pipeline *auth.Pipeline
	Standard *auth.Standard
	// Cookie, when set, keeps the web interface signed in after a UI
	// authorization.
	Cookie *auth.Cookie
	// Audit, when set, logs every request.
	Audit *audit.Middleware
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
	Logger  *zap.Logger
	Timeout time.Duration
	// ProjectBaseDir, when set, roots the data directories of new projects.
	ProjectBaseDir string
}

// API serves the corefacility endpoints.
type API struct {
	sessions func() *entity.Session
	registry *modules.Registry
	pipeline *auth.Pipeline
	standard *auth.Standard
	cookie   *auth.Cookie
	logger   *zap.Logger
	baseDir  string
}

// NewRouter returns the router serving every endpoint.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	a := &API{
		sessions: d.Sessions,
		registry: d.Registry,
		pipeline: d.Pipeline,
		standard: d.Standard,
		cookie:   d.Cookie,
		logger:   logger,
		baseDir:  d.ProjectBaseDir,
	}

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(logger),
		middleware.Timeout(timeout),
	)
	if d.Audit != nil {
		router.Use(d.Audit.Handler)
	}

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	router.Get("/", a.authorizeUI)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/login/", a.login)
		r.Get("/login/{alias}/", a.auxiliary)
		r.Group(func(r chi.Router) {
			r.Use(a.requireUser)
			r.Post("/groups/", a.createGroup)
			r.Get("/groups/{id}/", a.getGroup)
			r.Post("/projects/", a.createProject)
			r.Get("/projects/{id}/", a.getProject)
			r.Get("/modules/", a.listModules)
			r.Patch("/modules/{app_class}/", a.setModuleEnabled)
		})
	})
	return router
}

// requestLogger writes one structured line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(started)),
			)
		})
	}
}

type contextKey struct{}

type requestState struct {
	session *entity.Session
	user    *core.User
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(contextKey{}).(*requestState)
	return st
}

// session returns the session bound to the request, or a fresh one.
func (a *API) session(r *http.Request) *entity.Session {
	if st := stateFrom(r.Context()); st != nil {
		return st.session
	}
	return a.sessions()
}

// CurrentUser returns the user authorized for the request.
func CurrentUser(ctx context.Context) *core.User {
	if st := stateFrom(ctx); st != nil {
		return st.user
	}
	return nil
}

// requireUser runs the API authorization modules and rejects anonymous
// requests. The audit log, when present, is attributed to the user.
func (a *API) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := a.sessions()
		u, err := a.pipeline.AuthorizeAPI(auth.NewRequest(w, r, s))
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		if u == nil {
			writeError(w, http.StatusUnauthorized, "NotAuthenticated", "authentication credentials were not provided")
			return
		}
		if l, err := audit.FromContext(r.Context()); err == nil {
			l.SetUser(u)
		}
		ctx := context.WithValue(r.Context(), contextKey{}, &requestState{session: s, user: u})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
