// Package api serves the application form pages and the JSON API behind them.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/places"
	"github.com/BTreeMap/SocialSupport/internal/render"
	"github.com/BTreeMap/SocialSupport/internal/schema"
	"github.com/BTreeMap/SocialSupport/internal/session"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	SecureCookies bool
	SchemaPath    string
	SubmitDelay   *time.Duration
	IdleTimeout   *time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithSecureCookies marks the session cookies Secure, for deployments behind TLS.
func WithSecureCookies(secure bool) Option {
	return func(o *Opts) {
		o.SecureCookies = secure
	}
}

// WithSchemaPath loads the form steps from a YAML file instead of the built-in form.
func WithSchemaPath(path string) Option {
	return func(o *Opts) {
		o.SchemaPath = path
	}
}

// WithSubmitDelay sets the simulated submission delay.
func WithSubmitDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.SubmitDelay = &d
	}
}

// WithIdleTimeout sets how long an unused session is kept in memory.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.IdleTimeout = &d
	}
}

// Assistant drafts statements for textarea fields.
type Assistant interface {
	AssistStatement(ctx context.Context, situation string) (string, error)
}

// Deps are the collaborators of a Server. Schema, Translator, Sessions and Renderer are
// required; a nil Places or Assistant disables the corresponding endpoints.
type Deps struct {
	Schema     *schema.Schema
	Translator *i18n.Translator
	Sessions   *session.Registry
	Renderer   *render.Renderer
	Places     *places.Service
	Assistant  Assistant
	Now        func() time.Time
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	schema        *schema.Schema
	tr            *i18n.Translator
	sessions      *session.Registry
	renderer      *render.Renderer
	places        *places.Service
	assist        Assistant
	now           func() time.Time
	addr          string
	secureCookies bool
	mux           *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		schema:        deps.Schema,
		tr:            deps.Translator,
		sessions:      deps.Sessions,
		renderer:      deps.Renderer,
		places:        deps.Places,
		assist:        deps.Assistant,
		now:           deps.Now,
		addr:          cfg.Addr,
		secureCookies: cfg.SecureCookies,
		mux:           http.NewServeMux(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.places == nil {
		s.places, _ = places.NewService()
	}
	s.routes()
	slog.Debug("Server.NewServer: routes registered", "addr", s.addr, "secure_cookies", s.secureCookies,
		"places_enabled", s.places.Enabled(), "assist_enabled", s.assist != nil)
	return s
}

func (s *Server) routes() {
	// Pages
	s.mux.HandleFunc("GET /{$}", s.rootHandler)
	s.mux.HandleFunc("GET /step/{index}", s.stepPageHandler)
	s.mux.HandleFunc("POST /step/{index}", s.stepFormHandler)
	s.mux.HandleFunc("GET /review", s.reviewPageHandler)
	s.mux.HandleFunc("GET /review/{historyID}", s.historyReviewPageHandler)
	s.mux.HandleFunc("GET /history", s.historyPageHandler)
	s.mux.HandleFunc("POST /language", s.languageFormHandler)
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(render.AssetsFS())))

	// Form state
	s.mux.HandleFunc("GET /api/schema", s.schemaHandler)
	s.mux.HandleFunc("GET /api/form", s.formHandler)
	s.mux.HandleFunc("POST /api/form/change", s.changeHandler)
	s.mux.HandleFunc("POST /api/form/meta", s.metaHandler)
	s.mux.HandleFunc("POST /api/form/select", s.selectHandler)
	s.mux.HandleFunc("POST /api/form/blur", s.blurHandler)
	s.mux.HandleFunc("POST /api/form/steps/{index}/validate", s.validateStepHandler)
	s.mux.HandleFunc("GET /api/form/steps/{index}", s.resolveStepHandler)
	s.mux.HandleFunc("POST /api/form/next", s.nextHandler)
	s.mux.HandleFunc("POST /api/form/back", s.backHandler)
	s.mux.HandleFunc("POST /api/form/submit", s.submitHandler)
	s.mux.HandleFunc("POST /api/form/reset", s.resetHandler)

	// History
	s.mux.HandleFunc("GET /api/history", s.historyListHandler)
	s.mux.HandleFunc("GET /api/history/{id}", s.historyGetHandler)
	s.mux.HandleFunc("DELETE /api/history", s.historyClearHandler)

	// Adapters
	s.mux.HandleFunc("GET /api/places/search", s.placesSearchHandler)
	s.mux.HandleFunc("GET /api/places/{placeID}", s.placeDetailsHandler)
	s.mux.HandleFunc("POST /api/assist", s.assistHandler)
	s.mux.HandleFunc("POST /api/language", s.languageHandler)

	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.HandleFunc("/", s.notFoundHandler)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves HTTP on the configured address until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: API server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.ListenAndServe: server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.ListenAndServe: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.ListenAndServe: graceful shutdown failed", "error", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
