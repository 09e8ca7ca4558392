package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativecommon "lendbridge/native/common"
	"lendbridge/observability"
	"lendbridge/services/adapterd/journal"
	"lendbridge/services/adapterd/runtime"
)

const metricsModule = "adapterd"

// Config captures the dependencies required to construct the server.
type Config struct {
	Runtime *runtime.Runtime
	// Journal records every mutating call. Optional.
	Journal   *journal.Journal
	Auth      AuthConfig
	RateLimit RateLimit
	Quota     nativecommon.Quota
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server exposes the position registry over HTTP.
type Server struct {
	runtime  *runtime.Runtime
	journal  *journal.Journal
	verifier *verifier
	limits   *callerLimits
	logger   *slog.Logger
	now      func() time.Time

	router http.Handler
}

// New constructs the HTTP API.
func New(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	v, err := newVerifier(cfg.Auth, cfg.Now)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		runtime:  cfg.Runtime,
		journal:  cfg.Journal,
		verifier: v,
		limits:   newCallerLimits(cfg.RateLimit, cfg.Quota, cfg.Now),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.authenticate)
		api.Use(s.rateLimit)

		api.Post("/positions", s.handleRegister)
		api.Get("/users/{user}/positions", s.handleListPositions)
		api.Post("/plans", s.handlePlan)
		api.Get("/registry/root", s.handleRoot)
		api.Route("/positions/{address}", func(pos chi.Router) {
			pos.Get("/", s.handleStatus)
			pos.Get("/operations", s.handleOperations)
			pos.Post("/borrow", s.handleBorrow)
			pos.Post("/repay", s.handleRepay)
			pos.Post("/borrow-to-rebalance", s.handleBorrowToRebalance)
			pos.Post("/repay-to-rebalance", s.handleRepayToRebalance)
			pos.Post("/update-status", s.handleUpdateStatus)
			pos.Post("/salvage", s.handleSalvage)
			pos.Post("/claim-rewards", s.handleClaimRewards)
		})

		api.Group(func(gov chi.Router) {
			gov.Use(s.requireGovernance)
			gov.Post("/controller/pause", s.handlePause)
			gov.Post("/controller/health-factors", s.handleHealthFactors)
			gov.Post("/sandbox/mint", s.handleMint)
			gov.Post("/sandbox/transfer", s.handleTransfer)
			gov.Post("/sandbox/prices", s.handleSetPrice)
			gov.Post("/sandbox/skip-blocks", s.handleSkipBlocks)
			gov.Post("/sandbox/absorb", s.handleAbsorb)
		})
	})

	return otelhttp.NewHandler(r, "adapterd")
}

// observe records request metrics labelled by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe(metricsModule, r.Method+" "+route, status, s.now().Sub(start))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("error", msg))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
