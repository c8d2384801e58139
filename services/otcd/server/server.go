package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"p2potc/core/events"
	"p2potc/crypto"
	gatewayauth "p2potc/gateway/auth"
	"p2potc/gateway/middleware"
	nativecommon "p2potc/native/common"
	"p2potc/native/otc"
	"p2potc/services/otcd/payout"
	"p2potc/services/otcd/service"
	"p2potc/services/otcd/viewkey"
)

// ViewKeyValidator checks a caller supplied viewing key.
type ViewKeyValidator interface {
	Validate(ctx context.Context, user crypto.Address, key string) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	ServiceName string
	Service     *service.Service
	Payouts     *payout.Processor
	Hub         *events.Hub
	Idempotency IdempotencyStore
	Callers     *middleware.Authenticator
	Custody     *gatewayauth.Authenticator
	ViewKeys    ViewKeyValidator
	RateLimits  map[string]middleware.RateLimit
	CORS        middleware.CORSConfig
	ExportDir   string
	LogRequests bool
	Logger      *slog.Logger
}

// Server exposes the marketplace over HTTP.
type Server struct {
	svc         *service.Service
	payouts     *payout.Processor
	hub         *events.Hub
	idempotency IdempotencyStore
	callers     *middleware.Authenticator
	custody     *gatewayauth.Authenticator
	viewKeys    ViewKeyValidator
	exportDir   string
	logger      *slog.Logger

	router http.Handler
}

// New constructs the router. Service, Callers, Custody and ViewKeys are
// required.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Service == nil:
		return nil, errors.New("server: service required")
	case cfg.Payouts == nil:
		return nil, errors.New("server: payout processor required")
	case cfg.Callers == nil:
		return nil, errors.New("server: caller authenticator required")
	case cfg.Custody == nil:
		return nil, errors.New("server: custody authenticator required")
	case cfg.ViewKeys == nil:
		return nil, errors.New("server: viewing key validator required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "otcd"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = events.NewHub()
	}
	s := &Server{
		svc:         cfg.Service,
		payouts:     cfg.Payouts,
		hub:         cfg.Hub,
		idempotency: cfg.Idempotency,
		callers:     cfg.Callers,
		custody:     cfg.Custody,
		viewKeys:    cfg.ViewKeys,
		exportDir:   cfg.ExportDir,
		logger:      cfg.Logger,
	}
	s.router = otelhttp.NewHandler(s.buildRouter(cfg), cfg.ServiceName)
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	limiter := middleware.NewRateLimiter(cfg.RateLimits, cfg.Logger)
	obs := middleware.NewObservability(cfg.ServiceName, cfg.LogRequests, cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withJournalRequestID)
	r.Use(obs.Middleware)
	r.Use(middleware.CORS(cfg.CORS))

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/events", s.StreamEvents)

		api.Group(func(public chi.Router) {
			public.Use(limiter.Middleware("queries"))
			public.Get("/config", s.GetConfig)
			public.Get("/revenue", s.GetRevenue)
			public.Get("/moderators", s.GetModerators)
			public.Get("/deals/past", s.GetPastDeals)
			public.Get("/deals/active", s.GetActiveDeals)
			public.Get("/posts/active", s.GetActivePosts)
		})

		api.Group(func(custody chi.Router) {
			custody.Use(limiter.Middleware("custody"))
			custody.Use(s.custody.Middleware)
			custody.Use(s.withIdempotency)
			custody.Post("/custody/deposits", s.ReportDeposit)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(s.callers.Middleware)

			protected.With(limiter.Middleware("posts")).Post("/posts", s.CreatePost)
			protected.With(limiter.Middleware("posts")).Delete("/posts/{id}", s.CancelPost)
			protected.With(limiter.Middleware("deals")).Post("/posts/{id}/deals", s.EnterDeal)
			protected.Group(func(deals chi.Router) {
				deals.Use(limiter.Middleware("deals"))
				deals.Post("/deals/{id}/confirm-transfer", s.ConfirmBankTransfer)
				deals.Post("/deals/{id}/dispute", s.DisputeDeal)
				deals.Post("/deals/{id}/resolve", s.ResolveDeal)
				deals.Post("/deals/{id}/cancel", s.CancelDeal)
				deals.Put("/payment-info", s.RegisterPaymentInfo)
			})

			protected.Group(func(viewer chi.Router) {
				viewer.Use(limiter.Middleware("queries"))
				viewer.Use(s.requireViewingKey)
				viewer.Get("/me/posts", s.MyPosts)
				viewer.Get("/me/deals", s.MyDeals)
				viewer.Get("/me/payment-info", s.MyPaymentInfo)
				viewer.Get("/deals/{id}", s.GetDeal)
			})

			protected.Route("/admin", func(admin chi.Router) {
				admin.Use(limiter.Middleware("admin"))
				admin.Patch("/config", s.UpdateConfig)
				admin.Put("/assets", s.UpdateAssets)
				admin.Post("/moderators/{addr}", s.AddModerator)
				admin.Delete("/moderators/{addr}", s.RemoveModerator)
				admin.Post("/deals/{id}/force-withdraw", s.ForceWithdraw)
				admin.Delete("/deals/{id}", s.DeleteDeal)
				admin.Post("/revenue/sweep", s.SweepRevenue)
				admin.Post("/archive/export", s.ExportArchive)
				admin.Post("/payouts/pause", s.PausePayouts)
				admin.Post("/payouts/resume", s.ResumePayouts)
			})
		})
	})
	return r
}

// withJournalRequestID forwards the chi request id to the command journal.
func withJournalRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := service.WithRequestID(r.Context(), chimw.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Health reports payout and subscriber status.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"payouts":     s.payouts.Status(),
		"subscribers": s.hub.Subscribers(),
		"dropped":     s.hub.Dropped(),
	})
}

var errMissingCaller = errors.New("missing caller identity")

func callerFrom(r *http.Request) (crypto.Address, error) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return crypto.Address{}, errMissingCaller
	}
	return caller, nil
}

func idParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: amount required", otc.ErrInvalidAmount)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", otc.ErrInvalidAmount, raw)
	}
	return v, nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// statusFor maps engine and executor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, otc.ErrUnauthorized),
		errors.Is(err, otc.ErrNotGovernanceSender),
		errors.Is(err, otc.ErrMismatchCustomer),
		errors.Is(err, otc.ErrMismatchDealer):
		return http.StatusForbidden
	case errors.Is(err, otc.ErrNoMatchingDeal), errors.Is(err, otc.ErrNoMatchingPost):
		return http.StatusNotFound
	case errors.Is(err, otc.ErrUnexpectedDealState),
		errors.Is(err, otc.ErrUnexpectedPostState),
		errors.Is(err, otc.ErrDealNotExpired),
		errors.Is(err, payout.ErrIntentInFlight):
		return http.StatusConflict
	case errors.Is(err, nativecommon.ErrModulePaused),
		errors.Is(err, payout.ErrProcessorPaused),
		errors.Is(err, otc.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, otc.ErrMissingPaymentInfo),
		errors.Is(err, otc.ErrInvalidAsset),
		errors.Is(err, otc.ErrMismatchDepositAmount),
		errors.Is(err, otc.ErrAmountLessThanDealerRequirement),
		errors.Is(err, otc.ErrAmountMoreThanPostRemaining),
		errors.Is(err, otc.ErrInvalidAmount),
		errors.Is(err, otc.ErrInvalidPrice),
		errors.Is(err, otc.ErrInvalidConfig),
		errors.Is(err, otc.ErrInvalidPaymentInfo),
		errors.Is(err, otc.ErrNoDepositTarget),
		errors.Is(err, otc.ErrNothingToWithdraw):
		return http.StatusBadRequest
	case errors.Is(err, viewkey.ErrKeyMismatch):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		msg = "internal error"
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
