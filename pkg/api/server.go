package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/remit/pkg/dlq"
	"github.com/Mindburn-Labs/remit/pkg/kms"
	"github.com/Mindburn-Labs/remit/pkg/observability"
	"github.com/Mindburn-Labs/remit/pkg/ports"
	"github.com/Mindburn-Labs/remit/pkg/settlement"
)

// Roles checked by the router.
const (
	RoleOps      = "ops"
	RoleTreasury = "treasury"
)

const maxBodyBytes = 1 << 20

// Deps are the components behind the handlers.
type Deps struct {
	Service   *settlement.Service
	Identity  ports.IdentityPort
	Rotator   *kms.Rotator
	Keys      *kms.KeyStore
	DLQ       *dlq.Queue
	Telemetry *observability.Provider
	// Ping reports backing store health. Optional.
	Ping func(ctx context.Context) error
}

// Options tune the HTTP layer.
type Options struct {
	IngestSecret   []byte
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	Deps
	opts   Options
	clock  func() time.Time
	logger *slog.Logger
}

func NewServer(d Deps, opts Options) *Server {
	if d.Telemetry == nil {
		d.Telemetry, _ = observability.New(context.Background(), &observability.Config{})
	}
	return &Server{Deps: d, opts: opts, clock: time.Now, logger: slog.Default().With("component", "api")}
}

// WithClock overrides the time source (for testing).
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Telemetry(s.Telemetry, s.logger))
	if s.opts.RateLimitRPS > 0 {
		r.Use(NewRateLimiter(s.opts.RateLimitRPS, s.opts.RateLimitBurst).Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/api/ingest/{kind}", s.handleIngest)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.Identity))

		r.With(RequireRole(RoleTreasury)).Post("/payAto", s.handlePayATO)

		r.Route("/api/periods", func(r chi.Router) {
			r.With(RequireRole(RoleOps, RoleTreasury)).Get("/", s.handleListPeriods)
			r.Route("/{abn}/{taxType}/{periodId}", func(r chi.Router) {
				r.With(RequireRole(RoleOps, RoleTreasury)).Get("/", s.handleGetPeriod)
				r.With(RequireRole(RoleTreasury)).Post("/deposit", s.handleDeposit)
				r.Group(func(r chi.Router) {
					r.Use(RequireRole(RoleOps))
					r.Post("/close", s.handleClose)
					r.Post("/reconcile", s.handleReconcile)
					r.Post("/remediate", s.handleRemediate)
					r.Post("/retry", s.handleRetry)
					r.Post("/override", s.handleOverride)
					r.Post("/rpt", s.handleIssueRPT)
					r.Post("/finalize", s.handleFinalize)
				})
			})
		})

		r.Route("/api/ops", func(r chi.Router) {
			r.Use(RequireRole(RoleOps))
			r.Post("/crypto/rotate", s.handleRotate)
			r.Get("/crypto/keys", s.handleKeys)
			r.Get("/compliance/proofs", s.handleProofs)
			r.Get("/audit/verify", s.handleAuditVerify)
			r.Get("/dlq", s.handleDLQList)
			r.Post("/dlq/replay", s.handleDLQReplay)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ping != nil {
		if err := s.Ping(r.Context()); err != nil {
			s.logger.ErrorContext(r.Context(), "health check failed", "error", err)
			WriteProblem(w, r, http.StatusServiceUnavailable, "UNHEALTHY", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "active_kid": s.Keys.ActiveKID()})
}
