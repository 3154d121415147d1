package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"placementflow/auth"
	"placementflow/logging"
	"placementflow/maid"
	"placementflow/metrics"
	"placementflow/placement"
)

type placementService interface {
	Initiate(ctx context.Context, p placement.InitiateParams) (placement.Workflow, error)
	ScheduleInterview(ctx context.Context, id string, interviewDate time.Time) (placement.Workflow, error)
	CompleteInterview(ctx context.Context, id, outcome string) (placement.Workflow, error)
	StartTrial(ctx context.Context, id string, trialEnd time.Time) (placement.Workflow, error)
	ConfirmBySponsor(ctx context.Context, id string) (placement.Workflow, error)
	ConfirmByAgency(ctx context.Context, id string) (placement.Workflow, error)
	ConfirmPlacement(ctx context.Context, id string, guaranteeEnd time.Time) (placement.Workflow, error)
	FailPlacement(ctx context.Context, id, reason, stage string) (placement.Workflow, error)
	HoldFee(ctx context.Context, id string) (placement.Workflow, error)
	RefundFee(ctx context.Context, id string) (placement.Workflow, error)
	IncrementReminderCount(ctx context.Context, id string) (placement.Workflow, error)
	UpdateNotes(ctx context.Context, id string, notes json.RawMessage) (placement.Workflow, error)
	ClaimGuarantee(ctx context.Context, id string) (placement.Workflow, error)

	Get(ctx context.Context, id string) (placement.Workflow, error)
	ListForSponsor(ctx context.Context, sponsorID string, status *placement.Status) ([]placement.Workflow, error)
	ListForAgency(ctx context.Context, agencyID string, status *placement.Status) ([]placement.Workflow, error)
	FindActivePlacementForMaid(ctx context.Context, maidID string) (placement.Workflow, bool, error)
	FindExpiringTrials(ctx context.Context, asOf time.Time) ([]placement.ExpiringTrial, error)
	Stats(ctx context.Context, from, to time.Time) (placement.Stats, error)
	Recent(ctx context.Context, limit int) ([]placement.Workflow, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Identity, error)
	BindParty(ctx context.Context, accountID, partyID string) (*auth.Account, error)
}

type maidService interface {
	GetByID(ctx context.Context, id string) (maid.Profile, error)
}

type ctxKey string

const ctxKeyIdentity ctxKey = "identity"

// Server wires HTTP handlers to the placement engine.
type Server struct {
	placements placementService
	auth       authService
	maids      maidService
	validate   *validator.Validate
	log        *zap.Logger
	now        func() time.Time
}

func NewServer(placements placementService, authSvc authService, maids maidService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		placements: placements,
		auth:       authSvc,
		maids:      maids,
		validate:   validator.New(),
		log:        log.Named("api"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.HTTP(s.log, "http"))
	r.Use(metrics.HTTP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/placements", s.handleInitiate)
			r.Get("/sponsors/{id}/placements", s.handleSponsorPlacements)
			r.Get("/agencies/{id}/placements", s.handleAgencyPlacements)
			r.Get("/maids/{id}", s.handleMaid)
			r.Get("/maids/{id}/active-placement", s.handleMaidActivePlacement)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/placements/expiring-trials", s.handleExpiringTrials)
				r.Get("/placements/stats", s.handleStats)
				r.Get("/placements/recent", s.handleRecent)
				r.Post("/placements/{id}/fee/hold", s.handleHoldFee)
				r.Post("/placements/{id}/fee/refund", s.handleRefundFee)
				r.Post("/placements/{id}/reminders", s.handleReminder)
				r.Put("/accounts/{id}/party", s.handleBindParty)
			})

			r.Get("/placements/{id}", s.handleGet)
			r.Post("/placements/{id}/interview", s.handleScheduleInterview)
			r.Post("/placements/{id}/interview/complete", s.handleCompleteInterview)
			r.Post("/placements/{id}/trial", s.handleStartTrial)
			r.Post("/placements/{id}/confirm/sponsor", s.handleConfirmBySponsor)
			r.Post("/placements/{id}/confirm/agency", s.handleConfirmByAgency)
			r.Post("/placements/{id}/confirm", s.handleConfirm)
			r.Post("/placements/{id}/fail", s.handleFail)
			r.Put("/placements/{id}/notes", s.handleUpdateNotes)
			r.Post("/placements/{id}/guarantee/claim", s.handleClaimGuarantee)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAuth verifies the bearer token and stores the identity and actor id
// on the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
		ctx = placement.WithActor(ctx, identity.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFrom(r.Context())
		if !ok || identity.Role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func identityFrom(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(ctxKeyIdentity).(auth.Identity)
	return identity, ok
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	// BlockingID names the workflow holding the maid on a conflict.
	BlockingID string `json:"blockingId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeEngineError maps placement errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict   *placement.ConflictError
		transition *placement.InvalidTransitionError
		fee        *placement.InvalidFeeTransitionError
		validation *placement.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), BlockingID: conflict.BlockingID})
	case errors.As(err, &transition), errors.As(err, &fee):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, placement.ErrNotFound), errors.Is(err, placement.ErrMaidNotFound), errors.Is(err, maid.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &validation), errors.Is(err, placement.ErrInvalidNotes), errors.Is(err, placement.ErrNoAgency):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, placement.ErrConfirmationsMissing),
		errors.Is(err, placement.ErrGuaranteeExpired),
		errors.Is(err, placement.ErrMaidUnavailable),
		errors.Is(err, placement.ErrIdempotencyKeyReused):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
