package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/service"
)

type Ledger interface {
	Account(ctx context.Context, userID int64) (*models.UserAccount, error)
	AddCredits(ctx context.Context, userID int64, amount int) error
	ListUserIDs(ctx context.Context) ([]int64, error)
}

type Payments interface {
	ListRejected(ctx context.Context) ([]models.Payment, error)
	Resolve(ctx context.Context, paymentID int64, credits int) (*models.Payment, error)
}

type Stats interface {
	CountByOutcome(ctx context.Context) (map[string]int, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, userIDs []int64, text string) int
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Ledger      Ledger
	Payments    Payments
	Stats       Stats
	Broadcaster Broadcaster
	DB          Pinger
	Gatherer    prometheus.Gatherer
}

type Server struct {
	addr     string
	username string
	password string
	log      zerolog.Logger
	deps     Deps
	router   *chi.Mux
}

func NewServer(addr, username, password string, log zerolog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log.With().Str("component", "admin").Logger(),
		deps:     deps,
		router:   r,
	}

	r.Get("/healthz", s.handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Get("/stats", s.handleStats)
		protected.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Post("/credits", s.handleAddCredits)
		})
		protected.Route("/payments", func(r chi.Router) {
			r.Get("/rejected", s.handleListRejected)
			r.Post("/{id}/resolve", s.handleResolve)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("admin shutdown error")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("admin panel listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.log.Error().Err(err).Msg("health check failed")
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ids, err := s.deps.Ledger.ListUserIDs(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	sent := s.deps.Broadcaster.Broadcast(ctx, ids, req.Message)
	s.log.Info().Int("sent", sent).Int("total", len(ids)).Msg("broadcast finished")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  sent,
		"total": len(ids),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	account, err := s.deps.Ledger.Account(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if account == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

type creditsRequest struct {
	Amount int `json:"amount"`
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req creditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.deps.Ledger.AddCredits(r.Context(), id, req.Amount); err != nil {
		if errors.Is(err, service.ErrInvalidAmount) {
			s.badRequest(w, err)
			return
		}
		s.internalError(w, err)
		return
	}
	s.log.Info().Int64("user_id", id).Int("amount", req.Amount).Msg("credits granted by admin")

	account, err := s.deps.Ledger.Account(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleListRejected(w http.ResponseWriter, r *http.Request) {
	payments, err := s.deps.Payments.ListRejected(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	s.writeJSON(w, http.StatusOK, payments)
}

type resolveRequest struct {
	Credits int `json:"credits"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	payment, err := s.deps.Payments.Resolve(r.Context(), id, req.Credits)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, payment)
	case errors.Is(err, service.ErrInvalidAmount):
		s.badRequest(w, err)
	case errors.Is(err, service.ErrPaymentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrPaymentNotRejected):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Stats.CountByOutcome(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"generations": counts})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || s.password == "" || !s.credentialsMatch(user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="imagebot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) credentialsMatch(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.username))
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.password))
	return userOK&passOK == 1
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("admin handler error")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
