package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"counselflow/auth"
	"counselflow/booking"
	"counselflow/dispute"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type bookingService interface {
	Create(ctx context.Context, params booking.CreateParams) (booking.Record, error)
	Get(ctx context.Context, id string) (booking.Record, error)
	List(ctx context.Context, filters booking.Filters) (booking.ListResult, error)
	Close(ctx context.Context, params booking.CloseParams) (booking.Record, error)
}

type disputeService interface {
	File(ctx context.Context, params dispute.FileParams) (dispute.Record, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Resolution, error)
	AddNote(ctx context.Context, params dispute.NoteParams) (dispute.Event, error)
	Get(ctx context.Context, disputeID string) (dispute.Detail, error)
	List(ctx context.Context, filters dispute.Filters) (dispute.ListResult, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService    authService
	bookingService bookingService
	disputeService disputeService
}

func NewServer(authSvc authService, bookingSvc bookingService, disputeSvc disputeService) *Server {
	return &Server{
		authService:    authSvc,
		bookingService: bookingSvc,
		disputeService: disputeSvc,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)

	mux.HandleFunc("/api/bookings", s.requireAuth(s.handleBookings))
	mux.HandleFunc("/api/bookings/", s.requireAuth(s.handleBookingDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))

	return mux
}

// requireAuth verifies the bearer token and stashes the caller's identity
// in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain sentinels onto HTTP statuses. Anything
// unrecognized is a 500 and gets logged with the original error.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispute.ErrValidation),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, dispute.ErrForbidden), errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, dispute.ErrNotFound), errors.Is(err, booking.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispute.ErrDuplicate),
		errors.Is(err, dispute.ErrInvalidTransition),
		errors.Is(err, booking.ErrBadStatus),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispute.ErrNotEligible):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
