package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrForbidden         = errors.New("booking: forbidden")
	ErrInvalidTransition = errors.New("booking: transition not allowed for caller")
)

type Service struct {
	repo  Repository
	idGen func() string
	now   func() time.Time
}

type CreateParams struct {
	ClientID    string
	CounselorID string
	Topic       string
	ScheduledAt time.Time
}

type ListResult struct {
	Items []Record
	Total int
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.ClientID == "" {
		return Record{}, fmt.Errorf("booking: missing client id")
	}
	if params.CounselorID == "" {
		return Record{}, fmt.Errorf("booking: missing counselor id")
	}
	if params.ClientID == params.CounselorID {
		return Record{}, fmt.Errorf("booking: client and counselor must differ")
	}
	if params.ScheduledAt.IsZero() {
		return Record{}, fmt.Errorf("booking: missing scheduled time")
	}

	rec := Record{
		ID:          s.idGen(),
		ClientID:    params.ClientID,
		CounselorID: params.CounselorID,
		Topic:       strings.TrimSpace(params.Topic),
		ScheduledAt: params.ScheduledAt,
		Status:      StatusScheduled,
	}
	return s.repo.Create(ctx, rec)
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

type CloseParams struct {
	BookingID string
	ActorID   string
	ActorRole string
	Outcome   Status
}

// Close moves a scheduled booking to its session outcome (completed or
// failed). Counselors may only close their own sessions; admins may close
// any.
func (s *Service) Close(ctx context.Context, params CloseParams) (Record, error) {
	if params.BookingID == "" {
		return Record{}, fmt.Errorf("booking: missing booking id")
	}
	if params.Outcome != StatusCompleted && params.Outcome != StatusFailed {
		return Record{}, fmt.Errorf("%w: outcome %q", ErrInvalidTransition, params.Outcome)
	}

	rec, err := s.repo.GetByID(ctx, params.BookingID)
	if err != nil {
		return Record{}, err
	}

	role := strings.ToLower(params.ActorRole)
	if role != "admin" && !(role == "counselor" && rec.CounselorID == params.ActorID) {
		return Record{}, ErrForbidden
	}

	return s.repo.SetStatus(ctx, params.BookingID, StatusScheduled, params.Outcome)
}
