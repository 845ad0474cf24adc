package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"counselflow/booking"
	"counselflow/payment"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BookingReader provides the locked booking read used for eligibility checks.
type BookingReader interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (booking.Record, error)
}

// PayoutStore is the slice of the payment repository the resolution flow
// touches. The settle methods run inside the resolve transaction.
type PayoutStore interface {
	GetByBookingID(ctx context.Context, bookingID string) (payment.Record, error)
	GetPayoutByBookingID(ctx context.Context, bookingID string) (payment.Payout, error)
	EnsureHold(ctx context.Context, tx pgx.Tx, bookingID string, amount int64) error
	ReleaseToCounselor(ctx context.Context, tx pgx.Tx, bookingID string, amount int64, at time.Time) (payment.Payout, error)
	RefundToClient(ctx context.Context, tx pgx.Tx, bookingID string, amount int64, at time.Time) (payment.Payout, error)
}

// OutboxWriter enqueues settlement instructions for the external executor in
// the same transaction as the resolution.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool     TxBeginner
	repo     Repository
	bookings BookingReader
	payments PayoutStore
	outbox   OutboxWriter
	idGen    func() string
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, bookings BookingReader, payments PayoutStore) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		bookings: bookings,
		payments: payments,
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *Service) WithOutbox(out OutboxWriter) *Service {
	s.outbox = out
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type FileParams struct {
	BookingID        string
	ClientID         string
	IssueType        IssueType
	Description      string
	Evidence         []Evidence
	NeedFollowUpCall bool
}

// File creates a dispute against a completed or failed booking. The booking
// row is locked for the duration of the transaction so its status cannot
// change between the eligibility check and the insert.
func (s *Service) File(ctx context.Context, params FileParams) (Record, error) {
	if params.BookingID == "" {
		return Record{}, fmt.Errorf("%w: missing booking id", ErrValidation)
	}
	if params.ClientID == "" {
		return Record{}, fmt.Errorf("%w: missing client id", ErrValidation)
	}
	if !validIssueType(params.IssueType) {
		return Record{}, fmt.Errorf("%w: unknown issue type %q", ErrValidation, params.IssueType)
	}
	description := strings.TrimSpace(params.Description)
	if description == "" {
		return Record{}, fmt.Errorf("%w: description required", ErrValidation)
	}
	for i, item := range params.Evidence {
		if item.FileName == "" || item.URL == "" {
			return Record{}, fmt.Errorf("%w: evidence %d missing name or url", ErrValidation, i+1)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	bk, err := s.bookings.GetForUpdate(ctx, tx, params.BookingID)
	if err != nil {
		return Record{}, err
	}
	if bk.ClientID != params.ClientID {
		return Record{}, ErrForbidden
	}
	if !bk.Status.Disputable() {
		return Record{}, fmt.Errorf("%w: booking is %s", ErrNotEligible, bk.Status)
	}

	now := s.now()
	created, err := s.repo.Insert(ctx, tx, Record{
		ID:               s.idGen(),
		BookingID:        params.BookingID,
		IssueType:        params.IssueType,
		Description:      description,
		NeedFollowUpCall: params.NeedFollowUpCall,
		DisputedAt:       now,
	})
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.InsertEvidence(ctx, tx, created.ID, params.Evidence); err != nil {
		return Record{}, err
	}

	// Make sure the settlement row exists before an admin can resolve.
	pay, err := s.payments.GetByBookingID(ctx, params.BookingID)
	switch {
	case err == nil:
		if err := s.payments.EnsureHold(ctx, tx, params.BookingID, pay.CounselorPayout); err != nil {
			return Record{}, err
		}
	case errors.Is(err, payment.ErrNotFound):
		// Unpaid booking: nothing to hold.
	default:
		return Record{}, err
	}

	if _, err := s.repo.AppendEvent(ctx, tx, created.ID, "client", ActionFiled, "", now); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit file: %w", err)
	}

	return created, nil
}

type ResolveParams struct {
	DisputeID    string
	AdminID      string
	Target       Status
	Resolution   string
	RefundAmount int64
	PayoutAmount int64
}

// Resolution is the outcome of a successful resolve: the terminal dispute
// record and, for financial outcomes, the settled payout row.
type Resolution struct {
	Dispute Record
	Payout  *payment.Payout
}

// Resolve applies the terminal transition, settles the payout according to
// the outcome, and appends the audit entry in one transaction. At most
// one Resolve ever succeeds for a dispute: concurrent attempts race on the
// conditional status update and the loser gets ErrInvalidTransition.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Resolution, error) {
	if params.DisputeID == "" {
		return Resolution{}, fmt.Errorf("%w: missing dispute id", ErrValidation)
	}
	if !params.Target.Terminal() {
		return Resolution{}, fmt.Errorf("%w: target status %q is not terminal", ErrValidation, params.Target)
	}
	resolution := strings.TrimSpace(params.Resolution)
	if resolution == "" {
		return Resolution{}, fmt.Errorf("%w: resolution comment required", ErrValidation)
	}
	if params.RefundAmount < 0 || params.PayoutAmount < 0 {
		return Resolution{}, fmt.Errorf("%w: negative amount", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	rec, err := s.repo.ResolveCAS(ctx, tx, params.DisputeID, params.Target, resolution, now)
	if err != nil {
		return Resolution{}, err
	}

	result := Resolution{Dispute: rec}

	switch params.Target {
	case StatusResolvedValid:
		pay, err := s.payments.GetByBookingID(ctx, rec.BookingID)
		if err != nil {
			return Resolution{}, err
		}
		amount := payment.ClampRefund(pay, params.RefundAmount)
		payout, err := s.payments.RefundToClient(ctx, tx, rec.BookingID, amount, now)
		if err != nil {
			return Resolution{}, err
		}
		result.Payout = &payout
		if err := s.enqueue(ctx, tx, "payment.refunded", rec, amount); err != nil {
			return Resolution{}, err
		}
	case StatusResolvedInvalid:
		pay, err := s.payments.GetByBookingID(ctx, rec.BookingID)
		if err != nil {
			return Resolution{}, err
		}
		amount := payment.ClampPayout(pay, params.PayoutAmount)
		payout, err := s.payments.ReleaseToCounselor(ctx, tx, rec.BookingID, amount, now)
		if err != nil {
			return Resolution{}, err
		}
		result.Payout = &payout
		if err := s.enqueue(ctx, tx, "payout.released", rec, amount); err != nil {
			return Resolution{}, err
		}
	case StatusClosed:
		// No financial movement.
	}

	if _, err := s.repo.AppendEvent(ctx, tx, rec.ID, "admin", ActionResolved, resolution, now); err != nil {
		return Resolution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Resolution{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	return result, nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, rec Record, amount int64) error {
	if s.outbox == nil {
		return nil
	}
	payload := map[string]any{
		"dispute_id": rec.ID,
		"booking_id": rec.BookingID,
		"amount":     amount,
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("dispute: enqueue %s: %w", topic, err)
	}
	return nil
}

type NoteParams struct {
	DisputeID string
	Role      string
	Comment   string
}

// AddNote appends a note_added entry to the activity log. It is allowed in
// every dispute state and mutates nothing else.
func (s *Service) AddNote(ctx context.Context, params NoteParams) (Event, error) {
	if params.DisputeID == "" {
		return Event{}, fmt.Errorf("%w: missing dispute id", ErrValidation)
	}
	role := strings.ToLower(strings.TrimSpace(params.Role))
	if role != "client" && role != "counselor" && role != "admin" {
		return Event{}, fmt.Errorf("%w: unknown role %q", ErrValidation, params.Role)
	}
	comment := strings.TrimSpace(params.Comment)
	if comment == "" {
		return Event{}, fmt.Errorf("%w: comment required", ErrValidation)
	}

	if _, err := s.repo.GetByID(ctx, params.DisputeID); err != nil {
		return Event{}, err
	}

	return s.repo.AppendEvent(ctx, s.pool, params.DisputeID, role, ActionNoteAdded, comment, s.now())
}

// Detail is the full dispute view the admin console renders: record,
// evidence, chronological activity log, financial breakdown, and the
// pre-filled resolution amounts.
type Detail struct {
	Dispute   Record
	Evidence  []Evidence
	Events    []Event
	Payment   *payment.Record
	Payout    *payment.Payout
	Suggested payment.Suggested
}

func (s *Service) Get(ctx context.Context, disputeID string) (Detail, error) {
	rec, err := s.repo.GetByID(ctx, disputeID)
	if err != nil {
		return Detail{}, err
	}

	evidence, err := s.repo.ListEvidence(ctx, disputeID)
	if err != nil {
		return Detail{}, err
	}
	events, err := s.repo.ListEvents(ctx, disputeID)
	if err != nil {
		return Detail{}, err
	}

	detail := Detail{
		Dispute:  rec,
		Evidence: evidence,
		Events:   events,
	}

	pay, err := s.payments.GetByBookingID(ctx, rec.BookingID)
	switch {
	case err == nil:
		detail.Payment = &pay
		detail.Suggested = payment.SuggestedAmounts(pay)
	case errors.Is(err, payment.ErrNotFound):
		// Unpaid booking: no breakdown to show.
	default:
		return Detail{}, err
	}

	payout, err := s.payments.GetPayoutByBookingID(ctx, rec.BookingID)
	switch {
	case err == nil:
		detail.Payout = &payout
	case errors.Is(err, payment.ErrPayoutNotFound):
	default:
		return Detail{}, err
	}

	return detail, nil
}

type ListResult struct {
	Items []Record
	Total int
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}
