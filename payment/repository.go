package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound       = errors.New("payment: not found")
	ErrPayoutNotFound = errors.New("payment: payout not found")
	// ErrDuplicate signals a second payment capture for the same booking.
	ErrDuplicate = errors.New("payment: booking already paid")
	// ErrPayoutSettled signals the payout row already left the held state.
	ErrPayoutSettled = errors.New("payment: payout already settled")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const paymentColumns = `id, booking_id, order_ref, payment_ref, amount, fee, tax, platform_fee, counselor_payout, net_amount, currency, created_at`

// CreateParams carries the fee breakdown reported by the payment gateway.
type CreateParams struct {
	BookingID       string
	OrderRef        string
	PaymentRef      string
	Amount          int64
	Fee             int64
	Tax             int64
	PlatformFee     int64
	CounselorPayout int64
}

// Create records a captured payment and opens the held payout row for the
// booking in the same transaction.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.BookingID == "" {
		return Record{}, fmt.Errorf("payment: missing booking id")
	}
	if params.Amount < 0 || params.Fee < 0 || params.Tax < 0 {
		return Record{}, fmt.Errorf("payment: negative amount in breakdown")
	}
	if params.CounselorPayout > params.Amount {
		return Record{}, fmt.Errorf("payment: counselor payout exceeds amount")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	netAmount := params.Amount - params.Fee - params.Tax
	if netAmount < 0 {
		netAmount = 0
	}

	const insertSQL = `
		INSERT INTO payments (booking_id, order_ref, payment_ref, amount, fee, tax, platform_fee, counselor_payout, net_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + paymentColumns

	rec, err := scanPayment(tx.QueryRow(ctx, insertSQL,
		params.BookingID,
		params.OrderRef,
		params.PaymentRef,
		params.Amount,
		params.Fee,
		params.Tax,
		params.PlatformFee,
		params.CounselorPayout,
		netAmount,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("payment: insert: %w", err)
	}

	const payoutSQL = `
		INSERT INTO payouts (booking_id, status, amount_to_counselor)
		VALUES ($1, 'held', $2)
	`
	if _, err := tx.Exec(ctx, payoutSQL, params.BookingID, params.CounselorPayout); err != nil {
		return Record{}, fmt.Errorf("payment: open payout hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("payment: commit: %w", err)
	}

	return rec, nil
}

// EnsureHold opens the held payout row for a booking if none exists yet,
// inside the caller's transaction. A payout that already exists, settled or
// not, is left untouched.
func (r *Repository) EnsureHold(ctx context.Context, tx pgx.Tx, bookingID string, amount int64) error {
	const query = `
		INSERT INTO payouts (booking_id, status, amount_to_counselor)
		VALUES ($1, 'held', $2)
		ON CONFLICT (booking_id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, query, bookingID, amount); err != nil {
		return fmt.Errorf("payment: ensure payout hold: %w", err)
	}
	return nil
}

// GetByBookingID returns the payment record backing a booking.
func (r *Repository) GetByBookingID(ctx context.Context, bookingID string) (Record, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE booking_id = $1`

	rec, err := scanPayment(r.pool.QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("payment: get by booking: %w", err)
	}
	return rec, nil
}

const payoutColumns = `id, booking_id, status::text, amount_to_counselor, amount_to_client, released_at, refunded_at, updated_at`

// GetPayoutByBookingID returns the settlement row for a booking.
func (r *Repository) GetPayoutByBookingID(ctx context.Context, bookingID string) (Payout, error) {
	const query = `SELECT ` + payoutColumns + ` FROM payouts WHERE booking_id = $1`

	p, err := scanPayout(r.pool.QueryRow(ctx, query, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, ErrPayoutNotFound
		}
		return Payout{}, fmt.Errorf("payment: get payout: %w", err)
	}
	return p, nil
}

// ReleaseToCounselor moves a held payout to released inside the caller's
// transaction. The status guard makes the write idempotence-safe: a payout
// that already settled is never overwritten.
func (r *Repository) ReleaseToCounselor(ctx context.Context, tx pgx.Tx, bookingID string, amount int64, at time.Time) (Payout, error) {
	const query = `
		UPDATE payouts
		SET status = 'released',
		    amount_to_counselor = $2,
		    released_at = $3,
		    updated_at = now()
		WHERE booking_id = $1 AND status = 'held'
		RETURNING ` + payoutColumns

	p, err := scanPayout(tx.QueryRow(ctx, query, bookingID, amount, at))
	if err != nil {
		return Payout{}, classifySettleErr(err, "release")
	}
	return p, nil
}

// RefundToClient moves a held payout to refunded inside the caller's
// transaction.
func (r *Repository) RefundToClient(ctx context.Context, tx pgx.Tx, bookingID string, amount int64, at time.Time) (Payout, error) {
	const query = `
		UPDATE payouts
		SET status = 'refunded',
		    amount_to_client = $2,
		    refunded_at = $3,
		    updated_at = now()
		WHERE booking_id = $1 AND status = 'held'
		RETURNING ` + payoutColumns

	p, err := scanPayout(tx.QueryRow(ctx, query, bookingID, amount, at))
	if err != nil {
		return Payout{}, classifySettleErr(err, "refund")
	}
	return p, nil
}

func classifySettleErr(err error, verb string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPayoutSettled
	}
	return fmt.Errorf("payment: %s payout: %w", verb, err)
}

func scanPayment(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.BookingID,
		&rec.OrderRef,
		&rec.PaymentRef,
		&rec.Amount,
		&rec.Fee,
		&rec.Tax,
		&rec.PlatformFee,
		&rec.CounselorPayout,
		&rec.NetAmount,
		&rec.Currency,
		&rec.CreatedAt,
	)
}

func scanPayout(row pgx.Row) (Payout, error) {
	var p Payout
	return p, row.Scan(
		&p.ID,
		&p.BookingID,
		&p.Status,
		&p.AmountToCounselor,
		&p.AmountToClient,
		&p.ReleasedAt,
		&p.RefundedAt,
		&p.UpdatedAt,
	)
}
