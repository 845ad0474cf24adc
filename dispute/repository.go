package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrValidation signals malformed or missing input; the caller can
	// correct and retry.
	ErrValidation = errors.New("dispute: invalid input")
	// ErrInvalidTransition signals an operation on a dispute that is not in
	// the required state, including losing a concurrent resolution race.
	ErrInvalidTransition = errors.New("dispute: invalid status transition")
	// ErrDuplicate signals the booking already has a dispute.
	ErrDuplicate = errors.New("dispute: booking already disputed")
	// ErrNotEligible signals the booking status disallows disputing.
	ErrNotEligible = errors.New("dispute: booking not eligible for dispute")
	// ErrForbidden signals the caller does not own the underlying booking.
	ErrForbidden = errors.New("dispute: forbidden")
	ErrNotFound  = errors.New("dispute: not found")
)

// Querier is the subset of pgx executors event appends run on; both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines the data access the dispute service requires.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	InsertEvidence(ctx context.Context, tx pgx.Tx, disputeID string, items []Evidence) error
	ResolveCAS(ctx context.Context, tx pgx.Tx, disputeID string, target Status, resolution string, at time.Time) (Record, error)
	AppendEvent(ctx context.Context, q Querier, disputeID, role, action, comment string, at time.Time) (Event, error)
	GetByID(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filters Filters) ([]Record, int, error)
	ListEvents(ctx context.Context, disputeID string) ([]Event, error)
	ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const disputeColumns = `id, booking_id, status::text, issue_type::text, description, need_follow_up_call, resolution, disputed_at, resolved_at, updated_at`

// Insert creates the dispute row inside the caller's transaction. The unique
// booking_id constraint enforces at most one dispute per booking.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (id, booking_id, issue_type, description, need_follow_up_call, disputed_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
		RETURNING ` + disputeColumns

	created, err := scanDispute(tx.QueryRow(ctx, query,
		rec.ID,
		rec.BookingID,
		rec.IssueType,
		rec.Description,
		rec.NeedFollowUpCall,
		rec.DisputedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) InsertEvidence(ctx context.Context, tx pgx.Tx, disputeID string, items []Evidence) error {
	const query = `
		INSERT INTO dispute_evidence (dispute_id, position, file_name, file_type, file_size, url)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i, item := range items {
		if _, err := tx.Exec(ctx, query, disputeID, i+1, item.FileName, item.FileType, item.FileSize, item.URL); err != nil {
			return fmt.Errorf("dispute: insert evidence %d: %w", i+1, err)
		}
	}
	return nil
}

// ResolveCAS applies the terminal transition with a conditional update keyed
// on the current status. Zero rows means either the dispute is gone or the
// caller lost the resolution race; a follow-up read distinguishes the two.
func (r *PGRepository) ResolveCAS(ctx context.Context, tx pgx.Tx, disputeID string, target Status, resolution string, at time.Time) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = $2,
		    resolution = $3,
		    resolved_at = $4,
		    updated_at = now()
		WHERE id = $1 AND status = 'under_review'
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, query, disputeID, target, resolution, at))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	const check = `SELECT status::text FROM disputes WHERE id = $1`
	var current Status
	if err := tx.QueryRow(ctx, check, disputeID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: resolve fetch: %w", err)
	}
	return Record{}, fmt.Errorf("%w: dispute is %s", ErrInvalidTransition, current)
}

// AppendEvent writes one activity log entry. seq is assigned inside the
// statement, so the append is a single atomic operation; a concurrent append
// that collides on (dispute_id, seq) is retried with a fresh seq.
func (r *PGRepository) AppendEvent(ctx context.Context, q Querier, disputeID, role, action, comment string, at time.Time) (Event, error) {
	const query = `
		INSERT INTO dispute_events (dispute_id, seq, actor_role, action, comment, ts)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
		FROM dispute_events
		WHERE dispute_id = $1
		RETURNING id, dispute_id, seq, actor_role, action, comment, ts
	`

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		var ev Event
		err := q.QueryRow(ctx, query, disputeID, role, action, comment, at).Scan(
			&ev.ID, &ev.DisputeID, &ev.Seq, &ev.Role, &ev.Action, &ev.Comment, &ev.At,
		)
		if err == nil {
			return ev, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			lastErr = err
			continue
		}
		return Event{}, fmt.Errorf("dispute: append event: %w", err)
	}
	return Event{}, fmt.Errorf("dispute: append event contention: %w", lastErr)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Record, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	rec, err := scanDispute(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by id: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := `SELECT ` + qualify(disputeColumns, "d.") + ` FROM disputes d`
	where := []string{"1=1"}
	args := []any{}

	if filters.ClientID != "" {
		base += " JOIN bookings b ON b.id = d.booking_id"
		where = append(where, fmt.Sprintf("b.client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("d.status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.BookingID != "" {
		where = append(where, fmt.Sprintf("d.booking_id=$%d", len(args)+1))
		args = append(args, filters.BookingID)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	query := fmt.Sprintf("%s%s ORDER BY d.disputed_at DESC LIMIT %d OFFSET %d",
		base, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	list := []Record{}
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dispute: scan: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("dispute: iterate: %w", err)
	}

	countBase := "SELECT COUNT(*) FROM disputes d"
	if filters.ClientID != "" {
		countBase += " JOIN bookings b ON b.id = d.booking_id"
	}
	var total int
	if err := r.pool.QueryRow(ctx, countBase+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispute: count: %w", err)
	}

	return list, total, nil
}

// ListEvents returns the activity log oldest first, the order the admin
// timeline renders it in.
func (r *PGRepository) ListEvents(ctx context.Context, disputeID string) ([]Event, error) {
	const query = `
		SELECT id, dispute_id, seq, actor_role, action, comment, ts
		FROM dispute_events
		WHERE dispute_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.Seq, &ev.Role, &ev.Action, &ev.Comment, &ev.At); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error) {
	const query = `
		SELECT position, file_name, file_type, file_size, url
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY position ASC
	`

	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list evidence: %w", err)
	}
	defer rows.Close()

	out := make([]Evidence, 0, 4)
	for rows.Next() {
		var item Evidence
		if err := rows.Scan(&item.Position, &item.FileName, &item.FileType, &item.FileSize, &item.URL); err != nil {
			return nil, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.BookingID,
		&rec.Status,
		&rec.IssueType,
		&rec.Description,
		&rec.NeedFollowUpCall,
		&rec.Resolution,
		&rec.DisputedAt,
		&rec.ResolvedAt,
		&rec.UpdatedAt,
	)
}

func qualify(columns, prefix string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}
