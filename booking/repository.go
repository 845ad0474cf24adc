package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("booking: not found")
	// ErrBadStatus signals a status transition the lifecycle does not allow.
	ErrBadStatus = errors.New("booking: invalid status transition")
)

type Repository interface {
	Create(ctx context.Context, rec Record) (Record, error)
	GetByID(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	List(ctx context.Context, filters Filters) ([]Record, int, error)
	SetStatus(ctx context.Context, id string, from, to Status) (Record, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const bookingColumns = `id, client_id, counselor_id, topic, scheduled_at, status::text, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, rec Record) (Record, error) {
	const query = `
		INSERT INTO bookings (id, client_id, counselor_id, topic, scheduled_at, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
		RETURNING ` + bookingColumns

	row := r.pool.QueryRow(ctx, query,
		rec.ID,
		rec.ClientID,
		rec.CounselorID,
		rec.Topic,
		rec.ScheduledAt,
		rec.Status,
	)
	created, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("booking: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Record, error) {
	const query = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("booking: get by id: %w", err)
	}
	return rec, nil
}

// GetForUpdate locks the booking row inside the caller's transaction so a
// concurrent status change cannot slip between an eligibility check and a
// dependent write.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const query = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("booking: get for update: %w", err)
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

	base := `SELECT ` + bookingColumns + ` FROM bookings`
	where := []string{"1=1"}
	args := []any{}

	if filters.ClientID != "" {
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.CounselorID != "" {
		where = append(where, fmt.Sprintf("counselor_id=$%d", len(args)+1))
		args = append(args, filters.CounselorID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")
	query := fmt.Sprintf("%s%s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		base, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("booking: list: %w", err)
	}
	defer rows.Close()

	list := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("booking: scan: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("booking: iterate: %w", err)
	}

	countQuery := "SELECT COUNT(*) FROM bookings" + whereClause
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("booking: count: %w", err)
	}

	return list, total, nil
}

// SetStatus performs a conditional update: the transition only applies when
// the row is still in the expected source status. The loser of a concurrent
// transition gets ErrBadStatus, never a silent overwrite.
func (r *PGRepository) SetStatus(ctx context.Context, id string, from, to Status) (Record, error) {
	const query = `
		UPDATE bookings
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING ` + bookingColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id, from, to))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("booking: set status: %w", err)
	}

	const check = `SELECT status::text FROM bookings WHERE id = $1`
	var current Status
	if err := r.pool.QueryRow(ctx, check, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("booking: set status fetch: %w", err)
	}
	return Record{}, fmt.Errorf("%w: %s -> %s (currently %s)", ErrBadStatus, from, to, current)
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.ClientID,
		&rec.CounselorID,
		&rec.Topic,
		&rec.ScheduledAt,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
}
