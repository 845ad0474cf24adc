package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Booker keeps creating bookings between the seeded client and counselor,
// each paid up front with a held payout, then closes them to a random
// session outcome so the filers have material to dispute.
func Booker(ctx context.Context, pool *pgxpool.Pool, clientID, counselorID string, stop <-chan struct{}) error {
	outcomes := []string{"completed", "failed"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var bookingID string
		err = tx.QueryRow(ctx, `INSERT INTO bookings (client_id, counselor_id, topic, scheduled_at, status)
                                 VALUES ($1, $2, 'stress session', NOW() - interval '1 hour', 'scheduled') RETURNING id`,
			clientID, counselorID).Scan(&bookingID)
		if err == nil {
			amount := int64(50000 + rand.Intn(20)*5000)
			share := amount * 8 / 10
			_, err = tx.Exec(ctx, `INSERT INTO payments (booking_id, order_ref, payment_ref, amount, counselor_payout, net_amount)
                                    VALUES ($1, $2, $3, $4, $5, $4)`,
				bookingID, fmt.Sprintf("order_%s", bookingID[:8]), fmt.Sprintf("pay_%s", bookingID[:8]), amount, share)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO payouts (booking_id, amount_to_counselor) VALUES ($1, $2)`, bookingID, share)
			}
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE bookings SET status=$2, updated_at=NOW() WHERE id=$1 AND status='scheduled'`,
			bookingID, outcomes[rand.Intn(len(outcomes))]); err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Filer disputes closed bookings that have no dispute yet. Contending filers
// racing the same booking lose on the unique booking_id constraint, which is
// the expected outcome.
func Filer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	issues := []string{"counselor_did_not_join", "technical_failure", "session_cut_short", "other"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var bookingID string
		err = tx.QueryRow(ctx, `SELECT b.id FROM bookings b
                                 LEFT JOIN disputes d ON d.booking_id = b.id
                                 WHERE b.status IN ('completed','failed') AND d.id IS NULL
                                 LIMIT 1 FOR UPDATE OF b SKIP LOCKED`).Scan(&bookingID)
		if err == nil {
			var disputeID string
			err = tx.QueryRow(ctx, `INSERT INTO disputes (booking_id, issue_type, description)
                                     VALUES ($1, $2, 'stress filing') RETURNING id`,
				bookingID, issues[rand.Intn(len(issues))]).Scan(&disputeID)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO dispute_events (dispute_id, seq, actor_role, action)
                                        SELECT $1, COALESCE(MAX(seq),0)+1, 'client', 'filed'
                                        FROM dispute_events WHERE dispute_id=$1`, disputeID)
			}
		}
		if err != nil {
			// losing the unique booking_id race is expected under contention;
			// anything else the oracles will catch in the resulting state
			_ = tx.Rollback(ctx)
			time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
			continue
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}

// Resolver races to move under_review disputes to a terminal state and
// settles the held payout in the same transaction. The conditional updates
// on dispute status and payout status are the safety net under contention.
func Resolver(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		var disputeID, bookingID string
		err = tx.QueryRow(ctx, `SELECT id, booking_id FROM disputes WHERE status='under_review' ORDER BY random() LIMIT 1`).
			Scan(&disputeID, &bookingID)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(40 * time.Millisecond)
			continue
		}

		target := "resolved_valid"
		if rand.Intn(3) == 0 {
			target = "resolved_invalid"
		}
		if rand.Intn(10) == 0 {
			target = "closed"
		}

		tag, err := tx.Exec(ctx, `UPDATE disputes SET status=$2::dispute_status, resolution='stress resolution',
                                   resolved_at=NOW(), updated_at=NOW()
                                   WHERE id=$1 AND status='under_review'`, disputeID, target)
		if err != nil || tag.RowsAffected() == 0 {
			_ = tx.Rollback(ctx)
			time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
			continue
		}

		switch target {
		case "resolved_valid":
			_, err = tx.Exec(ctx, `UPDATE payouts p SET status='refunded',
                                    amount_to_client=m.amount,
                                    refunded_at=NOW(), updated_at=NOW()
                                    FROM payments m
                                    WHERE p.booking_id=$1 AND m.booking_id=$1 AND p.status='held'`, bookingID)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                        VALUES ('payment.refunded', jsonb_build_object('dispute_id',$1::text,'booking_id',$2::text))`,
					disputeID, bookingID)
			}
		case "resolved_invalid":
			_, err = tx.Exec(ctx, `UPDATE payouts SET status='released', released_at=NOW(), updated_at=NOW()
                                    WHERE booking_id=$1 AND status='held'`, bookingID)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                        VALUES ('payout.released', jsonb_build_object('dispute_id',$1::text,'booking_id',$2::text))`,
					disputeID, bookingID)
			}
		}
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO dispute_events (dispute_id, seq, actor_role, action, comment)
                                    SELECT $1, COALESCE(MAX(seq),0)+1, 'admin', 'resolved', 'stress resolution'
                                    FROM dispute_events WHERE dispute_id=$1`, disputeID)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// NoteTaker appends note_added events to random disputes in any state,
// retrying seq collisions the same way the repository does.
func NoteTaker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	roles := []string{"client", "counselor", "admin"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var disputeID string
		if err := pool.QueryRow(ctx, `SELECT id FROM disputes ORDER BY random() LIMIT 1`).Scan(&disputeID); err != nil {
			time.Sleep(60 * time.Millisecond)
			continue
		}

		for attempt := 0; attempt < 3; attempt++ {
			_, err := pool.Exec(ctx, `INSERT INTO dispute_events (dispute_id, seq, actor_role, action, comment)
                                       SELECT $1, COALESCE(MAX(seq),0)+1, $2, 'note_added', 'stress note'
                                       FROM dispute_events WHERE dispute_id=$1`,
				disputeID, roles[rand.Intn(len(roles))])
			if err == nil {
				break
			}
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
				break
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending settlement instructions with SKIP LOCKED and
// marks them processed, occasionally simulating a delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
