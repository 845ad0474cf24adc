package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"counselflow/booking"
	"counselflow/outbox"
	"counselflow/payment"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDisputeLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and drives a full file -> note -> resolve flow through the
// real repositories, then verifies the persisted state with raw SQL.
func TestDisputeLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "disputes") || !tableExists(ctx, t, pool, "payouts") || !tableExists(ctx, t, pool, "dispute_events") || !tableExists(ctx, t, pool, "outbox") {
		t.Skip("database schema missing; apply migrations/0001_schema.sql first")
	}

	var (
		clientID    string
		counselorID string
		bookingID   string
	)

	suffix := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, $2, 'client') RETURNING id`,
		fmt.Sprintf("priya+%d@example.com", suffix), "Priya Client").Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, $2, 'counselor') RETURNING id`,
		fmt.Sprintf("arjun+%d@example.com", suffix), "Arjun Counselor").Scan(&counselorID); err != nil {
		t.Fatalf("seed counselor: %v", err)
	}
	if err := pool.QueryRow(ctx, `
        INSERT INTO bookings (client_id, counselor_id, topic, scheduled_at, status)
        VALUES ($1, $2, 'career stress', now() - interval '1 day', 'completed') RETURNING id
    `, clientID, counselorID).Scan(&bookingID); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO payments (booking_id, order_ref, payment_ref, amount, fee, tax, platform_fee, counselor_payout, net_amount)
        VALUES ($1, 'order_itest', 'pay_itest', 150000, 3000, 540, 30000, 116460, 146460)
    `, bookingID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO payouts (booking_id, amount_to_counselor) VALUES ($1, 116460)
    `, bookingID); err != nil {
		t.Fatalf("seed payout: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `ALTER TABLE dispute_events DISABLE TRIGGER no_mutate_dispute_events`)
		pool.Exec(ctx2, `DELETE FROM dispute_events WHERE dispute_id IN (SELECT id FROM disputes WHERE booking_id = $1)`, bookingID)
		pool.Exec(ctx2, `ALTER TABLE dispute_events ENABLE TRIGGER no_mutate_dispute_events`)
		pool.Exec(ctx2, `DELETE FROM dispute_evidence WHERE dispute_id IN (SELECT id FROM disputes WHERE booking_id = $1)`, bookingID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'booking_id' = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE booking_id = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM payouts WHERE booking_id = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM payments WHERE booking_id = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM bookings WHERE id = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, clientID, counselorID)
	})

	svc := NewService(pool, NewRepository(pool), booking.NewRepository(pool), payment.NewRepository(pool)).
		WithOutbox(outbox.NewWriter())

	rec, err := svc.File(ctx, FileParams{
		BookingID:   bookingID,
		ClientID:    clientID,
		IssueType:   IssueCounselorNoShow,
		Description: "Counselor never joined the call",
		Evidence: []Evidence{
			{FileName: "waiting-room.png", FileType: "image/png", FileSize: 20480, URL: "https://files.example/waiting-room.png"},
		},
	})
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	if rec.Status != StatusUnderReview {
		t.Fatalf("expected under_review, got %s", rec.Status)
	}

	// Filing twice against the same booking must fail.
	if _, err := svc.File(ctx, FileParams{
		BookingID:   bookingID,
		ClientID:    clientID,
		IssueType:   IssueOther,
		Description: "filing again",
	}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second filing, got %v", err)
	}

	if _, err := svc.AddNote(ctx, NoteParams{
		DisputeID: rec.ID,
		Role:      "admin",
		Comment:   "Pulled the session join log",
	}); err != nil {
		t.Fatalf("add note: %v", err)
	}

	res, err := svc.Resolve(ctx, ResolveParams{
		DisputeID:    rec.ID,
		Target:       StatusResolvedValid,
		Resolution:   "Confirmed no-show via logs",
		RefundAmount: 50000,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Payout == nil || res.Payout.Status != payment.PayoutRefunded || res.Payout.AmountToClient != 50000 {
		t.Fatalf("unexpected payout after resolve: %+v", res.Payout)
	}

	var (
		status     string
		resolution *string
		resolvedAt *time.Time
	)
	if err := pool.QueryRow(ctx, `SELECT status::text, resolution, resolved_at FROM disputes WHERE id = $1`, rec.ID).
		Scan(&status, &resolution, &resolvedAt); err != nil {
		t.Fatalf("verify dispute: %v", err)
	}
	if status != "resolved_valid" || resolution == nil || *resolution != "Confirmed no-show via logs" || resolvedAt == nil {
		t.Fatalf("unexpected dispute row: status=%s resolution=%v resolvedAt=%v", status, resolution, resolvedAt)
	}

	var (
		payoutStatus string
		refundedAt   *time.Time
		releasedAt   *time.Time
	)
	if err := pool.QueryRow(ctx, `SELECT status::text, refunded_at, released_at FROM payouts WHERE booking_id = $1`, bookingID).
		Scan(&payoutStatus, &refundedAt, &releasedAt); err != nil {
		t.Fatalf("verify payout: %v", err)
	}
	if payoutStatus != "refunded" || refundedAt == nil || releasedAt != nil {
		t.Fatalf("unexpected payout row: status=%s refundedAt=%v releasedAt=%v", payoutStatus, refundedAt, releasedAt)
	}

	// filed -> note_added -> resolved, seq 1..3 with no gaps.
	var evCount, maxSeq int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*), MAX(seq) FROM dispute_events WHERE dispute_id = $1`, rec.ID).
		Scan(&evCount, &maxSeq); err != nil {
		t.Fatalf("verify events: %v", err)
	}
	if evCount != 3 || maxSeq != 3 {
		t.Fatalf("unexpected activity log: count=%d maxSeq=%d", evCount, maxSeq)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'payment.refunded' AND payload->>'dispute_id' = $1`, rec.ID).
		Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 outbox message, got %d", outCount)
	}

	// Second resolve must lose to the recorded outcome.
	if _, err := svc.Resolve(ctx, ResolveParams{
		DisputeID:  rec.ID,
		Target:     StatusClosed,
		Resolution: "changed my mind",
	}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second resolve, got %v", err)
	}

	// Notes stay open after resolution.
	if _, err := svc.AddNote(ctx, NoteParams{
		DisputeID: rec.ID,
		Role:      "client",
		Comment:   "Received the refund, thank you",
	}); err != nil {
		t.Fatalf("note after resolve: %v", err)
	}
}

// TestConcurrentResolve_Integration races two opposing resolutions; exactly
// one must win and the payout must match the winner.
func TestConcurrentResolve_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "disputes") {
		t.Skip("database schema missing; apply migrations/0001_schema.sql first")
	}

	var clientID, counselorID, bookingID, disputeID string
	suffix := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Race Client', 'client') RETURNING id`,
		fmt.Sprintf("race-client+%d@example.com", suffix)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Race Counselor', 'counselor') RETURNING id`,
		fmt.Sprintf("race-counselor+%d@example.com", suffix)).Scan(&counselorID); err != nil {
		t.Fatalf("seed counselor: %v", err)
	}
	if err := pool.QueryRow(ctx, `
        INSERT INTO bookings (client_id, counselor_id, scheduled_at, status)
        VALUES ($1, $2, now() - interval '1 day', 'failed') RETURNING id
    `, clientID, counselorID).Scan(&bookingID); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO payments (booking_id, amount, counselor_payout) VALUES ($1, 100000, 80000)
    `, bookingID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	if _, err := pool.Exec(ctx, `
        INSERT INTO payouts (booking_id, amount_to_counselor) VALUES ($1, 80000)
    `, bookingID); err != nil {
		t.Fatalf("seed payout: %v", err)
	}
	if err := pool.QueryRow(ctx, `
        INSERT INTO disputes (booking_id, issue_type, description)
        VALUES ($1, 'technical_failure', 'call dropped after two minutes') RETURNING id
    `, bookingID).Scan(&disputeID); err != nil {
		t.Fatalf("seed dispute: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `ALTER TABLE dispute_events DISABLE TRIGGER no_mutate_dispute_events`)
		pool.Exec(ctx2, `DELETE FROM dispute_events WHERE dispute_id = $1`, disputeID)
		pool.Exec(ctx2, `ALTER TABLE dispute_events ENABLE TRIGGER no_mutate_dispute_events`)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'dispute_id' = $1`, disputeID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE id = $1`, disputeID)
		pool.Exec(ctx2, `DELETE FROM payouts WHERE booking_id = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM payments WHERE booking_id = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM bookings WHERE id = $1`, bookingID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, clientID, counselorID)
	})

	svc := NewService(pool, NewRepository(pool), booking.NewRepository(pool), payment.NewRepository(pool)).
		WithOutbox(outbox.NewWriter())

	attempts := []ResolveParams{
		{DisputeID: disputeID, Target: StatusResolvedValid, Resolution: "refund: gateway log confirms drop", RefundAmount: 100000},
		{DisputeID: disputeID, Target: StatusResolvedInvalid, Resolution: "release: counselor stayed the full hour", PayoutAmount: 80000},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(attempts))
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Resolve(ctx, attempts[i])
		}(i)
	}
	wg.Wait()

	var winners, losers int
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrInvalidTransition):
			losers++
		default:
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 || losers != 1 {
		t.Fatalf("expected exactly one winner, got winners=%d losers=%d", winners, losers)
	}

	var disputeStatus, payoutStatus string
	if err := pool.QueryRow(ctx, `
        SELECT d.status::text, p.status::text
        FROM disputes d JOIN payouts p ON p.booking_id = d.booking_id
        WHERE d.id = $1
    `, disputeID).Scan(&disputeStatus, &payoutStatus); err != nil {
		t.Fatalf("verify outcome: %v", err)
	}
	switch disputeStatus {
	case "resolved_valid":
		if payoutStatus != "refunded" {
			t.Fatalf("resolved_valid dispute with payout %s", payoutStatus)
		}
	case "resolved_invalid":
		if payoutStatus != "released" {
			t.Fatalf("resolved_invalid dispute with payout %s", payoutStatus)
		}
	default:
		t.Fatalf("dispute did not reach a terminal state: %s", disputeStatus)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
