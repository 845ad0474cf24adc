package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks the stress run evaluates against live
// data. Each query must return zero rows; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_dispute_per_booking",
			SQL: `SELECT booking_id, COUNT(*) FROM disputes
                  GROUP BY booking_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_resolution_fields_iff_terminal",
			SQL: `SELECT id, status, resolution, resolved_at FROM disputes
                  WHERE (status = 'under_review') <> (resolved_at IS NULL)
                     OR (status = 'under_review') <> (resolution IS NULL)`,
		},
		{
			Name: "O3_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             LAG(seq) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM dispute_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O4_settlement_exclusive",
			SQL: `SELECT id, status, released_at, refunded_at FROM payouts
                  WHERE (released_at IS NOT NULL AND refunded_at IS NOT NULL)
                     OR (status = 'released' AND released_at IS NULL)
                     OR (status = 'refunded' AND refunded_at IS NULL)
                     OR (status = 'held' AND (released_at IS NOT NULL OR refunded_at IS NOT NULL))`,
		},
		{
			Name: "O5_payout_matches_outcome",
			SQL: `SELECT d.id, d.status AS dispute_status, p.status AS payout_status
                  FROM disputes d JOIN payouts p ON p.booking_id = d.booking_id
                  WHERE (d.status = 'resolved_valid'   AND p.status <> 'refunded')
                     OR (d.status = 'resolved_invalid' AND p.status <> 'released')
                     OR (d.status = 'closed'           AND p.status <> 'held')`,
		},
		{
			Name: "O6_amounts_within_bounds",
			SQL: `SELECT p.id, p.amount_to_client, p.amount_to_counselor, m.amount, m.counselor_payout
                  FROM payouts p JOIN payments m ON m.booking_id = p.booking_id
                  WHERE p.amount_to_client > m.amount
                     OR (p.status = 'released' AND p.amount_to_counselor > m.counselor_payout)`,
		},
		{
			Name: "O7_resolved_has_audit_event",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.status <> 'under_review'
                    AND NOT EXISTS (
                        SELECT 1 FROM dispute_events e
                        WHERE e.dispute_id = d.id AND e.action = 'resolved')`,
		},
		{
			Name: "O8_disputes_only_on_closed_sessions",
			SQL: `SELECT d.id, b.status FROM disputes d
                  JOIN bookings b ON b.id = d.booking_id
                  WHERE b.status NOT IN ('completed', 'failed')`,
		},
		{
			Name: "O9_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O10_event_log_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_dispute_events')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
