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

// All returns queries that must come back empty on a consistent database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_at_most_one_signature",
			SQL: `SELECT request_id, COUNT(*) FROM signature_audit_events
                  WHERE event = 'signed'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_completed_matches_audit",
			SQL: `SELECT r.id, r.status FROM signature_requests r
                  WHERE (r.status = 'Completed') <> EXISTS (
                      SELECT 1 FROM signature_audit_events e
                      WHERE e.request_id = r.id AND e.event = 'signed')`,
		},
		{
			Name: "O3_completed_has_artifact",
			SQL: `SELECT id FROM signature_requests
                  WHERE status = 'Completed'
                    AND (signed_at IS NULL OR pdf_path IS NULL OR pdf_path = '')`,
		},
		{
			Name: "O4_single_terminal_event",
			SQL: `SELECT request_id, COUNT(*) FROM signature_audit_events
                  WHERE event IN ('signed', 'declined', 'delivery_failed')
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_audit_seq_contiguous",
			SQL: `SELECT request_id, MIN(seq), MAX(seq), COUNT(*) FROM signature_audit_events
                  GROUP BY request_id
                  HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O6_initiated_first",
			SQL: `SELECT r.id FROM signature_requests r
                  WHERE NOT EXISTS (
                      SELECT 1 FROM signature_audit_events e
                      WHERE e.request_id = r.id AND e.seq = 1 AND e.event = 'initiated')`,
		},
		{
			Name: "O7_outbox_per_transition",
			SQL: `SELECT r.id, r.status FROM signature_requests r
                  WHERE (SELECT COUNT(*) FROM outbox o
                         WHERE o.request_id = r.id AND o.topic = 'signature.initiated') <> 1
                     OR (SELECT COUNT(*) FROM outbox o
                         WHERE o.request_id = r.id AND o.topic = 'signature.completed')
                        <> CASE WHEN r.status = 'Completed' THEN 1 ELSE 0 END
                     OR (SELECT COUNT(*) FROM outbox o
                         WHERE o.request_id = r.id AND o.topic = 'signature.declined')
                        <> CASE WHEN r.status = 'Declined' THEN 1 ELSE 0 END`,
		},
		{
			Name: "O8_signed_within_window",
			SQL:  `SELECT id FROM signature_requests WHERE signed_at >= expires_at`,
		},
		{
			Name: "O9_single_envelope_attach",
			SQL: `SELECT request_id, COUNT(*) FROM signature_audit_events
                  WHERE event = 'envelope_id_updated'
                  GROUP BY request_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id, status, attempts FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
