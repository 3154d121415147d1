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

// All returns queries that must come back empty at every instant.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_per_maid",
			SQL: `SELECT maid_id, COUNT(*) FROM placement_workflows
                  WHERE status NOT IN ('placement_confirmed','placement_failed')
                  GROUP BY maid_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_active_workflow_mirrored",
			SQL: `SELECT w.id, w.status, m.hired_status, m.current_placement_id
                  FROM placement_workflows w
                  JOIN maid_profiles m ON m.id = w.maid_id
                  WHERE w.status NOT IN ('placement_confirmed','placement_failed')
                    AND (m.current_placement_id IS DISTINCT FROM w.id
                         OR (w.status = 'trial_started' AND m.hired_status <> 'on_trial')
                         OR (w.status <> 'trial_started' AND m.hired_status <> 'in_process'))`,
		},
		{
			Name: "O3_mirror_points_at_active",
			SQL: `SELECT m.id, m.current_placement_id, w.status
                  FROM maid_profiles m
                  LEFT JOIN placement_workflows w ON w.id = m.current_placement_id
                  WHERE m.current_placement_id IS NOT NULL
                    AND (w.id IS NULL OR w.maid_id <> m.id
                         OR w.status IN ('placement_confirmed','placement_failed'))`,
		},
		{
			Name: "O4_confirmed_is_settled",
			SQL: `SELECT w.id, w.fee_status, w.guarantee_end_date, m.hired_status
                  FROM placement_workflows w
                  JOIN maid_profiles m ON m.id = w.maid_id
                  WHERE w.status = 'placement_confirmed'
                    AND (w.fee_status <> 'earned' OR w.guarantee_end_date IS NULL
                         OR w.trial_outcome <> 'passed' OR m.hired_status <> 'hired'
                         OR m.hired_by_sponsor_id IS DISTINCT FROM w.sponsor_id
                         OR NOT w.sponsor_confirmed
                         OR (w.agency_id IS NOT NULL AND NOT w.agency_confirmed))`,
		},
		{
			Name: "O5_failed_is_released",
			SQL: `SELECT id, fee_status, trial_outcome FROM placement_workflows
                  WHERE status = 'placement_failed'
                    AND (fee_status NOT IN ('returned','refunded') OR trial_outcome <> 'failed')`,
		},
		{
			Name: "O6_fee_matches_status",
			SQL: `SELECT id, status, fee_status FROM placement_workflows
                  WHERE (fee_status = 'earned' AND status <> 'placement_confirmed')
                     OR (status IN ('placement_confirmed','placement_failed') AND fee_status IN ('pending','held'))
                     OR (status = 'trial_started' AND fee_status = 'pending')`,
		},
		{
			Name: "O7_every_write_has_event",
			SQL: `SELECT w.id, w.version, COALESCE(e.n, 0)
                  FROM placement_workflows w
                  LEFT JOIN (SELECT workflow_id, COUNT(*) AS n FROM placement_events GROUP BY workflow_id) e
                         ON e.workflow_id = w.id
                  WHERE COALESCE(e.n, 0) < w.version`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - next_attempt_at > interval '5 minutes'`,
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
