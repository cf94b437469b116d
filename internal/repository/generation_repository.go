package repository

import (
	"context"
	"fmt"

	"github.com/digkill/TGImageBot/internal/database"
	"github.com/digkill/TGImageBot/internal/models"
)

type GenerationRepository struct {
	q database.Querier
}

func NewGenerationRepository(db *database.DB) *GenerationRepository {
	return &GenerationRepository{q: db.DB}
}

func (r *GenerationRepository) Log(ctx context.Context, entry models.GenerationLog) error {
	const query = `
INSERT INTO generation_logs (user_id, kind, fingerprint, outcome, reason)
VALUES (?, ?, ?, ?, ?)`
	if _, err := r.q.ExecContext(ctx, query, entry.UserID, entry.Kind, entry.Fingerprint, entry.Outcome, entry.Reason); err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

// CountByOutcome groups logged requests by "outcome" or "outcome:reason".
func (r *GenerationRepository) CountByOutcome(ctx context.Context) (map[string]int, error) {
	const query = `SELECT outcome, reason, COUNT(*) FROM generation_logs GROUP BY outcome, reason`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count generations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome, reason string
		var n int
		if err := rows.Scan(&outcome, &reason, &n); err != nil {
			return nil, fmt.Errorf("scan generation count: %w", err)
		}
		key := outcome
		if reason != "" {
			key += ":" + reason
		}
		counts[key] += n
	}
	return counts, rows.Err()
}
