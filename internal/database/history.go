package database

import (
	"context"
	"fmt"
	"time"
)

// AddAlertHistory records one delivery of an alert
func (s *Store) AddAlertHistory(ctx context.Context, alertID, userID int64, sentAt time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO alert_history (alert_id, user_id, sent_at) VALUES (?, ?, ?);`,
		alertID, userID, toMillis(sentAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert history: %w", err)
	}
	return nil
}

// RecentAlertIDs returns the distinct ids of alerts delivered at or after since
func (s *Store) RecentAlertIDs(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT alert_id FROM alert_history WHERE sent_at >= ?;`, toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alert history: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneAlertHistory deletes deliveries older than before
func (s *Store) PruneAlertHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM alert_history WHERE sent_at < ?;`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune alert history: %w", err)
	}
	return res.RowsAffected()
}
