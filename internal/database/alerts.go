package database

import (
	"coalarm-dispatch/internal/types"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const alertColumns = `
	a.id, a.user_id, a.title, a.active, a.is_target_price, a.is_golden_cross, a.is_volume_spike,
	a.target_price, a.target_percentage, a.created_at,
	c.id, c.name, c.symbol,
	u.id, u.nickname, u.discord_webhook`

const alertJoins = `
	FROM alerts a
	JOIN coins c ON c.id = a.coin_id
	JOIN users u ON u.id = a.user_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (types.Alert, types.User, error) {
	var (
		alert     types.Alert
		user      types.User
		createdAt int64
	)
	err := row.Scan(
		&alert.ID, &alert.UserID, &alert.Title, &alert.Active,
		&alert.IsTargetPrice, &alert.IsGoldenCross, &alert.IsVolumeSpike,
		&alert.TargetPrice, &alert.TargetPercentage, &createdAt,
		&alert.Coin.ID, &alert.Coin.Name, &alert.Coin.Symbol,
		&user.ID, &user.Nickname, &user.DiscordWebhook,
	)
	if err != nil {
		return types.Alert{}, types.User{}, err
	}
	alert.CreatedAt = fromMillis(createdAt)
	return alert, user, nil
}

// InsertAlert saves an alert to the database and returns its id
func (s *Store) InsertAlert(ctx context.Context, alert types.Alert) (int64, error) {
	query := `
	INSERT INTO alerts (user_id, coin_id, title, active, is_target_price, is_golden_cross, is_volume_spike,
		target_price, target_percentage, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	createdAt := alert.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.DB.ExecContext(ctx, query,
		alert.UserID, alert.Coin.ID, alert.Title, boolToInt(alert.Active),
		boolToInt(alert.IsTargetPrice), boolToInt(alert.IsGoldenCross), boolToInt(alert.IsVolumeSpike),
		alert.TargetPrice, alert.TargetPercentage, toMillis(createdAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read alert id: %w", err)
	}

	log.Debugf("Alert inserted successfully: ID: %d, UserID: %d, CoinID: %d, Title: %s", id, alert.UserID, alert.Coin.ID, alert.Title)
	return id, nil
}

// SetAlertActive flips the active flag of one alert
func (s *Store) SetAlertActive(ctx context.Context, alertID int64, active bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE alerts SET active = ? WHERE id = ?;`, boolToInt(active), alertID)
	if err != nil {
		return fmt.Errorf("failed to update alert %d: %w", alertID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveAlerts fetches every active alert together with the profiles of
// their owners
func (s *Store) ActiveAlerts(ctx context.Context) ([]types.Alert, []types.User, error) {
	query := `SELECT ` + alertColumns + alertJoins + ` WHERE a.active = 1 ORDER BY a.id;`

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()

	var (
		alerts []types.Alert
		users  []types.User
		seen   = make(map[int64]struct{})
	)
	for rows.Next() {
		alert, user, err := scanAlert(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		alerts = append(alerts, alert)
		if _, ok := seen[user.ID]; !ok {
			seen[user.ID] = struct{}{}
			users = append(users, user)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate active alerts: %w", err)
	}

	return alerts, users, nil
}

// AlertByID fetches one alert and its owner
func (s *Store) AlertByID(ctx context.Context, alertID int64) (types.Alert, types.User, error) {
	query := `SELECT ` + alertColumns + alertJoins + ` WHERE a.id = ?;`

	alert, user, err := scanAlert(s.DB.QueryRowContext(ctx, query, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Alert{}, types.User{}, ErrNotFound
	} else if err != nil {
		return types.Alert{}, types.User{}, fmt.Errorf("failed to get alert %d: %w", alertID, err)
	}
	return alert, user, nil
}

// TrackedSymbols returns the distinct coin symbols referenced by active alerts
func (s *Store) TrackedSymbols(ctx context.Context) ([]string, error) {
	query := `
	SELECT DISTINCT c.symbol
	FROM alerts a
	JOIN coins c ON c.id = a.coin_id
	WHERE a.active = 1
	ORDER BY c.symbol;`

	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

// InsertCoin saves a coin, returning the id of an existing coin with the same symbol
func (s *Store) InsertCoin(ctx context.Context, coin types.Coin) (int64, error) {
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO coins (name, symbol) VALUES (?, ?);`, coin.Name, coin.Symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to insert coin: %w", err)
	}

	var id int64
	if err := s.DB.QueryRowContext(ctx, `SELECT id FROM coins WHERE symbol = ?;`, coin.Symbol).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get coin %s: %w", coin.Symbol, err)
	}
	return id, nil
}
