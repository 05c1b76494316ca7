package database

import (
	"coalarm-dispatch/internal/types"
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// UpsertTicker stores the latest snapshot of a symbol and appends its price
// to the history used for moving averages
func (s *Store) UpsertTicker(ctx context.Context, t types.Ticker) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ticker transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO tickers (symbol, quote, price, short_ma, long_ma, observed_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(symbol) DO UPDATE SET
		quote = excluded.quote,
		price = excluded.price,
		short_ma = excluded.short_ma,
		long_ma = excluded.long_ma,
		observed_at = excluded.observed_at;`
	if _, err := tx.ExecContext(ctx, query, t.Symbol, t.Quote, t.Price, t.ShortMA, t.LongMA, toMillis(t.ObservedAt)); err != nil {
		return fmt.Errorf("failed to upsert ticker %s: %w", t.Symbol, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ticker_history (symbol, price, observed_at) VALUES (?, ?, ?);`,
		t.Symbol, t.Price, toMillis(t.ObservedAt),
	); err != nil {
		return fmt.Errorf("failed to append ticker history %s: %w", t.Symbol, err)
	}

	return tx.Commit()
}

// MovingAverage averages the last n recorded prices of a symbol. The second
// return value is the number of samples the average was built from.
func (s *Store) MovingAverage(ctx context.Context, symbol string, n int) (decimal.Decimal, int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT price FROM ticker_history WHERE symbol = ? ORDER BY observed_at DESC LIMIT ?;`,
		symbol, n,
	)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to query ticker history %s: %w", symbol, err)
	}
	defer rows.Close()

	sum := decimal.Zero
	count := 0
	for rows.Next() {
		var price decimal.Decimal
		if err := rows.Scan(&price); err != nil {
			return decimal.Zero, 0, fmt.Errorf("failed to scan row: %w", err)
		}
		sum = sum.Add(price)
		count++
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, 0, err
	}
	if count == 0 {
		return decimal.Zero, 0, nil
	}
	return sum.Div(decimal.NewFromInt(int64(count))), count, nil
}

// PruneTickerHistory keeps only the newest keep samples of a symbol
func (s *Store) PruneTickerHistory(ctx context.Context, symbol string, keep int) error {
	query := `
	DELETE FROM ticker_history
	WHERE symbol = ? AND rowid NOT IN (
		SELECT rowid FROM ticker_history WHERE symbol = ? ORDER BY observed_at DESC LIMIT ?
	);`
	if _, err := s.DB.ExecContext(ctx, query, symbol, symbol, keep); err != nil {
		return fmt.Errorf("failed to prune ticker history %s: %w", symbol, err)
	}
	return nil
}

// LatestTickers fetches the latest snapshot of every requested symbol in one query.
// Symbols without a snapshot are left out of the result.
func (s *Store) LatestTickers(ctx context.Context, symbols []string) ([]types.Ticker, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(symbols)), ",")
	args := make([]any, len(symbols))
	for i, symbol := range symbols {
		args[i] = symbol
	}

	query := `SELECT symbol, quote, price, short_ma, long_ma, observed_at FROM tickers WHERE symbol IN (` + placeholders + `);`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest tickers: %w", err)
	}
	defer rows.Close()

	var tickers []types.Ticker
	for rows.Next() {
		var (
			t          types.Ticker
			observedAt int64
		)
		if err := rows.Scan(&t.Symbol, &t.Quote, &t.Price, &t.ShortMA, &t.LongMA, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		t.ObservedAt = fromMillis(observedAt)
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}
