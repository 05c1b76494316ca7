package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id matches no row
var ErrNotFound = errors.New("not found")

// Store is the sqlite backed Alert Store, Ticker Feed Store and Alert History Store
type Store struct {
	DB *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		nickname TEXT NOT NULL,
		discord_webhook TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS coins (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		symbol TEXT NOT NULL UNIQUE
	);`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		coin_id INTEGER NOT NULL REFERENCES coins(id),
		title TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		is_target_price INTEGER NOT NULL DEFAULT 0,
		is_golden_cross INTEGER NOT NULL DEFAULT 0,
		is_volume_spike INTEGER NOT NULL DEFAULT 0,
		target_price TEXT NOT NULL DEFAULT '0',
		target_percentage TEXT NOT NULL DEFAULT '0',
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts (active);`,
	`CREATE TABLE IF NOT EXISTS tickers (
		symbol TEXT PRIMARY KEY,
		quote TEXT NOT NULL,
		price TEXT NOT NULL,
		short_ma TEXT NOT NULL DEFAULT '0',
		long_ma TEXT NOT NULL DEFAULT '0',
		observed_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS ticker_history (
		symbol TEXT NOT NULL,
		price TEXT NOT NULL,
		observed_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ticker_history_symbol ON ticker_history (symbol, observed_at);`,
	`CREATE TABLE IF NOT EXISTS alert_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		sent_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_alert_history_sent_at ON alert_history (sent_at);`,
	`CREATE TABLE IF NOT EXISTS metrics (
		metric_name TEXT NOT NULL,
		label_key TEXT DEFAULT NULL,
		label_value TEXT DEFAULT NULL,
		metric_value REAL NOT NULL,
		PRIMARY KEY (metric_name, label_key, label_value)
	);`,
}

// Open connects to the sqlite file at dbPath and creates missing tables
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// sqlite serialises writers, a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, query := range schema {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	log.Println("Database initialized successfully.")
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
