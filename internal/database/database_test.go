package database

import (
	"coalarm-dispatch/internal/types"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAlert(t *testing.T, s *Store, nickname, symbol string, active bool) (types.User, types.Alert) {
	t.Helper()
	ctx := context.Background()

	userID, err := s.InsertUser(ctx, types.User{Nickname: nickname, DiscordWebhook: "https://example.com/" + nickname})
	require.NoError(t, err)
	coinID, err := s.InsertCoin(ctx, types.Coin{Name: symbol + " coin", Symbol: symbol})
	require.NoError(t, err)

	alert := types.Alert{
		UserID:           userID,
		Coin:             types.Coin{ID: coinID},
		Title:            nickname + " " + symbol,
		Active:           active,
		IsTargetPrice:    true,
		TargetPrice:      decimal.RequireFromString("50000.5"),
		TargetPercentage: decimal.NewFromInt(-2),
		CreatedAt:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	alert.ID, err = s.InsertAlert(ctx, alert)
	require.NoError(t, err)
	return types.User{ID: userID, Nickname: nickname}, alert
}

func TestActiveAlerts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	alice, first := seedAlert(t, s, "alice", "BTC", true)
	seedAlert(t, s, "bob", "ETH", false)

	alerts, users, err := s.ActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Len(t, users, 1)

	got := alerts[0]
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, alice.ID, got.UserID)
	assert.Equal(t, "BTC", got.Coin.Symbol)
	assert.Equal(t, "BTC coin", got.Coin.Name)
	assert.True(t, got.Active)
	assert.True(t, got.IsTargetPrice)
	assert.False(t, got.IsGoldenCross)
	assert.True(t, got.TargetPrice.Equal(decimal.RequireFromString("50000.5")))
	assert.True(t, got.TargetPercentage.IsNegative())
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.Equal(t, "alice", users[0].Nickname)
	assert.Equal(t, "https://example.com/alice", users[0].DiscordWebhook)
}

func TestAlertByIDAndSetActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, alert := seedAlert(t, s, "alice", "BTC", false)

	got, user, err := s.AlertByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "alice", user.Nickname)

	require.NoError(t, s.SetAlertActive(ctx, alert.ID, true))
	got, _, err = s.AlertByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	_, _, err = s.AlertByID(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.SetAlertActive(ctx, 999, true), ErrNotFound))
}

func TestTrackedSymbolsAndCoins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedAlert(t, s, "alice", "ETH", true)
	seedAlert(t, s, "bob", "BTC", true)
	seedAlert(t, s, "carol", "BTC", true)
	seedAlert(t, s, "dave", "SOL", false)

	symbols, err := s.TrackedSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, symbols)

	first, err := s.InsertCoin(ctx, types.Coin{Name: "x", Symbol: "XRP"})
	require.NoError(t, err)
	again, err := s.InsertCoin(ctx, types.Coin{Name: "y", Symbol: "XRP"})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestUserUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	alice, _ := seedAlert(t, s, "alice", "BTC", true)

	require.NoError(t, s.UpdateUserNickname(ctx, alice.ID, "whale"))
	require.NoError(t, s.UpdateUserWebhook(ctx, alice.ID, ""))

	u, err := s.UserByID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "whale", u.Nickname)
	assert.False(t, u.HasWebhook())

	assert.True(t, errors.Is(s.UpdateUserNickname(ctx, 404, "x"), ErrNotFound))
	_, err = s.UserByID(ctx, 404)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAlertHistoryWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddAlertHistory(ctx, 1, 1, now.Add(-time.Minute)))
	require.NoError(t, s.AddAlertHistory(ctx, 2, 1, now.Add(-30*time.Second)))
	require.NoError(t, s.AddAlertHistory(ctx, 3, 2, now.Add(-10*time.Second)))
	require.NoError(t, s.AddAlertHistory(ctx, 3, 2, now.Add(-5*time.Second)))

	ids, err := s.RecentAlertIDs(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, ids)

	n, err := s.PruneAlertHistory(ctx, now.Add(-20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ids, err = s.RecentAlertIDs(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestTickersAndMovingAverage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, p := range []int64{10, 20, 30, 40} {
		require.NoError(t, s.UpsertTicker(ctx, types.Ticker{
			Symbol:     "BTC",
			Quote:      "USD",
			Price:      decimal.NewFromInt(p),
			ShortMA:    decimal.NewFromInt(p - 1),
			LongMA:     decimal.NewFromInt(p - 2),
			ObservedAt: start.Add(time.Duration(i) * time.Minute),
		}))
	}

	avg, n, err := s.MovingAverage(ctx, "BTC", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, avg.Equal(decimal.NewFromInt(35)), avg.String())

	require.NoError(t, s.PruneTickerHistory(ctx, "BTC", 3))
	avg, n, err = s.MovingAverage(ctx, "BTC", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, avg.Equal(decimal.NewFromInt(30)), avg.String())

	avg, n, err = s.MovingAverage(ctx, "ETH", 5)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, avg.IsZero())

	tickers, err := s.LatestTickers(ctx, []string{"BTC", "ETH"})
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, "BTC-USD", tickers[0].Pair())
	assert.True(t, tickers[0].Price.Equal(decimal.NewFromInt(40)))
	assert.True(t, tickers[0].ShortMA.Equal(decimal.NewFromInt(39)))
	assert.Equal(t, start.Add(3*time.Minute), tickers[0].ObservedAt)

	tickers, err = s.LatestTickers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, tickers)
}

func TestMetrics(t *testing.T) {
	s := openTestStore(t)

	v, err := s.GetMetric("alerts_pushed")
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.SaveMetric("alerts_pushed", 3))
	require.NoError(t, s.SaveMetric("alerts_pushed", 7))
	v, err = s.GetMetric("alerts_pushed")
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)
}
