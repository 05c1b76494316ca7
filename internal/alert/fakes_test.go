package alert

import (
	"coalarm-dispatch/internal/evaluator"
	"coalarm-dispatch/internal/sse"
	"coalarm-dispatch/internal/types"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errUnknownAlert = errors.New("unknown alert")

// memoryStore backs the engine and the evaluator in tests
type memoryStore struct {
	mu      sync.Mutex
	alerts  []types.Alert
	users   map[int64]types.User
	tickers map[string]types.Ticker
	history []types.DeliveryRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		users:   make(map[int64]types.User),
		tickers: make(map[string]types.Ticker),
	}
}

func (m *memoryStore) addUser(u types.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *memoryStore) addAlert(a types.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Active = true
	m.alerts = append(m.alerts, a)
}

func (m *memoryStore) setPrice(symbol string, price int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickers[symbol]
	t.Symbol = symbol
	t.Quote = "USD"
	t.Price = decimal.NewFromInt(price)
	m.tickers[symbol] = t
}

func (m *memoryStore) setAverages(symbol string, short, long int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tickers[symbol]
	t.Symbol = symbol
	t.ShortMA = decimal.NewFromInt(short)
	t.LongMA = decimal.NewFromInt(long)
	m.tickers[symbol] = t
}

func (m *memoryStore) records() []types.DeliveryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeliveryRecord, len(m.history))
	copy(out, m.history)
	return out
}

func (m *memoryStore) ActiveAlerts(context.Context) ([]types.Alert, []types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		alerts []types.Alert
		users  []types.User
		seen   = map[int64]bool{}
	)
	for _, a := range m.alerts {
		if !a.Active {
			continue
		}
		alerts = append(alerts, a)
		if !seen[a.UserID] {
			seen[a.UserID] = true
			users = append(users, m.users[a.UserID])
		}
	}
	return alerts, users, nil
}

func (m *memoryStore) AlertByID(_ context.Context, alertID int64) (types.Alert, types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == alertID {
			return a, m.users[a.UserID], nil
		}
	}
	return types.Alert{}, types.User{}, errUnknownAlert
}

func (m *memoryStore) AddAlertHistory(_ context.Context, alertID, userID int64, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, types.DeliveryRecord{AlertID: alertID, UserID: userID, SentAt: sentAt})
	return nil
}

func (m *memoryStore) LatestTickers(_ context.Context, symbols []string) ([]types.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Ticker
	for _, s := range symbols {
		if t, ok := m.tickers[s]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryStore) RecentAlertIDs(_ context.Context, since time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, r := range m.history {
		if !r.SentAt.Before(since) {
			ids = append(ids, r.AlertID)
		}
	}
	return ids, nil
}

type sentMessage struct {
	target string
	text   string
}

type senderStub struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *senderStub) Send(_ context.Context, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{target: target, text: text})
	return nil
}

func (s *senderStub) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	store  *memoryStore
	sender *senderStub
	clock  *testClock
}

func newHarness(t *testing.T, buffer int) *harness {
	t.Helper()
	h := &harness{
		store:  newMemoryStore(),
		sender: &senderStub{},
		clock:  &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	h.engine = New(Config{
		RefreshActive:       time.Minute,
		SendSubscription:    time.Second,
		SendQueueInterval:   time.Second,
		SendHeartClient:     time.Second,
		SendDiscordInterval: time.Minute,
		ConnectionBuffer:    buffer,
	}, Deps{
		Alerts:    h.store,
		History:   h.store,
		Notifier:  h.sender,
		Evaluator: evaluator.New(h.store, h.store, evaluator.WithClock(h.clock.Now)),
		Metrics:   NewMetrics(prometheus.NewRegistry()),
		Clock:     h.clock.Now,
	})
	t.Cleanup(h.engine.Stop)
	return h
}

func targetAlert(id, userID int64, symbol string, target int64) types.Alert {
	return types.Alert{
		ID:            id,
		UserID:        userID,
		Coin:          types.Coin{ID: 1, Name: symbol + " coin", Symbol: symbol},
		Title:         "alert " + symbol,
		IsTargetPrice: true,
		TargetPrice:   decimal.NewFromInt(target),
	}
}

// subscribe opens a stream and drains its existing-alerts event
func subscribe(t *testing.T, e *Engine, userID int64) (*sse.Connection, []types.AlertSummary) {
	t.Helper()
	conn, created, err := e.Subscribe(userID)
	require.NoError(t, err)
	require.True(t, created)

	ev := nextEvent(t, conn)
	require.Equal(t, sse.EventExistingAlerts, ev.Name)
	var batch []types.AlertSummary
	require.NoError(t, json.Unmarshal(ev.Data, &batch))
	return conn, batch
}

func nextEvent(t *testing.T, conn *sse.Connection) sse.Event {
	t.Helper()
	select {
	case ev := <-conn.Events():
		return ev
	default:
		t.Fatalf("no event queued on connection %s", conn.ID)
	}
	return sse.Event{}
}

func noEvent(t *testing.T, conn *sse.Connection) {
	t.Helper()
	select {
	case ev := <-conn.Events():
		t.Fatalf("unexpected %s event: %s", ev.Name, ev.Data)
	default:
	}
}

func decodeSummary(t *testing.T, ev sse.Event) types.AlertSummary {
	t.Helper()
	require.Equal(t, sse.EventAlert, ev.Name)
	var s types.AlertSummary
	require.NoError(t, json.Unmarshal(ev.Data, &s))
	return s
}
