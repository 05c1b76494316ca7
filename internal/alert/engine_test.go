package alert

import (
	"coalarm-dispatch/internal/evaluator"
	"coalarm-dispatch/internal/sse"
	"coalarm-dispatch/internal/types"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetPriceAlertIsPushedAndRecorded(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addUser(types.User{ID: 1, Nickname: "alice"})
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))
	h.store.setPrice("BTC", 50050)

	conn, batch := subscribe(t, h.engine, 1)
	assert.Empty(t, batch)

	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))
	require.Len(t, h.engine.Pending(1), 1)

	require.NoError(t, h.engine.SendQueued(ctx))
	h.engine.Wait()

	summary := decodeSummary(t, nextEvent(t, conn))
	assert.Equal(t, int64(10), summary.AlertID)
	assert.Equal(t, "BTC", summary.CoinSymbol)
	assert.Equal(t, "alice", summary.Nickname)
	assert.True(t, summary.IsTargetPrice)

	records := h.store.records()
	require.Len(t, records, 1)
	assert.Equal(t, int64(10), records[0].AlertID)
	assert.Equal(t, int64(1), records[0].UserID)
	assert.Equal(t, h.clock.Now(), records[0].SentAt)
	assert.Equal(t, float64(1), MetricValue(h.engine.metrics.AlertsPushed))
	assert.Empty(t, h.engine.Pending(1))
}

func TestFallingTargetWaitsForPriceBelow(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	a := targetAlert(11, 1, "ETH", 3000)
	a.TargetPercentage = decimal.NewFromInt(-5)
	h.store.addAlert(a)
	h.store.setPrice("ETH", 3100)

	subscribe(t, h.engine, 1)
	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))
	assert.Empty(t, h.engine.Pending(1))

	h.store.setPrice("ETH", 2990)
	require.NoError(t, h.engine.CheckAlerts(ctx))
	assert.Len(t, h.engine.Pending(1), 1)
}

func TestCooldownSuppressesRecentlyDeliveredAlert(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))
	h.store.setPrice("BTC", 50050)
	require.NoError(t, h.store.AddAlertHistory(ctx, 10, 1, h.clock.Now().Add(-10*time.Second)))

	conn, _ := subscribe(t, h.engine, 1)
	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))
	require.NoError(t, h.engine.SendQueued(ctx))
	noEvent(t, conn)

	h.clock.Advance(evaluator.CooldownWindow)
	require.NoError(t, h.engine.CheckAlerts(ctx))
	assert.Len(t, h.engine.Pending(1), 1)
}

func TestUserWithoutConnectionIsNotQueued(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))
	h.store.setPrice("BTC", 60000)

	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))
	assert.Empty(t, h.engine.Pending(1))
	assert.Equal(t, float64(0), MetricValue(h.engine.metrics.AlertsEnqueued))
}

func TestQueuedAlertIsNotQueuedTwice(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))
	h.store.setPrice("BTC", 60000)

	subscribe(t, h.engine, 1)
	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))
	assert.Len(t, h.engine.Pending(1), 1)
}

func TestDispatchPacesOneAlertPerUserPerTick(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		h.store.addAlert(targetAlert(100+i, 1, "BTC", 100))
		h.store.addAlert(targetAlert(200+i, 2, "BTC", 100))
	}
	h.store.setPrice("BTC", 50000)

	first, _ := subscribe(t, h.engine, 1)
	second, _ := subscribe(t, h.engine, 2)
	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))
	require.Len(t, h.engine.Pending(1), 5)
	require.Len(t, h.engine.Pending(2), 5)

	require.NoError(t, h.engine.SendQueued(ctx))
	h.engine.Wait()

	assert.Equal(t, int64(100), decodeSummary(t, nextEvent(t, first)).AlertID)
	assert.Equal(t, int64(200), decodeSummary(t, nextEvent(t, second)).AlertID)
	noEvent(t, first)
	noEvent(t, second)
	assert.Len(t, h.engine.Pending(1), 4)
	assert.Len(t, h.engine.Pending(2), 4)

	require.NoError(t, h.engine.SendQueued(ctx))
	assert.Equal(t, int64(101), decodeSummary(t, nextEvent(t, first)).AlertID)
	assert.Equal(t, int64(201), decodeSummary(t, nextEvent(t, second)).AlertID)
}

func TestNicknameChangeReachesQueuedAlert(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addUser(types.User{ID: 1, Nickname: "old"})
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))
	h.store.setPrice("BTC", 50050)

	conn, _ := subscribe(t, h.engine, 1)
	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))

	h.engine.UpdateUserNickname(1, "new")
	require.NoError(t, h.engine.SendQueued(ctx))

	assert.Equal(t, "new", decodeSummary(t, nextEvent(t, conn)).Nickname)
	u, ok := h.engine.Profile(1)
	require.True(t, ok)
	assert.Equal(t, "new", u.Nickname)
}

func TestUpdateUserProfileLeavesNilFieldsAlone(t *testing.T) {
	h := newHarness(t, 8)
	h.engine.profiles.Put(types.User{ID: 1, Nickname: "alice", DiscordWebhook: "https://example.com/a"})

	hook := "https://example.com/b"
	h.engine.UpdateUserProfile(ProfileChange{UserID: 1, DiscordWebhook: &hook})

	u, _ := h.engine.Profile(1)
	assert.Equal(t, "alice", u.Nickname)
	assert.Equal(t, hook, u.DiscordWebhook)
}

func TestInitialBatchHoldsDigestKindsAndIsRecorded(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addUser(types.User{ID: 1, Nickname: "alice"})
	h.store.addAlert(targetAlert(1, 1, "BTC", 50000))
	h.store.addAlert(types.Alert{ID: 2, UserID: 1, Coin: types.Coin{Symbol: "ETH"}, IsGoldenCross: true})
	h.store.addAlert(types.Alert{ID: 3, UserID: 1, Coin: types.Coin{Symbol: "SOL"}, IsVolumeSpike: true})
	require.NoError(t, h.engine.RefreshActive(ctx))

	_, batch := subscribe(t, h.engine, 1)
	h.engine.Wait()

	require.Len(t, batch, 2)
	assert.Equal(t, int64(1), batch[0].AlertID)
	assert.Equal(t, int64(2), batch[1].AlertID)
	assert.Equal(t, "alice", batch[0].Nickname)

	ids := []int64{}
	for _, r := range h.store.records() {
		ids = append(ids, r.AlertID)
	}
	assert.ElementsMatch(t, []int64{1, 2}, ids)
}

func TestSubscribeReusesLiveConnection(t *testing.T) {
	h := newHarness(t, 8)

	conn, _ := subscribe(t, h.engine, 1)
	again, created, err := h.engine.Subscribe(1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, conn, again)
	assert.Equal(t, sse.EventPing, nextEvent(t, conn).Name)
}

func TestSubscribeWithoutIdentity(t *testing.T) {
	h := newHarness(t, 8)

	conn, created, err := h.engine.Subscribe(0)
	assert.Nil(t, conn)
	assert.False(t, created)
	assert.True(t, errors.Is(err, sse.ErrAbsentIdentity))
	assert.Empty(t, h.engine.SubscribedUsers())
	assert.Empty(t, h.store.records())
}

func TestHeartbeatPrunesStalledConnection(t *testing.T) {
	// a one-slot buffer is already full with the unread existing-alerts event
	h := newHarness(t, 1)

	conn, created, err := h.engine.Subscribe(1)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, h.engine.SendHeartbeats(context.Background()))

	assert.Empty(t, h.engine.SubscribedUsers())
	assert.Equal(t, sse.StateRemoved, conn.State())
	assert.Equal(t, float64(1), MetricValue(h.engine.metrics.ConnectionsPruned))
	select {
	case <-conn.Done():
	default:
		t.Fatal("pruned connection is still open")
	}
}

func TestHeartbeatKeepsHealthyConnection(t *testing.T) {
	h := newHarness(t, 4)
	conn, _ := subscribe(t, h.engine, 1)

	require.NoError(t, h.engine.SendHeartbeats(context.Background()))
	assert.Equal(t, []int64{1}, h.engine.SubscribedUsers())
	assert.Equal(t, sse.EventHeartbeat, nextEvent(t, conn).Name)
}

func TestPushToClosedConnectionDropsAlert(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))
	h.store.setPrice("BTC", 50050)

	conn, _ := subscribe(t, h.engine, 1)
	require.NoError(t, h.engine.RefreshActive(ctx))
	require.NoError(t, h.engine.CheckAlerts(ctx))

	conn.Complete()
	require.NoError(t, h.engine.SendQueued(ctx))
	h.engine.Wait()

	assert.Empty(t, h.store.records())
	assert.Empty(t, h.engine.Pending(1))
	assert.Empty(t, h.engine.SubscribedUsers())
}

func TestActivateAndDeactivateAlert(t *testing.T) {
	h := newHarness(t, 8)
	ctx := context.Background()
	h.store.addUser(types.User{ID: 1, Nickname: "alice"})
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))

	require.NoError(t, h.engine.ActivateAlert(ctx, 10))
	assert.Len(t, h.engine.ActiveAlerts(1), 1)
	assert.Equal(t, []string{"BTC"}, h.engine.Symbols())
	u, ok := h.engine.Profile(1)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Nickname)

	require.NoError(t, h.engine.ActivateAlert(ctx, 10))
	assert.Len(t, h.engine.ActiveAlerts(1), 1)

	h.engine.DeactivateAlert(1, 10)
	assert.Empty(t, h.engine.ActiveAlerts(1))
	assert.Empty(t, h.engine.Symbols())

	err := h.engine.ActivateAlert(ctx, 99)
	assert.True(t, errors.Is(err, errUnknownAlert))
}

func TestStartSchedulesPeriodicTasks(t *testing.T) {
	h := newHarness(t, 8)
	h.store.addAlert(targetAlert(10, 1, "BTC", 50000))

	require.NoError(t, h.engine.Start())
	assert.ElementsMatch(t, []string{
		"refresh active alerts",
		"check subscribed alerts",
		"send queued alerts",
		"send heartbeats",
		"send webhook digests",
	}, h.engine.scheduler.Jobs())
	assert.Len(t, h.engine.ActiveAlerts(1), 1)
}
