// Package alert is the real-time alert dispatcher: it caches active alerts,
// queues the ones whose condition holds, paces their delivery to live event
// streams and sends periodic digests to external chat webhooks.
package alert

import (
	"coalarm-dispatch/internal/evaluator"
	"coalarm-dispatch/internal/scheduler"
	"coalarm-dispatch/internal/sse"
	"coalarm-dispatch/internal/types"
	"context"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// AlertStore is the durable source of alert definitions
type AlertStore interface {
	ActiveAlerts(ctx context.Context) ([]types.Alert, []types.User, error)
	AlertByID(ctx context.Context, alertID int64) (types.Alert, types.User, error)
}

// HistoryRecorder appends delivery records
type HistoryRecorder interface {
	AddAlertHistory(ctx context.Context, alertID, userID int64, sentAt time.Time) error
}

// Sender delivers a text message to an external chat target
type Sender interface {
	Send(ctx context.Context, target, text string) error
}

// ConditionEvaluator picks the alerts that qualify on the current market
// snapshot. It reads dispatcher state only through the view it is handed.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, view evaluator.View) ([]evaluator.Match, error)
}

type Config struct {
	RefreshActive       time.Duration
	SendSubscription    time.Duration
	SendQueueInterval   time.Duration
	SendHeartClient     time.Duration
	SendDiscordInterval time.Duration
	ConnectionBuffer    int
}

type Deps struct {
	Alerts    AlertStore
	History   HistoryRecorder
	Notifier  Sender
	Evaluator ConditionEvaluator
	Metrics   *Metrics
	Clock     func() time.Time
}

// asyncTimeout bounds detached side effects so shutdown cannot hang on them
const asyncTimeout = 10 * time.Second

type Engine struct {
	cfg       Config
	alerts    AlertStore
	history   HistoryRecorder
	notifier  Sender
	evaluator ConditionEvaluator
	metrics   *Metrics
	now       func() time.Time

	cache     *Cache
	profiles  *Profiles
	queue     *Queue
	registry  *sse.Registry
	scheduler *scheduler.Scheduler

	async sync.WaitGroup
}

func New(cfg Config, deps Deps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{
		cfg:       cfg,
		alerts:    deps.Alerts,
		history:   deps.History,
		notifier:  deps.Notifier,
		evaluator: deps.Evaluator,
		metrics:   deps.Metrics,
		now:       deps.Clock,
		cache:     NewCache(),
		profiles:  NewProfiles(),
		queue:     NewQueue(),
		registry:  sse.NewRegistry(cfg.ConnectionBuffer),
		scheduler: scheduler.New(),
	}
}

// Start loads the cache once and schedules the periodic tasks
func (e *Engine) Start() error {
	e.scheduler.RunNow("refresh active alerts", e.RefreshActive)

	jobs := []struct {
		name     string
		interval time.Duration
		job      scheduler.Job
	}{
		{"refresh active alerts", e.cfg.RefreshActive, e.RefreshActive},
		{"check subscribed alerts", e.cfg.SendSubscription, e.CheckAlerts},
		{"send queued alerts", e.cfg.SendQueueInterval, e.SendQueued},
		{"send heartbeats", e.cfg.SendHeartClient, e.SendHeartbeats},
		{"send webhook digests", e.cfg.SendDiscordInterval, e.SendDigests},
	}
	for _, j := range jobs {
		if err := e.scheduler.Every(j.name, j.interval, j.job); err != nil {
			return errors.Wrap(err, "could not schedule dispatcher")
		}
	}

	e.scheduler.Start()
	log.Println("🚀 Alert dispatcher started.")
	return nil
}

// Stop halts the periodic tasks, closes every stream and waits for detached
// side effects to finish
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.registry.CloseAll()
	e.async.Wait()
	log.Println("Alert dispatcher stopped.")
}

// Wait blocks until detached side effects spawned so far have finished
func (e *Engine) Wait() {
	e.async.Wait()
}

// goAsync runs fn detached from the caller. Its outcome is never awaited by
// the caller, only by Wait and Stop.
func (e *Engine) goAsync(fn func(ctx context.Context)) {
	e.async.Add(1)
	go func() {
		defer e.async.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// RefreshActive replaces the cache with the active alerts of the store
func (e *Engine) RefreshActive(ctx context.Context) error {
	alerts, users, err := e.alerts.ActiveAlerts(ctx)
	if err != nil {
		return errors.Wrap(err, "could not load active alerts")
	}

	e.profiles.Put(users...)
	userCount, alertCount := e.cache.Replace(alerts)
	e.metrics.CachedUsers.Set(float64(userCount))
	e.metrics.CachedAlerts.Set(float64(alertCount))

	log.Infof("Active alerts count: %d users, %d alerts", userCount, alertCount)
	return nil
}

// CheckAlerts runs one evaluation cycle and queues every match
func (e *Engine) CheckAlerts(ctx context.Context) error {
	matches, err := e.evaluator.Evaluate(ctx, e)
	if err != nil {
		return errors.Wrap(err, "could not evaluate alerts")
	}

	for _, m := range matches {
		if !e.queue.Offer(m.UserID, m.Alert) {
			continue
		}
		e.metrics.AlertsEnqueued.Inc()
		if log.IsLevelEnabled(log.DebugLevel) {
			log.Debugf("queued alert for user %d:\n%s", m.UserID, spew.Sdump(m.Alert))
		}
	}
	e.metrics.QueuedAlerts.Set(float64(e.queue.Len()))
	return nil
}

// Subscribe hands out a live connection of the user, creating one and
// greeting it with the user's current alerts when none is alive
func (e *Engine) Subscribe(userID int64) (*sse.Connection, bool, error) {
	conn, created, err := e.registry.Subscribe(userID, e.greet)
	e.metrics.LiveConnections.Set(float64(e.registry.Count()))
	return conn, created, err
}

func (e *Engine) greet(c *sse.Connection) error {
	alerts := e.InitialAlerts(c.UserID)
	user := e.profiles.Lookup(c.UserID)

	summaries := make([]types.AlertSummary, 0, len(alerts))
	for _, a := range alerts {
		summaries = append(summaries, types.NewAlertSummary(a, user))
	}
	if err := c.Send(sse.EventExistingAlerts, summaries); err != nil {
		return err
	}

	for _, a := range alerts {
		e.recordDelivery(a.ID, c.UserID)
	}
	return nil
}

// InitialAlerts returns the cached alerts sent to a freshly opened stream
func (e *Engine) InitialAlerts(userID int64) []types.Alert {
	var out []types.Alert
	for _, a := range e.cache.Get(userID) {
		if a.IsDigestKind() {
			out = append(out, a)
		}
	}
	return out
}

// Unsubscribe terminates every stream of the user
func (e *Engine) Unsubscribe(userID int64) {
	e.registry.UnsubscribeAll(userID)
	e.metrics.LiveConnections.Set(float64(e.registry.Count()))
}

// Symbols, SubscribedUsers, ActiveAlerts and IsQueued make up the read-only
// view handed to the condition evaluator.

func (e *Engine) Symbols() []string {
	return e.cache.Symbols()
}

func (e *Engine) SubscribedUsers() []int64 {
	return e.registry.Users()
}

func (e *Engine) ActiveAlerts(userID int64) []types.Alert {
	return e.cache.Get(userID)
}

func (e *Engine) IsQueued(userID, alertID int64) bool {
	return e.queue.Contains(userID, alertID)
}

// Pending returns the alerts queued for a user, oldest first
func (e *Engine) Pending(userID int64) []types.Alert {
	return e.queue.Pending(userID)
}

// Profile returns the cached profile of a user
func (e *Engine) Profile(userID int64) (types.User, bool) {
	return e.profiles.Get(userID)
}

// UpdateUserNickname propagates a nickname change to every cached and queued
// alert of the user
func (e *Engine) UpdateUserNickname(userID int64, nickname string) {
	e.profiles.UpdateNickname(userID, nickname)
	log.Infof("✅ nickname of user %d updated to %q", userID, nickname)
}

// UpdateUserWebhook propagates a webhook change to every cached and queued
// alert of the user
func (e *Engine) UpdateUserWebhook(userID int64, webhook string) {
	e.profiles.UpdateWebhook(userID, webhook)
	log.Infof("✅ webhook of user %d updated", userID)
}

// ProfileChange is an upstream change of user profile fields. Nil fields are
// left untouched.
type ProfileChange struct {
	UserID         int64   `json:"user_id"`
	Nickname       *string `json:"nickname,omitempty"`
	DiscordWebhook *string `json:"discord_webhook,omitempty"`
}

func (e *Engine) UpdateUserProfile(change ProfileChange) {
	if change.Nickname != nil {
		e.UpdateUserNickname(change.UserID, *change.Nickname)
	}
	if change.DiscordWebhook != nil {
		e.UpdateUserWebhook(change.UserID, *change.DiscordWebhook)
	}
}

// ActivateAlert loads one alert from the store into the cache without
// waiting for the next refresh. An inactive alert is dropped from the cache.
func (e *Engine) ActivateAlert(ctx context.Context, alertID int64) error {
	alert, user, err := e.alerts.AlertByID(ctx, alertID)
	if err != nil {
		return errors.Wrapf(err, "could not load alert %d", alertID)
	}

	if !alert.Active {
		e.DeactivateAlert(alert.UserID, alert.ID)
		return nil
	}

	e.profiles.Put(user)
	e.cache.Upsert(alert)
	e.updateCacheGauges()
	log.Infof("📢 alert %d of user %d added, active alerts of user: %d", alert.ID, alert.UserID, len(e.cache.Get(alert.UserID)))
	return nil
}

// DeactivateAlert drops one alert from the cache
func (e *Engine) DeactivateAlert(userID, alertID int64) {
	if e.cache.Remove(userID, alertID) {
		e.updateCacheGauges()
	}
	log.Infof("alert %d of user %d removed, active alerts of user: %d", alertID, userID, len(e.cache.Get(userID)))
}

func (e *Engine) updateCacheGauges() {
	users, alerts := e.cache.Len()
	e.metrics.CachedUsers.Set(float64(users))
	e.metrics.CachedAlerts.Set(float64(alerts))
}
