package alert

import (
	"coalarm-dispatch/internal/sse"
	"coalarm-dispatch/internal/types"
	"context"

	log "github.com/sirupsen/logrus"
)

// SendQueued pops at most one alert per user and pushes it to the user's
// live connections, pacing bursts to one alert per user per tick
func (e *Engine) SendQueued(ctx context.Context) error {
	for _, userID := range e.queue.Users() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		alert, ok := e.queue.Poll(userID)
		if !ok {
			continue
		}
		e.push(userID, alert)
	}
	e.metrics.QueuedAlerts.Set(float64(e.queue.Len()))
	e.metrics.LiveConnections.Set(float64(e.registry.Count()))
	return nil
}

func (e *Engine) push(userID int64, alert types.Alert) {
	summary := types.NewAlertSummary(alert, e.profiles.Lookup(userID))

	delivered, failed := e.registry.Push(userID, sse.EventAlert, summary)
	if failed > 0 {
		e.metrics.PushFailures.Add(float64(failed))
	}
	if delivered == 0 {
		log.Debugf("alert %d of user %d dropped, no live connection", alert.ID, userID)
		return
	}

	e.metrics.AlertsPushed.Inc()
	log.Infof("✅ alert %d pushed to %d connection(s) of user %d", alert.ID, delivered, userID)
	e.recordDelivery(alert.ID, userID)
}

// recordDelivery appends a delivery record without waiting for it. A lost
// record only widens the window in which the alert may be delivered again.
func (e *Engine) recordDelivery(alertID, userID int64) {
	sentAt := e.now()
	e.goAsync(func(ctx context.Context) {
		if err := e.history.AddAlertHistory(ctx, alertID, userID, sentAt); err != nil {
			e.metrics.HistoryFailures.Inc()
			log.Errorf("❌ could not record delivery of alert %d to user %d: %v", alertID, userID, err)
		}
	})
}
