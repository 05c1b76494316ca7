package alert

import (
	"context"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// SendHeartbeats sends a keep-alive to every live connection and prunes the
// connections that fail
func (e *Engine) SendHeartbeats(ctx context.Context) error {
	pruned := e.registry.Heartbeat()
	for _, c := range pruned {
		log.Warnf("heartbeat failed, pruned connection %s of user %d opened %s",
			c.ID, c.UserID, humanize.Time(c.CreatedAt))
	}
	if len(pruned) > 0 {
		e.metrics.ConnectionsPruned.Add(float64(len(pruned)))
	}
	e.metrics.LiveConnections.Set(float64(e.registry.Count()))
	return nil
}
