// Package listener follows user profile changes published by the account
// service over Postgres LISTEN/NOTIFY and hands them to the dispatcher.
package listener

import (
	"coalarm-dispatch/internal/alert"
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// idleCheck is how long the listener waits for a notification before it
// pings the connection
const idleCheck = 90 * time.Second

// ProfileUpdater applies a profile change to the live dispatcher state
type ProfileUpdater interface {
	UpdateUserProfile(change alert.ProfileChange)
}

// Decode parses a notification payload
func Decode(payload string) (alert.ProfileChange, error) {
	var change alert.ProfileChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return change, errors.Wrap(err, "could not decode profile change")
	}
	if change.UserID <= 0 {
		return change, errors.Errorf("profile change without user id: %s", payload)
	}
	return change, nil
}

// Apply decodes payload and forwards it to updater
func Apply(updater ProfileUpdater, payload string) error {
	change, err := Decode(payload)
	if err != nil {
		return err
	}
	updater.UpdateUserProfile(change)
	log.Debugf("profile change applied for user %d", change.UserID)
	return nil
}

// Listen subscribes to channel on dsn and applies every notification until
// ctx is done
func Listen(ctx context.Context, dsn, channel string, updater ProfileUpdater) error {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Errorf("postgres listener error: %v", err)
			}
		},
	)
	defer listener.Close()

	if err := listener.Listen(channel); err != nil {
		return errors.Wrapf(err, "could not listen to channel %s", channel)
	}
	log.Infof("listening for profile changes on channel %s", channel)

	return consume(ctx, listener.Notify, listener.Ping, updater)
}

func consume(ctx context.Context, notify <-chan *pq.Notification, ping func() error, updater ProfileUpdater) error {
	timer := time.NewTimer(idleCheck)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notify:
			if !ok {
				return errors.New("listener closed")
			}
			// nil marks a reconnect, changes sent meanwhile are lost
			if n == nil {
				log.Warn("postgres listener reconnected")
				continue
			}
			if err := Apply(updater, n.Extra); err != nil {
				log.Errorf("could not apply notification on %s: %v", n.Channel, err)
			}
		case <-timer.C:
			go func() {
				if err := ping(); err != nil {
					log.Errorf("listener ping error: %v", err)
				}
			}()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idleCheck)
	}
}
