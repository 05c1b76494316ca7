// Package sse keeps the live event streams of users and writes them out over HTTP.
package sse

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrAbsentIdentity is returned when subscribing without a user
var ErrAbsentIdentity = errors.New("absent user identity")

const (
	pingPayload      = "alive-check"
	heartbeatPayload = "keep-alive"
)

// Registry maps users to their live connections. Lists are copy-on-write:
// readers get snapshots and every mutation swaps the whole list under the lock,
// so sends never happen while the lock is held.
type Registry struct {
	mu     sync.Mutex
	conns  map[int64][]*Connection
	buffer int
}

func NewRegistry(buffer int) *Registry {
	return &Registry{
		conns:  make(map[int64][]*Connection),
		buffer: buffer,
	}
}

// Subscribe returns the first existing connection of the user that answers a
// ping, pruning the ones that do not. Without a live one it creates a new
// connection, lets greet queue the first events and registers it. The boolean
// reports whether the connection was created by this call.
func (r *Registry) Subscribe(userID int64, greet func(*Connection) error) (*Connection, bool, error) {
	if userID <= 0 {
		return nil, false, ErrAbsentIdentity
	}

	for _, c := range r.Connections(userID) {
		if err := c.Send(EventPing, pingPayload); err != nil {
			log.Warnf("existing connection %s of user %d is dead: %v", c.ID, userID, err)
			r.UnsubscribeOne(userID, c)
			continue
		}
		log.Infof("reusing live connection %s of user %d", c.ID, userID)
		return c, false, nil
	}

	c := newConnection(userID, r.buffer)
	c.onTerminate = func() { r.UnsubscribeAll(userID) }

	if greet != nil {
		if err := greet(c); err != nil {
			c.close()
			return nil, false, errors.Wrapf(err, "could not greet user %d", userID)
		}
	}

	r.mu.Lock()
	list := make([]*Connection, 0, len(r.conns[userID])+1)
	list = append(list, r.conns[userID]...)
	list = append(list, c)
	r.conns[userID] = list
	total := len(r.conns)
	r.mu.Unlock()

	log.Infof("new connection %s for user %d (users connected: %d, connections of user: %d)", c.ID, userID, total, len(list))
	return c, true, nil
}

// UnsubscribeAll removes and terminates every connection of the user
func (r *Registry) UnsubscribeAll(userID int64) {
	r.mu.Lock()
	list := r.conns[userID]
	delete(r.conns, userID)
	r.mu.Unlock()

	for _, c := range list {
		c.close()
	}
	if len(list) > 0 {
		log.Infof("removed all %d connections of user %d", len(list), userID)
	}
}

// UnsubscribeOne removes and terminates a single connection
func (r *Registry) UnsubscribeOne(userID int64, c *Connection) {
	r.removeIf(userID, func(x *Connection) bool { return x == c })
	c.close()
}

// removeIf drops the matching connections of the user, and the user key when
// nothing is left. It returns the removed connections.
func (r *Registry) removeIf(userID int64, match func(*Connection) bool) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, ok := r.conns[userID]
	if !ok {
		return nil
	}

	var (
		kept    = make([]*Connection, 0, len(list))
		removed []*Connection
	)
	for _, c := range list {
		if match(c) {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}

	if len(kept) == 0 {
		delete(r.conns, userID)
	} else {
		r.conns[userID] = kept
	}
	return removed
}

// Push sends one event to every connection of the user. Connections that fail
// are pruned, the rest stay registered. It returns the number of connections
// that accepted the event.
func (r *Registry) Push(userID int64, name string, payload any) (delivered int, failed int) {
	list := r.Connections(userID)
	if len(list) == 0 {
		return 0, 0
	}

	dead := make(map[*Connection]struct{})
	for _, c := range list {
		if err := c.Send(name, payload); err != nil {
			log.Warnf("%s event to connection %s of user %d failed: %v", name, c.ID, userID, err)
			dead[c] = struct{}{}
			continue
		}
		delivered++
	}

	if len(dead) > 0 {
		for _, c := range r.removeIf(userID, func(c *Connection) bool { _, ok := dead[c]; return ok }) {
			c.close()
		}
	}
	return delivered, len(dead)
}

// Heartbeat sends a keep-alive to every connection and prunes the ones that
// fail. It returns the pruned connections.
func (r *Registry) Heartbeat() []*Connection {
	var pruned []*Connection
	for _, userID := range r.Users() {
		dead := make(map[*Connection]struct{})
		for _, c := range r.Connections(userID) {
			if err := c.Send(EventHeartbeat, heartbeatPayload); err != nil {
				log.Warnf("heartbeat to connection %s of user %d failed: %v", c.ID, userID, err)
				dead[c] = struct{}{}
			}
		}
		if len(dead) == 0 {
			continue
		}
		for _, c := range r.removeIf(userID, func(c *Connection) bool { _, ok := dead[c]; return ok }) {
			c.close()
			pruned = append(pruned, c)
		}
	}
	return pruned
}

// Connections returns a snapshot of the user's connections
func (r *Registry) Connections(userID int64) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.conns[userID]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Connection, len(list))
	copy(out, list)
	return out
}

// Users returns the users with at least one live connection, in id order
func (r *Registry) Users() []int64 {
	r.mu.Lock()
	users := make([]int64, 0, len(r.conns))
	for userID := range r.conns {
		users = append(users, userID)
	}
	r.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (r *Registry) HasConnections(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[userID]) > 0
}

// Count returns the number of live connections over all users
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, list := range r.conns {
		n += len(list)
	}
	return n
}

// CloseAll terminates every connection, used on shutdown
func (r *Registry) CloseAll() {
	for _, userID := range r.Users() {
		r.UnsubscribeAll(userID)
	}
}
