package alert

import (
	"coalarm-dispatch/internal/types"
	"sort"
	"sync"
	"sync/atomic"
)

type cacheSnapshot struct {
	byUser map[int64][]types.Alert
	alerts int
}

// Cache holds the active alerts grouped by user. Readers see one immutable
// snapshot, writers build a new snapshot and swap it in.
type Cache struct {
	current atomic.Pointer[cacheSnapshot]
	mu      sync.Mutex
}

func NewCache() *Cache {
	c := &Cache{}
	c.current.Store(&cacheSnapshot{byUser: map[int64][]types.Alert{}})
	return c
}

// Replace swaps the whole mapping for a fresh grouping of alerts. It returns
// the number of users and alerts cached.
func (c *Cache) Replace(alerts []types.Alert) (int, int) {
	byUser := make(map[int64][]types.Alert)
	for _, a := range alerts {
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}

	c.mu.Lock()
	c.current.Store(&cacheSnapshot{byUser: byUser, alerts: len(alerts)})
	c.mu.Unlock()

	return len(byUser), len(alerts)
}

// Get returns a copy of the user's cached alerts, empty when the user has none
func (c *Cache) Get(userID int64) []types.Alert {
	list := c.current.Load().byUser[userID]
	out := make([]types.Alert, len(list))
	copy(out, list)
	return out
}

// Users returns the cached users in id order
func (c *Cache) Users() []int64 {
	snap := c.current.Load()
	users := make([]int64, 0, len(snap.byUser))
	for userID := range snap.byUser {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Symbols returns the distinct coin symbols referenced by cached alerts
func (c *Cache) Symbols() []string {
	seen := make(map[string]struct{})
	var symbols []string
	for _, list := range c.current.Load().byUser {
		for _, a := range list {
			if a.Coin.Symbol == "" {
				continue
			}
			if _, ok := seen[a.Coin.Symbol]; ok {
				continue
			}
			seen[a.Coin.Symbol] = struct{}{}
			symbols = append(symbols, a.Coin.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// Len returns the number of cached users and alerts
func (c *Cache) Len() (int, int) {
	snap := c.current.Load()
	return len(snap.byUser), snap.alerts
}

// Upsert adds an alert to its user's list, replacing one with the same id
func (c *Cache) Upsert(alert types.Alert) {
	c.update(func(byUser map[int64][]types.Alert) {
		list := byUser[alert.UserID]
		next := make([]types.Alert, 0, len(list)+1)
		for _, a := range list {
			if a.ID != alert.ID {
				next = append(next, a)
			}
		}
		byUser[alert.UserID] = append(next, alert)
	})
}

// Remove drops one alert of a user, and the user when nothing is left.
// It reports whether the alert was cached.
func (c *Cache) Remove(userID, alertID int64) bool {
	removed := false
	c.update(func(byUser map[int64][]types.Alert) {
		list, ok := byUser[userID]
		if !ok {
			return
		}
		next := make([]types.Alert, 0, len(list))
		for _, a := range list {
			if a.ID == alertID {
				removed = true
				continue
			}
			next = append(next, a)
		}
		if len(next) == 0 {
			delete(byUser, userID)
		} else {
			byUser[userID] = next
		}
	})
	return removed
}

func (c *Cache) update(fn func(map[int64][]types.Alert)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	byUser := make(map[int64][]types.Alert, len(old.byUser))
	for userID, list := range old.byUser {
		byUser[userID] = list
	}
	fn(byUser)

	n := 0
	for _, list := range byUser {
		n += len(list)
	}
	c.current.Store(&cacheSnapshot{byUser: byUser, alerts: n})
}
