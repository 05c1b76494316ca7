package alert

import (
	"coalarm-dispatch/internal/types"
	"sync"
)

// Profiles is the directory of user profiles referenced by cached and queued
// alerts. Alerts carry only the user id, so a profile change is visible to
// every copy at once.
type Profiles struct {
	mu    sync.RWMutex
	users map[int64]types.User
}

func NewProfiles() *Profiles {
	return &Profiles{users: make(map[int64]types.User)}
}

func (p *Profiles) Put(users ...types.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range users {
		p.users[u.ID] = u
	}
}

func (p *Profiles) Get(userID int64) (types.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[userID]
	return u, ok
}

// Lookup returns the profile of a user or a bare one carrying only the id
func (p *Profiles) Lookup(userID int64) types.User {
	if u, ok := p.Get(userID); ok {
		return u
	}
	return types.User{ID: userID}
}

func (p *Profiles) UpdateNickname(userID int64, nickname string) {
	p.modify(userID, func(u *types.User) { u.Nickname = nickname })
}

func (p *Profiles) UpdateWebhook(userID int64, webhook string) {
	p.modify(userID, func(u *types.User) { u.DiscordWebhook = webhook })
}

func (p *Profiles) modify(userID int64, fn func(*types.User)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		u = types.User{ID: userID}
	}
	fn(&u)
	p.users[userID] = u
}
