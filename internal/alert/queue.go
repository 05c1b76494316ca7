package alert

import (
	"coalarm-dispatch/internal/types"
	"sort"
	"sync"
)

type userQueue struct {
	mu    sync.Mutex
	items []types.Alert
	ids   map[int64]struct{}
}

// Queue keeps one FIFO of pending alerts per user. A user's FIFO never holds
// two alerts with the same id. Users do not share locks.
type Queue struct {
	queues sync.Map // map[int64]*userQueue
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) queueOf(userID int64) *userQueue {
	if uq, ok := q.queues.Load(userID); ok {
		return uq.(*userQueue)
	}
	uq, _ := q.queues.LoadOrStore(userID, &userQueue{ids: make(map[int64]struct{})})
	return uq.(*userQueue)
}

// Offer appends the alert unless an alert with the same id is already
// queued for the user. It reports whether the alert was added.
func (q *Queue) Offer(userID int64, alert types.Alert) bool {
	uq := q.queueOf(userID)
	uq.mu.Lock()
	defer uq.mu.Unlock()

	if _, queued := uq.ids[alert.ID]; queued {
		return false
	}
	uq.ids[alert.ID] = struct{}{}
	uq.items = append(uq.items, alert)
	return true
}

// Poll removes and returns the oldest alert of the user
func (q *Queue) Poll(userID int64) (types.Alert, bool) {
	v, ok := q.queues.Load(userID)
	if !ok {
		return types.Alert{}, false
	}
	uq := v.(*userQueue)
	uq.mu.Lock()
	defer uq.mu.Unlock()

	if len(uq.items) == 0 {
		return types.Alert{}, false
	}
	alert := uq.items[0]
	uq.items[0] = types.Alert{}
	uq.items = uq.items[1:]
	delete(uq.ids, alert.ID)
	return alert, true
}

func (q *Queue) Contains(userID, alertID int64) bool {
	v, ok := q.queues.Load(userID)
	if !ok {
		return false
	}
	uq := v.(*userQueue)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	_, queued := uq.ids[alertID]
	return queued
}

// Pending returns a copy of the user's queued alerts, oldest first
func (q *Queue) Pending(userID int64) []types.Alert {
	v, ok := q.queues.Load(userID)
	if !ok {
		return nil
	}
	uq := v.(*userQueue)
	uq.mu.Lock()
	defer uq.mu.Unlock()
	out := make([]types.Alert, len(uq.items))
	copy(out, uq.items)
	return out
}

// Users returns the users with a non-empty queue, in id order
func (q *Queue) Users() []int64 {
	var users []int64
	q.queues.Range(func(k, v any) bool {
		uq := v.(*userQueue)
		uq.mu.Lock()
		n := len(uq.items)
		uq.mu.Unlock()
		if n > 0 {
			users = append(users, k.(int64))
		}
		return true
	})
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Len returns the number of queued alerts over all users
func (q *Queue) Len() int {
	n := 0
	q.queues.Range(func(_, v any) bool {
		uq := v.(*userQueue)
		uq.mu.Lock()
		n += len(uq.items)
		uq.mu.Unlock()
		return true
	})
	return n
}
