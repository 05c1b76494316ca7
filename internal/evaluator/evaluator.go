// Package evaluator decides which cached alerts qualify for delivery on the
// current market snapshot.
package evaluator

import (
	"coalarm-dispatch/internal/types"
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CooldownWindow is the trailing span during which a delivered alert is not
// delivered again
const CooldownWindow = 30 * time.Second

// View is the read-only slice of dispatcher state the evaluator works on
type View interface {
	Symbols() []string
	SubscribedUsers() []int64
	ActiveAlerts(userID int64) []types.Alert
	IsQueued(userID, alertID int64) bool
}

type TickerSource interface {
	LatestTickers(ctx context.Context, symbols []string) ([]types.Ticker, error)
}

type HistorySource interface {
	RecentAlertIDs(ctx context.Context, since time.Time) ([]int64, error)
}

// Match is an alert that qualified for delivery to its owner
type Match struct {
	UserID int64
	Alert  types.Alert
	Ticker types.Ticker
}

type Evaluator struct {
	tickers TickerSource
	history HistorySource
	now     func() time.Time
}

type Option func(*Evaluator)

// WithClock replaces time.Now, used to place the cooldown window
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

func New(tickers TickerSource, history HistorySource, opts ...Option) *Evaluator {
	e := &Evaluator{
		tickers: tickers,
		history: history,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate fetches the latest tickers for every cached symbol and the
// cooldown set in one batch each, then returns the alerts of subscribed users
// whose condition holds, that are outside the cooldown window and not queued yet.
func (e *Evaluator) Evaluate(ctx context.Context, view View) ([]Match, error) {
	users := view.SubscribedUsers()
	if len(users) == 0 {
		return nil, nil
	}

	symbols := view.Symbols()
	if len(symbols) == 0 {
		return nil, nil
	}

	tickerList, err := e.tickers.LatestTickers(ctx, symbols)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch latest tickers")
	}
	tickers := make(map[string]types.Ticker, len(tickerList))
	for _, t := range tickerList {
		if _, ok := tickers[t.Symbol]; !ok {
			tickers[t.Symbol] = t
		}
	}

	recentIDs, err := e.history.RecentAlertIDs(ctx, e.now().Add(-CooldownWindow))
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch recent alert history")
	}
	recent := make(map[int64]struct{}, len(recentIDs))
	for _, id := range recentIDs {
		recent[id] = struct{}{}
	}

	var matches []Match
	for _, userID := range users {
		for _, alert := range view.ActiveAlerts(userID) {
			ticker, ok := tickers[alert.Coin.Symbol]
			if !ok {
				continue
			}
			if !IsPriceReached(alert, ticker) {
				continue
			}
			if !IsPriceStillValid(alert, recent) {
				log.Debugf("alert %d of user %d is cooling down", alert.ID, userID)
				continue
			}
			if view.IsQueued(userID, alert.ID) {
				continue
			}
			log.Infof("condition matched: alert %d (%s) of user %d at %s %s",
				alert.ID, alert.Title, userID, ticker.Pair(), ticker.Price.String())
			matches = append(matches, Match{UserID: userID, Alert: alert, Ticker: ticker})
		}
	}

	return matches, nil
}
