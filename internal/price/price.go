// Package price keeps the ticker table fresh. Every cycle it fetches the
// CoinPaprika tickers, picks the symbols some alert tracks and stores their
// price together with the short and long moving averages.
package price

import (
	"coalarm-dispatch/internal/scheduler"
	"coalarm-dispatch/internal/types"
	"context"
	"strings"
	"time"

	"github.com/coinpaprika/coinpaprika-api-go-client/v2/coinpaprika"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// TickerLister is the part of the CoinPaprika client the updater uses
type TickerLister interface {
	List(options *coinpaprika.TickersOptions) ([]*coinpaprika.Ticker, error)
}

// Store persists tickers and their price history
type Store interface {
	TrackedSymbols(ctx context.Context) ([]string, error)
	MovingAverage(ctx context.Context, symbol string, n int) (decimal.Decimal, int, error)
	UpsertTicker(ctx context.Context, t types.Ticker) error
	PruneTickerHistory(ctx context.Context, symbol string, keep int) error
}

type Options struct {
	Quote       string
	ShortPeriod int
	LongPeriod  int
	Clock       func() time.Time
}

type Updater struct {
	source TickerLister
	store  Store
	opts   Options
	sched  *scheduler.Scheduler
}

// NewClient returns a CoinPaprika client, authenticated when a pro key is set
func NewClient(apiProKey string) *coinpaprika.Client {
	if apiProKey != "" {
		return coinpaprika.NewClient(nil, coinpaprika.WithAPIKey(apiProKey))
	}
	return coinpaprika.NewClient(nil)
}

func NewUpdater(source TickerLister, store Store, opts Options) *Updater {
	if opts.Quote == "" {
		opts.Quote = "USD"
	}
	opts.Quote = strings.ToUpper(opts.Quote)
	if opts.ShortPeriod < 1 {
		opts.ShortPeriod = 7
	}
	if opts.LongPeriod < opts.ShortPeriod {
		opts.LongPeriod = opts.ShortPeriod
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Updater{
		source: source,
		store:  store,
		opts:   opts,
	}
}

// Start refreshes tickers once and then on every interval
func (u *Updater) Start(interval time.Duration) error {
	u.sched = scheduler.New()
	u.sched.RunNow("update tickers", u.Update)
	if err := u.sched.Every("update tickers", interval, u.Update); err != nil {
		return err
	}
	u.sched.Start()
	log.Infof("🚀 Price updater started, refreshing every %s", interval)
	return nil
}

func (u *Updater) Stop() {
	if u.sched != nil {
		u.sched.Stop()
	}
}

// Update runs one refresh cycle
func (u *Updater) Update(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("🔥 panic recovered in price updater: %v", r)
		}
	}()

	symbols, err := u.store.TrackedSymbols(ctx)
	if err != nil {
		return errors.Wrap(err, "could not load tracked symbols")
	}
	if len(symbols) == 0 {
		log.Debug("no tracked symbols, skipping ticker update")
		return nil
	}

	tickers, err := u.source.List(&coinpaprika.TickersOptions{Quotes: u.opts.Quote})
	if err != nil {
		return errors.Wrap(err, "❌ failed to fetch tickers")
	}

	prices := u.pickPrices(tickers, symbols)
	observedAt := u.opts.Clock()
	updated := 0
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok {
			log.Debugf("no %s quote for %s", u.opts.Quote, symbol)
			continue
		}
		if err := u.save(ctx, symbol, price, observedAt); err != nil {
			log.Errorf("could not store ticker %s: %v", symbol, err)
			continue
		}
		updated++
	}

	log.Debugf("✅ %d of %d tickers updated", updated, len(symbols))
	return nil
}

// pickPrices maps each tracked symbol to the quote of the best ranked coin
// carrying it
func (u *Updater) pickPrices(tickers []*coinpaprika.Ticker, symbols []string) map[string]decimal.Decimal {
	wanted := make(map[string]string, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(s)] = s
	}

	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, t := range tickers {
		if t == nil || t.Symbol == nil {
			continue
		}
		symbol, ok := wanted[strings.ToUpper(*t.Symbol)]
		if !ok {
			continue
		}
		if _, seen := prices[symbol]; seen {
			continue
		}
		quote, ok := t.Quotes[u.opts.Quote]
		if !ok || quote.Price == nil {
			continue
		}
		prices[symbol] = decimal.NewFromFloat(*quote.Price)
	}
	return prices
}

// save stores a price and the moving averages that include it
func (u *Updater) save(ctx context.Context, symbol string, price decimal.Decimal, observedAt time.Time) error {
	shortMA, err := u.average(ctx, symbol, u.opts.ShortPeriod, price)
	if err != nil {
		return err
	}
	longMA, err := u.average(ctx, symbol, u.opts.LongPeriod, price)
	if err != nil {
		return err
	}

	err = u.store.UpsertTicker(ctx, types.Ticker{
		Symbol:     symbol,
		Quote:      u.opts.Quote,
		Price:      price,
		ShortMA:    shortMA,
		LongMA:     longMA,
		ObservedAt: observedAt,
	})
	if err != nil {
		return err
	}
	return u.store.PruneTickerHistory(ctx, symbol, u.opts.LongPeriod)
}

// average is the mean of the last period-1 stored prices and the new one
func (u *Updater) average(ctx context.Context, symbol string, period int, price decimal.Decimal) (decimal.Decimal, error) {
	if period <= 1 {
		return price, nil
	}
	prev, n, err := u.store.MovingAverage(ctx, symbol, period-1)
	if err != nil {
		return decimal.Zero, err
	}
	sum := prev.Mul(decimal.NewFromInt(int64(n))).Add(price)
	return sum.Div(decimal.NewFromInt(int64(n + 1))), nil
}
