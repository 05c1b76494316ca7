package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the part of a user profile the dispatcher cares about
type User struct {
	ID             int64  `json:"id"`
	Nickname       string `json:"nickname"`
	DiscordWebhook string `json:"discord_webhook,omitempty"`
}

// HasWebhook reports whether the user configured an external chat target
func (u User) HasWebhook() bool {
	return u.DiscordWebhook != ""
}

// Coin is the market a coin alert watches
type Coin struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// Alert is a user-defined rule checked on every evaluation cycle.
// The owning user is referenced by id only, profile fields are resolved at
// delivery time.
type Alert struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	Coin             Coin            `json:"coin"`
	Title            string          `json:"title"`
	Active           bool            `json:"active"`
	IsTargetPrice    bool            `json:"is_target_price"`
	IsGoldenCross    bool            `json:"is_golden_cross"`
	IsVolumeSpike    bool            `json:"is_volume_spike"`
	TargetPrice      decimal.Decimal `json:"target_price"`
	TargetPercentage decimal.Decimal `json:"target_percentage"`
	CreatedAt        time.Time       `json:"created_at"`
}

// IsDigestKind reports whether the alert kind takes part in the initial
// batch and in the webhook digest
func (a Alert) IsDigestKind() bool {
	return a.IsTargetPrice || a.IsGoldenCross
}

// Ticker is the latest market snapshot for one base symbol
type Ticker struct {
	Symbol     string          `json:"symbol"`
	Quote      string          `json:"quote"`
	Price      decimal.Decimal `json:"price"`
	ShortMA    decimal.Decimal `json:"short_ma"`
	LongMA     decimal.Decimal `json:"long_ma"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Pair returns the symbol pair, e.g. BTC-USDT
func (t Ticker) Pair() string {
	if t.Quote == "" {
		return t.Symbol
	}
	return t.Symbol + "-" + t.Quote
}

// DeliveryRecord marks one delivery of an alert
type DeliveryRecord struct {
	AlertID int64     `json:"alert_id"`
	UserID  int64     `json:"user_id"`
	SentAt  time.Time `json:"sent_at"`
}

// AlertSummary is the payload of "alert" and "existing-alerts" events
type AlertSummary struct {
	AlertID       int64  `json:"alertId"`
	Title         string `json:"title"`
	CoinSymbol    string `json:"symbol"`
	CoinName      string `json:"name"`
	IsTargetPrice bool   `json:"isTargetPrice"`
	IsGoldenCross bool   `json:"isGoldenCross"`
	IsVolumeSpike bool   `json:"isVolumeSpike"`
	Nickname      string `json:"nickname"`
}

// NewAlertSummary builds the push payload for an alert owned by user
func NewAlertSummary(a Alert, u User) AlertSummary {
	return AlertSummary{
		AlertID:       a.ID,
		Title:         a.Title,
		CoinSymbol:    a.Coin.Symbol,
		CoinName:      a.Coin.Name,
		IsTargetPrice: a.IsTargetPrice,
		IsGoldenCross: a.IsGoldenCross,
		IsVolumeSpike: a.IsVolumeSpike,
		Nickname:      u.Nickname,
	}
}
