package alert

import (
	"coalarm-dispatch/internal/types"
	"coalarm-dispatch/lib/helpers"
	"coalarm-dispatch/lib/translation"
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SendDigests hands one aggregated message per user to the webhook sender,
// listing every cached target-price or golden-cross alert of the user. It
// ignores the cooldown window and the delivery queue.
func (e *Engine) SendDigests(ctx context.Context) error {
	for _, userID := range e.cache.Users() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var alerts []types.Alert
		for _, a := range e.cache.Get(userID) {
			if a.IsDigestKind() {
				alerts = append(alerts, a)
			}
		}
		if len(alerts) == 0 {
			continue
		}

		user, ok := e.profiles.Get(userID)
		if !ok || !user.HasWebhook() {
			continue
		}

		e.sendDigest(user, ComposeDigest(user, alerts))
	}
	return nil
}

func (e *Engine) sendDigest(user types.User, message string) {
	target := user.DiscordWebhook
	e.goAsync(func(ctx context.Context) {
		if err := e.notifier.Send(ctx, target, message); err != nil {
			e.metrics.DigestFailures.Inc()
			log.Errorf("❌ could not send digest to user %d: %v", user.ID, err)
			return
		}
		e.metrics.DigestsSent.Inc()
		log.Debugf("digest sent to user %d", user.ID)
	})
}

// ComposeDigest renders the digest text, one line per alert
func ComposeDigest(user types.User, alerts []types.Alert) string {
	var b strings.Builder
	b.WriteString(translation.Translate("👤 Nickname: %s", user.Nickname))
	b.WriteString("\n")
	for _, a := range alerts {
		if a.IsTargetPrice && a.TargetPrice.IsPositive() {
			b.WriteString(translation.Translate("📢 (coin) %s, (title) %s, (target) $%s",
				a.Coin.Symbol, a.Title, helpers.FormatPriceUS(a.TargetPrice.InexactFloat64(), false)))
		} else {
			b.WriteString(translation.Translate("📢 (coin) %s, (title) %s", a.Coin.Symbol, a.Title))
		}
		b.WriteString("\n")
	}
	return b.String()
}
