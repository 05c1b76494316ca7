// Package notifier delivers digest messages to the external chat target a
// user configured: a Discord webhook URL or a Telegram chat (tg://<chat_id>).
package notifier

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var ErrNoRoute = errors.New("no sender for target")

// ChatSender delivers text to a Telegram chat
type ChatSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// WebhookSender delivers text to an HTTP webhook
type WebhookSender interface {
	Send(ctx context.Context, webhookURL, text string) error
}

// Router picks the sender for a target and paces all outgoing messages
type Router struct {
	webhook  WebhookSender
	telegram ChatSender
	limiter  *rate.Limiter
}

type Option func(*Router)

// WithTelegram enables tg:// targets
func WithTelegram(sender ChatSender) Option {
	return func(r *Router) {
		r.telegram = sender
	}
}

// WithRate limits outgoing messages to perSecond, bursting up to burst
func WithRate(perSecond float64, burst int) Option {
	return func(r *Router) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewRouter(webhook WebhookSender, opts ...Option) *Router {
	r := &Router{
		webhook: webhook,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Send(ctx context.Context, target, text string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.Wrap(ErrNoRoute, "empty target")
	}

	u, err := url.Parse(target)
	if err != nil {
		return errors.Wrapf(err, "invalid target %q", target)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	switch u.Scheme {
	case "http", "https":
		if r.webhook == nil {
			return errors.Wrap(ErrNoRoute, u.Scheme)
		}
		return r.webhook.Send(ctx, target, text)
	case "tg", "telegram":
		if r.telegram == nil {
			return errors.Wrap(ErrNoRoute, "telegram is not configured")
		}
		chatID, err := parseChatID(u)
		if err != nil {
			return err
		}
		return r.telegram.SendText(ctx, chatID, text)
	}
	return errors.Wrapf(ErrNoRoute, "unsupported scheme %q", u.Scheme)
}

// parseChatID accepts tg://123456 and telegram:123456
func parseChatID(u *url.URL) (int64, error) {
	raw := u.Host
	if raw == "" {
		raw = u.Opaque
	}
	if raw == "" {
		raw = strings.TrimPrefix(u.Path, "/")
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid telegram chat id %q", raw)
	}
	return chatID, nil
}
