package push

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/secretlove/love-relay/metrics"
	"github.com/secretlove/love-relay/storage"
)

// Outcome describes what a single Dispatch did. Callers never need to act on it.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeNoToken  Outcome = "no_token"
	OutcomeDisabled Outcome = "disabled"
	OutcomeFailed   Outcome = "failed"
)

// TokenStore maps a user to the device token push should target.
type TokenStore interface {
	SetToken(ctx context.Context, userID, token string) error
	Token(ctx context.Context, userID string) (string, error)
}

// Dispatcher makes one best-effort push attempt per call. It never retries and
// never returns an error: failures are logged and reported as an Outcome.
type Dispatcher struct {
	provider Provider
	tokens   TokenStore
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewDispatcher returns a dispatcher. A nil provider disables push.
func NewDispatcher(provider Provider, tokens TokenStore, logger *log.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		tokens:   tokens,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Enabled reports whether a provider is configured.
func (d *Dispatcher) Enabled() bool {
	return d.provider != nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, to, from, message string) Outcome {
	outcome := d.dispatch(ctx, to, from, message)
	if d.metrics != nil {
		d.metrics.PushDispatches.WithLabelValues(string(outcome)).Inc()
	}
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, to, from, message string) Outcome {
	if d.provider == nil {
		d.logger.Warnf("push not configured, skipping notification to %s", to)
		return OutcomeDisabled
	}
	token, err := d.tokens.Token(ctx, to)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && token == "") {
		d.logger.Warnf("no device token for user %s, skipping notification", to)
		return OutcomeNoToken
	}
	if err != nil {
		d.logger.Errorf("fail to look up device token for %s, err: %s", to, err)
		return OutcomeFailed
	}
	n := Notification{
		Token: token,
		Title: "💕 " + from + " sent you a ping!",
		Body:  message,
		Data: map[string]any{
			"from":      from,
			"message":   message,
			"timestamp": d.now().UnixMilli(),
		},
	}
	if err := d.provider.Send(ctx, n); err != nil {
		d.logger.Errorf("fail to send push notification to %s, err: %s", to, err)
		return OutcomeFailed
	}
	d.logger.Infof("push notification sent to %s", to)
	return OutcomeSent
}
