package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Outcome summarises one dispatch.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRetried   Outcome = "retried"
	OutcomeFallback  Outcome = "fallback"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// DefaultRetryDelay is the pause before the single retry on the primary channel.
const DefaultRetryDelay = time.Second

// Dispatcher sends a message on the target's primary channel, retries it
// once, then tries the secondary channel once.
type Dispatcher struct {
	channels   map[TargetType]Channel
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithChannel registers the channel serving t.
func WithChannel(t TargetType, ch Channel) DispatcherOption {
	return func(d *Dispatcher) {
		if ch != nil {
			d.channels[t] = ch
		}
	}
}

// WithRetryDelay overrides DefaultRetryDelay.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.retryDelay = delay
		}
	}
}

// WithSleep replaces the retry wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

// NewDispatcher returns a Dispatcher with the given channels.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels:   make(map[TargetType]Channel),
		retryDelay: DefaultRetryDelay,
		sleep:      sleepContext,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatch delivers msg and reports how it went. Failures are logged, never
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, caseID string, t Target, msg Message) Outcome {
	log := d.log.With("case_id", caseID)

	if t.Type == TargetNone || !t.has(t.Type) {
		log.Debug("no notify target", "outcome", OutcomeSkipped)
		return OutcomeSkipped
	}

	primary := t.Type
	err := d.send(ctx, primary, t, msg)
	if err == nil {
		d.logOutcome(log, primary, t, OutcomeDelivered, nil)
		return OutcomeDelivered
	}
	log.Warn("notification attempt failed", "channel", primary, "recipient", recipient(primary, t), "error", err)

	if serr := d.sleep(ctx, d.retryDelay); serr == nil {
		if err = d.send(ctx, primary, t, msg); err == nil {
			d.logOutcome(log, primary, t, OutcomeRetried, nil)
			return OutcomeRetried
		}
	} else {
		err = serr
	}

	if secondary := t.secondary(); secondary != TargetNone {
		ferr := d.send(ctx, secondary, t, msg)
		if ferr == nil {
			d.logOutcome(log, secondary, t, OutcomeFallback, nil)
			return OutcomeFallback
		}
		err = ferr
	}

	d.logOutcome(log, primary, t, OutcomeFailed, err)
	return OutcomeFailed
}

func (d *Dispatcher) send(ctx context.Context, ct TargetType, t Target, msg Message) error {
	ch, ok := d.channels[ct]
	if !ok {
		return errChannelNotConfigured(ct)
	}
	return ch.Send(ctx, t, msg)
}

func (d *Dispatcher) logOutcome(log *slog.Logger, ct TargetType, t Target, o Outcome, err error) {
	attrs := []any{"channel", ct, "recipient", recipient(ct, t), "outcome", o}
	if err != nil {
		log.Error("notification failed", append(attrs, "error", err)...)
		return
	}
	log.Info("notification sent", attrs...)
}

type errChannelNotConfigured TargetType

func (e errChannelNotConfigured) Error() string {
	return "channel " + string(e) + " is not configured"
}

// recipient returns the masked identity used in logs.
func recipient(ct TargetType, t Target) string {
	switch ct {
	case TargetLine:
		return Mask(t.LineUserID)
	case TargetPush:
		var sub struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.Unmarshal(t.PushSubscription, &sub); err != nil || sub.Endpoint == "" {
			return Mask(string(t.PushSubscription))
		}
		return Mask(sub.Endpoint)
	default:
		return ""
	}
}

// Mask keeps the first five and last four runes of an identity. Short values
// are fully hidden.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 12 {
		return "***"
	}
	return string(r[:5]) + "…" + string(r[len(r)-4:])
}
