package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/wtf-ops/backend/internal/delivery"
	"github.com/wtf-ops/backend/internal/events"
	"github.com/wtf-ops/backend/internal/metrics"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

type Readiness interface {
	IsReady(ctx context.Context, ch models.Channel) bool
	Invalidate(channelID string)
}

type SnapshotSource interface {
	Snapshot() *registry.State
}

// Tracker receives every record the dispatcher produces. Routed records get
// an escalation timer; failed ones are only kept for the audit trail.
type Tracker interface {
	Track(msg models.ClassifiedMessage, rule models.RoutingRule, rec models.DispatchRecord) models.DispatchRecord
}

type Options struct {
	RetryBase          time.Duration
	RetryFactor        float64
	MaxAttempts        int
	RatePerSec         float64
	RateBurst          int
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	FallbackChannelID  string
}

func (o Options) withDefaults() Options {
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryFactor < 1 {
		o.RetryFactor = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerOpenTimeout <= 0 {
		o.BreakerOpenTimeout = 30 * time.Second
	}
	return o
}

type Dispatcher struct {
	Channels Readiness
	Catalog  SnapshotSource
	Notifier delivery.Notifier
	Events   events.Publisher
	Tracker  Tracker
	Logger   zerolog.Logger
	Clock    clock.Clock

	opts  Options
	mu    sync.Mutex
	lanes map[string]*lane
}

// lane serializes deliveries to one channel.
type lane struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func New(catalog SnapshotSource, channels Readiness, notifier delivery.Notifier, pub events.Publisher, opts Options, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{
		Channels: channels,
		Catalog:  catalog,
		Notifier: notifier,
		Events:   pub,
		Logger:   logger.With().Str("component", "dispatcher").Logger(),
		Clock:    clk,
		opts:     opts.withDefaults(),
		lanes:    map[string]*lane{},
	}
}

// Dispatch delivers msg to the rule's channel and hands the resulting record
// to the tracker. snap is the configuration msg was resolved against; nil
// means the current one. When the channel is not delivery-ready and a
// fallback channel is configured, the fallback is tried once.
func (d *Dispatcher) Dispatch(ctx context.Context, snap *registry.State, msg models.ClassifiedMessage, rule models.RoutingRule) (models.DispatchRecord, error) {
	if snap == nil {
		snap = d.Catalog.Snapshot()
	}
	rec, err := d.deliver(ctx, snap, msg, rule, 0)
	if err != nil && errors.Is(err, models.ErrChannelUnavailable) &&
		d.opts.FallbackChannelID != "" && d.opts.FallbackChannelID != rule.ChannelID {
		fallback := rule
		fallback.ChannelID = d.opts.FallbackChannelID
		d.Logger.Warn().Str("message_id", msg.ID).Str("channel_id", rule.ChannelID).
			Str("fallback_channel_id", fallback.ChannelID).Msg("primary channel unavailable, trying fallback")
		rule = fallback
		rec, err = d.deliver(ctx, snap, msg, rule, 0)
	}
	if d.Tracker != nil && rec.ID != "" {
		rec = d.Tracker.Track(msg, rule, rec)
	}
	return rec, err
}

// Redeliver sends an escalation notification at the given level without
// tracking it.
func (d *Dispatcher) Redeliver(ctx context.Context, snap *registry.State, msg models.ClassifiedMessage, rule models.RoutingRule, level int) (models.DispatchRecord, error) {
	if snap == nil {
		snap = d.Catalog.Snapshot()
	}
	return d.deliver(ctx, snap, msg, rule, level)
}

func (d *Dispatcher) deliver(ctx context.Context, snap *registry.State, msg models.ClassifiedMessage, rule models.RoutingRule, level int) (models.DispatchRecord, error) {
	ch, ok := snap.Channel(rule.ChannelID)
	if !ok || !d.Channels.IsReady(ctx, ch) {
		d.publish(models.Event{
			Type:      events.TypeChannelUnavailable,
			Code:      models.CodeChannelUnavailable,
			MessageID: msg.ID,
			ChannelID: rule.ChannelID,
			RuleID:    rule.ID,
			Message:   "Channel is not delivery-ready; the delivery agent may have been removed from the group",
			Details:   map[string]any{"escalation_level": level, "configured": ok},
		})
		return models.DispatchRecord{}, models.NewError(models.CodeChannelUnavailable, nil, "channel %s is not delivery-ready", rule.ChannelID)
	}
	cat, _ := snap.Category(rule.CategoryID)
	payload := delivery.Format(msg, rule, cat, ch, level)

	l := d.lane(ch.ID)
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := models.DispatchRecord{
		ID:              uuid.NewString(),
		MessageID:       msg.ID,
		RuleID:          rule.ID,
		ChannelID:       ch.ID,
		EscalationLevel: level,
	}
	start := d.Clock.Now()
	attempts, err := d.send(ctx, l, ch.ID, payload)
	metrics.DeliveryLatency.WithLabelValues(ch.ID).Observe(d.Clock.Since(start).Seconds())
	rec.Attempts = attempts
	now := d.Clock.Now().UTC()

	if err != nil {
		rec.State = models.StateFailed
		rec.LastError = err.Error()
		rec.History = []models.Transition{{To: models.StateFailed, At: now, Reason: err.Error()}}
		code := models.CodeDeliveryTransientFailure
		if errors.Is(err, delivery.ErrPermanent) {
			code = models.CodeChannelUnavailable
			d.Channels.Invalidate(ch.ID)
		}
		d.publish(models.Event{
			Type:      events.TypeDeliveryFailed,
			Code:      code,
			MessageID: msg.ID,
			ChannelID: ch.ID,
			RuleID:    rule.ID,
			Message:   "Delivery failed",
			Details:   map[string]any{"attempts": attempts, "error": err.Error(), "escalation_level": level},
		})
		return rec, models.NewError(code, err, "delivery to %s failed after %d attempt(s)", ch.ID, attempts)
	}

	rec.State = models.StateRouted
	rec.DispatchedAt = now
	rec.History = []models.Transition{{To: models.StateRouted, At: now, Reason: "delivered to " + ch.Name}}
	d.Logger.Info().Str("message_id", msg.ID).Str("rule_id", rule.ID).Str("channel_id", ch.ID).
		Int("attempts", attempts).Int("escalation_level", level).Msg("message routed")
	return rec, nil
}

func (d *Dispatcher) send(ctx context.Context, l *lane, channelID string, p delivery.Payload) (int, error) {
	delay := d.opts.RetryBase
	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if err := l.limiter.Wait(ctx); err != nil {
			return attempt - 1, err
		}
		_, err := l.breaker.Execute(func() (interface{}, error) {
			return nil, d.Notifier.DeliverNotification(ctx, channelID, p)
		})
		if err == nil {
			metrics.DispatchAttempts.WithLabelValues(channelID, "ok").Inc()
			return attempt, nil
		}
		metrics.DispatchAttempts.WithLabelValues(channelID, "error").Inc()
		lastErr = err
		if errors.Is(err, delivery.ErrPermanent) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return attempt, err
		}
		if attempt == d.opts.MaxAttempts {
			break
		}
		d.Logger.Warn().Err(err).Str("channel_id", channelID).Int("attempt", attempt).
			Dur("backoff", delay).Msg("delivery failed, retrying")
		select {
		case <-d.Clock.After(delay):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
		delay = time.Duration(float64(delay) * d.opts.RetryFactor)
	}
	return d.opts.MaxAttempts, lastErr
}

func (d *Dispatcher) lane(channelID string) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[channelID]; ok {
		return l
	}
	limit := rate.Inf
	if d.opts.RatePerSec > 0 {
		limit = rate.Limit(d.opts.RatePerSec)
	}
	failures := d.opts.BreakerFailures
	l := &lane{
		limiter: rate.NewLimiter(limit, d.opts.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "channel:" + channelID,
			MaxRequests: 1,
			Timeout:     d.opts.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
				metrics.BreakerState.WithLabelValues(channelID).Set(float64(to))
			},
		}),
	}
	d.lanes[channelID] = l
	return l
}

func (d *Dispatcher) publish(ev models.Event) {
	if d.Events != nil {
		d.Events.Publish(ev)
	}
}
