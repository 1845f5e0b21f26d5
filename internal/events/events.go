// Package events carries operator-facing notices: messages that reached no
// one, abandoned escalations, unavailable channels and rejected configuration.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wtf-ops/backend/internal/metrics"
	"github.com/wtf-ops/backend/internal/models"
)

const (
	TypeUnrouted            = "unrouted"
	TypeChannelUnavailable  = "channel_unavailable"
	TypeDeliveryFailed      = "delivery_failed"
	TypeEscalationAbandoned = "escalation_abandoned"
	TypeConfigInvalid       = "config_invalid"
	TypeRuleSkipped         = "rule_skipped"
)

type Handler func(models.Event)

// Publisher is what engine components depend on.
type Publisher interface {
	Publish(ev models.Event)
}

// Bus dispatches events synchronously to subscribers and keeps the most
// recent ones for the dashboard.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[string][]Handler
	allHandlers []Handler
	recent      []models.Event
	next        int
	full        bool
	logger      zerolog.Logger
	now         func() time.Time
}

func NewBus(capacity int, logger zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 500
	}
	return &Bus{
		handlers: map[string][]Handler{},
		recent:   make([]models.Event, capacity),
		logger:   logger.With().Str("component", "events").Logger(),
		now:      time.Now,
	}
}

func (b *Bus) Publish(ev models.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now().UTC()
	}

	b.mu.Lock()
	b.recent[b.next] = ev
	b.next = (b.next + 1) % len(b.recent)
	if b.next == 0 {
		b.full = true
	}
	typed := append([]Handler(nil), b.handlers[ev.Type]...)
	all := append([]Handler(nil), b.allHandlers...)
	b.mu.Unlock()

	metrics.OperatorEvents.WithLabelValues(ev.Type).Inc()
	logEvent := b.logger.Warn()
	if ev.Type == TypeEscalationAbandoned || ev.Type == TypeUnrouted {
		logEvent = b.logger.Error()
	}
	logEvent.Str("type", ev.Type).Str("code", ev.Code).
		Str("message_id", ev.MessageID).Str("channel_id", ev.ChannelID).Str("rule_id", ev.RuleID).
		Msg(ev.Message)

	for _, h := range typed {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}

func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, h)
}

// Recent returns up to limit events, newest first, optionally filtered by
// type.
func (b *Bus) Recent(eventType string, limit int) []models.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	size := b.next
	if b.full {
		size = len(b.recent)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]models.Event, 0, limit)
	for i := 0; i < size && len(out) < limit; i++ {
		idx := (b.next - 1 - i + len(b.recent)) % len(b.recent)
		ev := b.recent[idx]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}
