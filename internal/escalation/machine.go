// Package escalation tracks dispatch records until they are acknowledged,
// re-routing unacknowledged ones to more urgent rules when their window
// elapses.
package escalation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/wtf-ops/backend/internal/events"
	"github.com/wtf-ops/backend/internal/metrics"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
	"github.com/wtf-ops/backend/internal/routing"
)

const (
	DefaultMaxLevel = 3
	// DefaultRetention is how many terminal records stay in memory; older
	// ones are only in the audit store.
	DefaultRetention = 1000
)

type Redeliverer interface {
	Redeliver(ctx context.Context, snap *registry.State, msg models.ClassifiedMessage, rule models.RoutingRule, level int) (models.DispatchRecord, error)
}

type SnapshotSource interface {
	Snapshot() *registry.State
}

// AuditStore persists every state change of a record.
type AuditStore interface {
	SaveDispatchRecord(ctx context.Context, rec models.DispatchRecord) error
}

type Machine struct {
	catalog   SnapshotSource
	redeliver Redeliverer
	events    events.Publisher
	audit     AuditStore
	clock     clock.WithDelayedExecution
	maxLevel  int
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	byID      map[string]*entry
	byMessage map[string][]*entry
	retain    int
	retired   []string
}

type entry struct {
	mu      sync.Mutex
	rec     models.DispatchRecord
	msg     models.ClassifiedMessage
	rule    models.RoutingRule
	timeout time.Duration
	timer   clock.Timer
	gen     uint64
}

func New(catalog SnapshotSource, redeliver Redeliverer, pub events.Publisher, audit AuditStore, maxLevel int, clk clock.WithDelayedExecution, logger zerolog.Logger) *Machine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxLevel <= 0 {
		maxLevel = DefaultMaxLevel
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		catalog:   catalog,
		redeliver: redeliver,
		events:    pub,
		audit:     audit,
		clock:     clk,
		maxLevel:  maxLevel,
		logger:    logger.With().Str("component", "escalation").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		byID:      map[string]*entry{},
		byMessage: map[string][]*entry{},
		retain:    DefaultRetention,
	}
}

// SetRetention bounds how many acknowledged, abandoned or failed records are
// kept for lookups. n <= 0 restores the default.
func (m *Machine) SetRetention(n int) {
	if n <= 0 {
		n = DefaultRetention
	}
	m.mu.Lock()
	m.retain = n
	m.evictLocked()
	m.mu.Unlock()
}

// Track registers a record produced by the dispatcher and arms the
// acknowledgment timer when the rule has escalation enabled.
func (m *Machine) Track(msg models.ClassifiedMessage, rule models.RoutingRule, rec models.DispatchRecord) models.DispatchRecord {
	e := &entry{rec: rec, msg: msg, rule: rule, timeout: rule.EscalationTimeout()}

	m.mu.Lock()
	m.byID[rec.ID] = e
	m.byMessage[msg.ID] = append(m.byMessage[msg.ID], e)
	m.mu.Unlock()

	e.mu.Lock()
	if rec.State == models.StateRouted {
		metrics.ActiveRecords.Inc()
		if rule.EscalationEnabled && e.timeout > 0 {
			m.arm(e, e.timeout)
		}
	}
	out := e.snapshot()
	e.mu.Unlock()

	m.save(out)
	if out.State.Terminal() {
		m.retire(out.ID)
	}
	return out
}

// Ack acknowledges every open record of a message. Acknowledging an already
// acknowledged record is a no-op.
func (m *Machine) Ack(messageID string) ([]models.DispatchRecord, error) {
	m.mu.RLock()
	entries := append([]*entry(nil), m.byMessage[messageID]...)
	m.mu.RUnlock()
	if len(entries) == 0 {
		return nil, models.NewError(models.CodeNotFound, nil, "no dispatch record for message %s", messageID)
	}
	out := make([]models.DispatchRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.ack(e))
	}
	return out, nil
}

// AckRecord acknowledges a single record by id.
func (m *Machine) AckRecord(recordID string) (models.DispatchRecord, error) {
	m.mu.RLock()
	e, ok := m.byID[recordID]
	m.mu.RUnlock()
	if !ok {
		return models.DispatchRecord{}, models.NewError(models.CodeNotFound, nil, "dispatch record %s not found", recordID)
	}
	return m.ack(e), nil
}

func (m *Machine) ack(e *entry) models.DispatchRecord {
	e.mu.Lock()
	if e.rec.State.Terminal() {
		out := e.snapshot()
		e.mu.Unlock()
		return out
	}
	m.disarm(e)
	m.transition(e, models.StateAcknowledged, "acknowledged")
	metrics.ActiveRecords.Dec()
	out := e.snapshot()
	e.mu.Unlock()

	m.logger.Info().Str("message_id", out.MessageID).Str("record_id", out.ID).
		Int("escalation_level", out.EscalationLevel).Msg("dispatch acknowledged")
	m.save(out)
	m.retire(out.ID)
	return out
}

func (m *Machine) Get(recordID string) (models.DispatchRecord, bool) {
	m.mu.RLock()
	e, ok := m.byID[recordID]
	m.mu.RUnlock()
	if !ok {
		return models.DispatchRecord{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

func (m *Machine) ForMessage(messageID string) []models.DispatchRecord {
	m.mu.RLock()
	entries := append([]*entry(nil), m.byMessage[messageID]...)
	m.mu.RUnlock()
	out := make([]models.DispatchRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	return out
}

// List returns records newest first, optionally filtered by state.
func (m *Machine) List(state models.DispatchState, limit int) []models.DispatchRecord {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.DispatchRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if state == "" || e.rec.State == state {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DispatchedAt.Equal(out[j].DispatchedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DispatchedAt.After(out[j].DispatchedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Close stops all timers and cancels in-flight redeliveries.
func (m *Machine) Close() {
	m.cancel()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.byID {
		e.mu.Lock()
		m.disarm(e)
		e.mu.Unlock()
	}
}

// arm must be called with e.mu held.
func (m *Machine) arm(e *entry, d time.Duration) {
	e.gen++
	gen := e.gen
	// onTimeout reads the clock, so it must not run inside the clock's callback.
	e.timer = m.clock.AfterFunc(d, func() { go m.onTimeout(e, gen) })
}

func (m *Machine) disarm(e *entry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (m *Machine) onTimeout(e *entry, gen uint64) {
	e.mu.Lock()
	if e.gen != gen || (e.rec.State != models.StateRouted && e.rec.State != models.StateEscalated) {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	m.transition(e, models.StateTimedOut, fmt.Sprintf("no acknowledgment within %s", e.timeout))
	level := e.rec.EscalationLevel
	current := e.rule
	msg := e.msg
	if level >= m.maxLevel {
		ev := m.abandon(e, fmt.Sprintf("escalation level cap %d reached", m.maxLevel))
		out := e.snapshot()
		e.mu.Unlock()
		m.finishAbandon(out, ev)
		return
	}
	e.mu.Unlock()

	var (
		target    models.RoutingRule
		delivered models.DispatchRecord
		found     bool
		tried     []string
	)
	snap := m.catalog.Snapshot()
	for _, cand := range routing.EscalationCandidates(current, snap) {
		rec, err := m.redeliver.Redeliver(m.ctx, snap, msg, cand, level+1)
		if err != nil {
			m.logger.Warn().Err(err).Str("message_id", msg.ID).Str("rule_id", cand.ID).
				Int("escalation_level", level+1).Msg("escalation candidate failed")
			tried = append(tried, cand.ID)
			continue
		}
		target, delivered, found = cand, rec, true
		break
	}

	e.mu.Lock()
	if e.gen != gen || e.rec.State != models.StateTimedOut {
		out := e.snapshot()
		e.mu.Unlock()
		m.logger.Info().Str("message_id", out.MessageID).Str("state", string(out.State)).
			Msg("record changed during escalation, result discarded")
		return
	}
	if !found {
		reason := "no more urgent rule available"
		if len(tried) > 0 {
			reason = fmt.Sprintf("all escalation candidates failed: %v", tried)
		}
		ev := m.abandon(e, reason)
		out := e.snapshot()
		e.mu.Unlock()
		m.finishAbandon(out, ev)
		return
	}

	now := m.clock.Now().UTC()
	prevChannel := e.rec.ChannelID
	e.rec.RuleID = target.ID
	e.rec.ChannelID = target.ChannelID
	e.rec.EscalationLevel = level + 1
	e.rec.EscalatedAt = &now
	e.rec.Attempts += delivered.Attempts
	e.rec.LastError = ""
	m.transition(e, models.StateEscalated, fmt.Sprintf("escalated from %s to %s via rule %s", prevChannel, target.ChannelID, target.ID))
	e.rule = target
	if target.EscalationEnabled && target.EscalationTimeout() > 0 {
		e.timeout = target.EscalationTimeout()
	}
	m.arm(e, e.timeout)
	out := e.snapshot()
	e.mu.Unlock()

	m.logger.Warn().Str("message_id", out.MessageID).Str("rule_id", out.RuleID).Str("channel_id", out.ChannelID).
		Int("escalation_level", out.EscalationLevel).Msg("dispatch escalated")
	m.save(out)
}

// abandon must be called with e.mu held; the event is published by the
// caller after unlocking.
func (m *Machine) abandon(e *entry, reason string) models.Event {
	m.transition(e, models.StateAbandoned, reason)
	metrics.ActiveRecords.Dec()
	return models.Event{
		Type:      events.TypeEscalationAbandoned,
		Code:      models.CodeEscalationExhausted,
		MessageID: e.rec.MessageID,
		ChannelID: e.rec.ChannelID,
		RuleID:    e.rec.RuleID,
		Message:   "Escalation abandoned; message was never acknowledged",
		Details:   map[string]any{"escalation_level": e.rec.EscalationLevel, "reason": reason},
	}
}

func (m *Machine) finishAbandon(rec models.DispatchRecord, ev models.Event) {
	if m.events != nil {
		m.events.Publish(ev)
	} else {
		m.logger.Error().Str("message_id", rec.MessageID).Msg(ev.Message)
	}
	m.save(rec)
	m.retire(rec.ID)
}

// retire queues a terminal record for eviction once more than m.retain
// terminal records are held.
func (m *Machine) retire(recordID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[recordID]; !ok {
		return
	}
	m.retired = append(m.retired, recordID)
	m.evictLocked()
}

func (m *Machine) evictLocked() {
	for len(m.retired) > m.retain {
		id := m.retired[0]
		m.retired = m.retired[1:]
		e, ok := m.byID[id]
		if !ok {
			continue
		}
		delete(m.byID, id)
		msgID := e.msg.ID
		kept := m.byMessage[msgID][:0]
		for _, other := range m.byMessage[msgID] {
			if other != e {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(m.byMessage, msgID)
		} else {
			m.byMessage[msgID] = kept
		}
	}
}

// transition must be called with e.mu held.
func (m *Machine) transition(e *entry, to models.DispatchState, reason string) {
	e.rec.History = append(e.rec.History, models.Transition{
		From:   e.rec.State,
		To:     to,
		At:     m.clock.Now().UTC(),
		Reason: reason,
	})
	e.rec.State = to
	metrics.EscalationTransitions.WithLabelValues(string(to)).Inc()
}

func (m *Machine) save(rec models.DispatchRecord) {
	if m.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.audit.SaveDispatchRecord(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str("record_id", rec.ID).Msg("failed to persist dispatch record")
	}
}

func (e *entry) snapshot() models.DispatchRecord {
	out := e.rec
	out.History = append([]models.Transition(nil), e.rec.History...)
	if e.rec.EscalatedAt != nil {
		at := *e.rec.EscalatedAt
		out.EscalatedAt = &at
	}
	return out
}
