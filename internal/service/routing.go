package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wtf-ops/backend/internal/ai"
	"github.com/wtf-ops/backend/internal/events"
	"github.com/wtf-ops/backend/internal/metrics"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
	"github.com/wtf-ops/backend/internal/routing"
)

const (
	StatusRouted   = "ROUTED"
	StatusPartial  = "PARTIAL"
	StatusUnrouted = "UNROUTED"
	StatusFailed   = "FAILED"
	StatusInvalid  = "INVALID"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, snap *registry.State, msg models.ClassifiedMessage, rule models.RoutingRule) (models.DispatchRecord, error)
}

type SnapshotSource interface {
	Snapshot() *registry.State
}

// RoutingService takes classified messages through resolution and dispatch.
type RoutingService struct {
	Catalog    SnapshotSource
	Dispatcher Dispatcher
	AI         ai.Adapter
	Events     events.Publisher
	FanOut     bool
	Workers    int
	Logger     zerolog.Logger
}

// Outcome is what happened to one message.
type Outcome struct {
	MessageID  string                  `json:"message_id"`
	Status     string                  `json:"status"`
	ReasonCode string                  `json:"reason_code,omitempty"`
	ReasonText string                  `json:"reason_text,omitempty"`
	Resolution routing.Resolution      `json:"resolution"`
	Records    []models.DispatchRecord `json:"records"`
	Errors     []string                `json:"errors,omitempty"`
}

type RunSummary struct {
	Outcomes  []Outcome      `json:"outcomes"`
	Counts    map[string]int `json:"counts"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// Process resolves msg against the snapshot current at call time and
// dispatches to the primary rule, or to every match when fan-out is on.
func (s *RoutingService) Process(ctx context.Context, msg models.ClassifiedMessage) (Outcome, error) {
	msg = ai.Normalize(msg)
	out := Outcome{MessageID: msg.ID, Records: []models.DispatchRecord{}}

	if err := registry.Validator().Struct(msg); err != nil {
		out.Status = StatusInvalid
		out.ReasonCode = "VALIDATION_ERROR"
		out.ReasonText = err.Error()
		metrics.MessagesProcessed.WithLabelValues("invalid").Inc()
		return out, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	snap := s.Catalog.Snapshot()
	res := routing.Resolve(msg, snap)
	out.Resolution = res
	for _, sk := range res.Skipped {
		s.publish(models.Event{
			Type:      events.TypeRuleSkipped,
			Code:      sk.ReasonCode,
			MessageID: msg.ID,
			RuleID:    sk.RuleID,
			Message:   sk.ReasonText,
		})
	}

	if res.Unrouted() {
		out.Status = StatusUnrouted
		out.ReasonCode = res.ReasonCode
		out.ReasonText = res.ReasonText
		s.unrouted(msg, res.ReasonCode, res.ReasonText)
		metrics.MessagesProcessed.WithLabelValues("unrouted").Inc()
		return out, models.NewError(models.CodeUnresolvedMessage, nil, "message %s: %s", msg.ID, res.ReasonText)
	}

	targets := res.Matches[:1]
	if s.FanOut {
		targets = res.Matches
	}

	var firstErr error
	for _, rule := range targets {
		rec, err := s.Dispatcher.Dispatch(ctx, snap, msg, rule)
		if rec.ID != "" {
			out.Records = append(out.Records, rec)
		}
		if err != nil {
			out.Errors = append(out.Errors, err.Error())
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	routed := 0
	for _, rec := range out.Records {
		if rec.State == models.StateRouted {
			routed++
		}
	}
	switch {
	case routed == len(targets):
		out.Status = StatusRouted
		metrics.MessagesProcessed.WithLabelValues("routed").Inc()
		return out, nil
	case routed > 0:
		out.Status = StatusPartial
		metrics.MessagesProcessed.WithLabelValues("partial").Inc()
		return out, nil
	}

	out.ReasonCode = models.CodeOf(firstErr)
	out.ReasonText = firstErr.Error()
	if errors.Is(firstErr, models.ErrChannelUnavailable) && len(out.Records) == 0 {
		out.Status = StatusUnrouted
		s.unrouted(msg, models.CodeChannelUnavailable, "No delivery-ready channel for the matched rule")
		metrics.MessagesProcessed.WithLabelValues("unrouted").Inc()
	} else {
		out.Status = StatusFailed
		metrics.MessagesProcessed.WithLabelValues("failed").Inc()
	}
	return out, firstErr
}

// ProcessRaw classifies the message first.
func (s *RoutingService) ProcessRaw(ctx context.Context, raw models.RawMessage) (Outcome, error) {
	msg, latencyMs, err := s.AI.Classify(ctx, raw)
	if err != nil {
		s.Logger.Error().Err(err).Str("message_id", raw.ID).Msg("classification failed")
		metrics.MessagesProcessed.WithLabelValues("classification_error").Inc()
		return Outcome{MessageID: raw.ID, Status: StatusFailed, ReasonCode: "AI_ERROR", ReasonText: err.Error()}, fmt.Errorf("classify: %w", err)
	}
	s.Logger.Debug().Str("message_id", msg.ID).Int64("latency_ms", latencyMs).
		Str("category", msg.DetectedCategoryName).Msg("message classified")
	return s.Process(ctx, msg)
}

// ProcessBatch routes msgs on the worker pool. Outcomes keep input order.
func (s *RoutingService) ProcessBatch(ctx context.Context, msgs []models.ClassifiedMessage) RunSummary {
	start := time.Now()
	outcomes := make([]Outcome, len(msgs))

	var g errgroup.Group
	g.SetLimit(s.workers())
	for i, msg := range msgs {
		i, msg := i, msg
		g.Go(func() error {
			outcomes[i], _ = s.Process(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	counts := map[string]int{"messages": len(msgs)}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return RunSummary{Outcomes: outcomes, Counts: counts, ElapsedMs: time.Since(start).Milliseconds()}
}

// Run consumes in until it is closed or ctx is done.
func (s *RoutingService) Run(ctx context.Context, in <-chan models.ClassifiedMessage) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for {
		select {
		case <-gctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				if _, err := s.Process(gctx, msg); err != nil {
					s.Logger.Debug().Err(err).Str("message_id", msg.ID).Msg("message not routed")
				}
				return nil
			})
		}
	}
}

// Explain resolves msg without dispatching.
func (s *RoutingService) Explain(msg models.ClassifiedMessage) routing.Resolution {
	return routing.Resolve(ai.Normalize(msg), s.Catalog.Snapshot())
}

func (s *RoutingService) unrouted(msg models.ClassifiedMessage, code, text string) {
	s.publish(models.Event{
		Type:      events.TypeUnrouted,
		Code:      code,
		MessageID: msg.ID,
		Message:   "Message reached no one: " + text,
		Details: map[string]any{
			"detected_category_name": msg.DetectedCategoryName,
			"ai_category":            msg.AICategory,
			"severity":               msg.Severity,
		},
	})
}

func (s *RoutingService) publish(ev models.Event) {
	if s.Events != nil {
		s.Events.Publish(ev)
		return
	}
	s.Logger.Warn().Str("type", ev.Type).Str("message_id", ev.MessageID).Msg(ev.Message)
}

func (s *RoutingService) workers() int {
	if s.Workers <= 0 {
		return 8
	}
	return s.Workers
}

var ErrInvalidMessage = errors.New("invalid message")
