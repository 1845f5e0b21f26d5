package delivery

import (
	"context"

	"github.com/rs/zerolog"
)

// MockNotifier logs notifications instead of sending them. Used when no
// delivery transport is configured.
type MockNotifier struct {
	Logger zerolog.Logger
}

func (m MockNotifier) DeliverNotification(ctx context.Context, channelID string, p Payload) error {
	m.Logger.Info().
		Str("channel_id", channelID).
		Str("idempotency_key", p.IdempotencyKey).
		Str("severity", string(p.Severity)).
		Int("escalation_level", p.EscalationLevel).
		Msg("mock delivery")
	return nil
}

func (m MockNotifier) Probe(ctx context.Context, channelID string) (bool, error) {
	return true, nil
}
