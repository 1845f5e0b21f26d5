package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// SlackNotifier delivers to Slack channels; channel ids are Slack
// conversation ids.
type SlackNotifier struct {
	Client *slack.Client
}

func NewSlackNotifier(token string) *SlackNotifier {
	return &SlackNotifier{Client: slack.New(token)}
}

var permanentSlackErrors = []string{"channel_not_found", "not_in_channel", "is_archived", "invalid_auth", "account_inactive", "msg_too_long"}

func (s *SlackNotifier) DeliverNotification(ctx context.Context, channelID string, p Payload) error {
	_, _, err := s.Client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(p.Text, false),
		slack.MsgOptionMetadata(slack.SlackMetadata{
			EventType: "routed_issue",
			EventPayload: map[string]interface{}{
				"idempotency_key":  p.IdempotencyKey,
				"message_id":       p.MessageID,
				"rule_id":          p.RuleID,
				"escalation_level": p.EscalationLevel,
			},
		}),
	)
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return err
	}
	for _, code := range permanentSlackErrors {
		if strings.Contains(err.Error(), code) {
			return fmt.Errorf("%w: slack: %v", ErrPermanent, err)
		}
	}
	return err
}

func (s *SlackNotifier) Probe(ctx context.Context, channelID string) (bool, error) {
	ch, err := s.Client.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		if strings.Contains(err.Error(), "channel_not_found") {
			return false, nil
		}
		return false, err
	}
	return ch.IsMember && !ch.IsArchived, nil
}
