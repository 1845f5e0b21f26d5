package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wtf-ops/backend/internal/models"
)

// ErrPermanent marks a delivery failure that retrying cannot fix (unknown
// group, agent removed, payload rejected).
var ErrPermanent = errors.New("permanent delivery failure")

type Notifier interface {
	DeliverNotification(ctx context.Context, channelID string, p Payload) error
}

type Payload struct {
	IdempotencyKey  string            `json:"idempotency_key"`
	MessageID       string            `json:"message_id"`
	ChannelID       string            `json:"channel_id"`
	ChannelName     string            `json:"channel_name"`
	RuleID          string            `json:"rule_id"`
	RuleName        string            `json:"rule_name"`
	CategoryName    string            `json:"category_name"`
	Department      string            `json:"department"`
	Severity        models.Severity   `json:"severity"`
	AICategory      models.AICategory `json:"ai_category"`
	Priority        int               `json:"priority"`
	EscalationLevel int               `json:"escalation_level"`
	Excerpt         string            `json:"excerpt"`
	MatchedKeywords []string          `json:"matched_keywords,omitempty"`
	ReceivedAt      time.Time         `json:"received_at"`
	Text            string            `json:"text"`
}

const excerptRunes = 280

// IdempotencyKey identifies one notification; retries reuse it.
func IdempotencyKey(messageID, channelID string, level int) string {
	return fmt.Sprintf("%s:%s:%d", messageID, channelID, level)
}

// Format builds the outbound notification for a routed message.
func Format(msg models.ClassifiedMessage, rule models.RoutingRule, cat models.Category, ch models.Channel, level int) Payload {
	p := Payload{
		IdempotencyKey:  IdempotencyKey(msg.ID, ch.ID, level),
		MessageID:       msg.ID,
		ChannelID:       ch.ID,
		ChannelName:     ch.Name,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		CategoryName:    cat.Name,
		Department:      cat.Department,
		Severity:        msg.Severity,
		AICategory:      msg.AICategory,
		Priority:        rule.Priority,
		EscalationLevel: level,
		Excerpt:         Excerpt(msg.Text, excerptRunes),
		MatchedKeywords: msg.MatchedKeywords,
		ReceivedAt:      msg.ReceivedAt,
	}
	p.Text = Render(p)
	return p
}

func Render(p Payload) string {
	var b strings.Builder
	if p.EscalationLevel > 0 {
		fmt.Fprintf(&b, "ESCALATED (level %d) ", p.EscalationLevel)
	}
	fmt.Fprintf(&b, "%s %s | %s\n", SeverityBadge(p.Severity), strings.ToUpper(string(p.Severity)), p.CategoryName)
	if p.Department != "" {
		fmt.Fprintf(&b, "Dept: %s\n", p.Department)
	}
	fmt.Fprintf(&b, "\"%s\"\n", p.Excerpt)
	fmt.Fprintf(&b, "AI: %s | Rule: %s (P%d) | Msg: %s", p.AICategory, p.RuleName, p.Priority, p.MessageID)
	if len(p.MatchedKeywords) > 0 {
		fmt.Fprintf(&b, "\nKeywords: %s", strings.Join(p.MatchedKeywords, ", "))
	}
	return b.String()
}

func SeverityBadge(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityHigh:
		return "🟠"
	case models.SeverityMedium:
		return "🟡"
	default:
		return "🟢"
	}
}

// Excerpt trims text to at most n runes with whitespace collapsed.
func Excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

// StaticProber reports a fixed readiness per channel; unknown channels use
// Default.
type StaticProber struct {
	Ready   map[string]bool
	Default bool
}

func (s StaticProber) Probe(ctx context.Context, channelID string) (bool, error) {
	if v, ok := s.Ready[channelID]; ok {
		return v, nil
	}
	return s.Default, nil
}
