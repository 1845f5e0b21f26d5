package ai

import (
	"context"
	"strings"

	"github.com/wtf-ops/backend/internal/models"
)

// Adapter classifies a raw group message. The returned latency is in
// milliseconds.
type Adapter interface {
	Classify(ctx context.Context, m models.RawMessage) (models.ClassifiedMessage, int64, error)
}

// Normalize maps label variants returned by classifiers onto the canonical
// enums.
func Normalize(m models.ClassifiedMessage) models.ClassifiedMessage {
	m.AICategory = normalizeAICategory(string(m.AICategory))
	m.Severity = normalizeSeverity(string(m.Severity))
	m.DetectedCategoryName = strings.TrimSpace(m.DetectedCategoryName)
	return m
}

func normalizeAICategory(value string) models.AICategory {
	v := strings.ToUpper(strings.TrimSpace(value))
	switch v {
	case "INSTRUCTION", "INSTRUCT", "TASK", "REQUEST":
		return models.AIInstruction
	case "ESCALATION", "ESCALATE":
		return models.AIEscalation
	case "COMPLAINT", "COMPLAIN", "SHIKAYAT":
		return models.AIComplaint
	case "URGENT", "EMERGENCY":
		return models.AIUrgent
	case "CASUAL", "CHITCHAT", "SMALLTALK", "GREETING":
		return models.AICasual
	default:
		return models.AICategory(v)
	}
}

func normalizeSeverity(value string) models.Severity {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "low", "minor":
		return models.SeverityLow
	case "medium", "med", "moderate", "normal":
		return models.SeverityMedium
	case "high", "major":
		return models.SeverityHigh
	case "critical", "crit", "p0", "blocker":
		return models.SeverityCritical
	default:
		return models.Severity(v)
	}
}
