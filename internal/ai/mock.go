package ai

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
	"github.com/wtf-ops/backend/internal/utils"
)

// CategorySource yields the categories to match against.
type CategorySource interface {
	Snapshot() *registry.State
}

// KeywordAdapter classifies by configured category keywords. It stands in for
// the classification service when none is configured.
type KeywordAdapter struct {
	Categories CategorySource
}

func (k KeywordAdapter) Classify(ctx context.Context, m models.RawMessage) (models.ClassifiedMessage, int64, error) {
	start := time.Now()
	out := models.ClassifiedMessage{
		ID:         m.ID,
		Text:       m.Text,
		AICategory: models.AICasual,
		Severity:   models.SeverityLow,
		ReceivedAt: m.ReceivedAt,
	}
	if out.ID == "" {
		out.ID = MessageID(m)
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = time.Now().UTC()
	}

	snap := k.Categories.Snapshot()
	hits := registry.MatchKeywords(m.Text, snap.Categories)
	if len(hits) == 0 {
		return out, time.Since(start).Milliseconds(), nil
	}

	byCategory := map[string][]registry.KeywordHit{}
	for _, h := range hits {
		byCategory[h.CategoryID] = append(byCategory[h.CategoryID], h)
	}
	type scored struct {
		cat  models.Category
		hits []registry.KeywordHit
	}
	var ranked []scored
	for id, hs := range byCategory {
		cat, ok := snap.Category(id)
		if !ok {
			continue
		}
		ranked = append(ranked, scored{cat: cat, hits: hs})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if len(ranked[i].hits) != len(ranked[j].hits) {
			return len(ranked[i].hits) > len(ranked[j].hits)
		}
		if ranked[i].cat.PriorityWeight != ranked[j].cat.PriorityWeight {
			return ranked[i].cat.PriorityWeight < ranked[j].cat.PriorityWeight
		}
		return ranked[i].cat.Name < ranked[j].cat.Name
	})

	best := ranked[0]
	out.DetectedCategoryName = best.cat.Name
	out.Severity = severityForWeight(best.cat.PriorityWeight)
	out.AICategory = models.AIComplaint
	switch {
	case best.cat.EscalationThreshold > 0 && len(best.hits) >= best.cat.EscalationThreshold:
		out.AICategory = models.AIEscalation
	case best.cat.PriorityWeight <= 1:
		out.AICategory = models.AIUrgent
	}
	for _, h := range best.hits {
		out.MatchedKeywords = append(out.MatchedKeywords, h.Keyword)
	}
	return out, time.Since(start).Milliseconds(), nil
}

func severityForWeight(weight int) models.Severity {
	switch {
	case weight <= 1:
		return models.SeverityCritical
	case weight == 2:
		return models.SeverityHigh
	case weight == 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// MessageID derives a stable id for messages that arrive without one.
func MessageID(m models.RawMessage) string {
	h := utils.Fingerprint(m.GroupID, m.Sender, m.ReceivedAt.UTC().Format(time.RFC3339Nano), m.Text)
	return fmt.Sprintf("msg-%016x", h)
}
