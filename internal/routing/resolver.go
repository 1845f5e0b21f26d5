// Package routing resolves classified messages against a configuration
// snapshot. Everything here is pure: the same message and snapshot always
// produce the same result.
package routing

import (
	"sort"
	"strings"

	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

const SkipMissingChannel = "CHANNEL_MISSING"

type SkippedRule struct {
	RuleID     string `json:"rule_id"`
	ReasonCode string `json:"reason_code"`
	ReasonText string `json:"reason_text"`
}

type Resolution struct {
	Category   *models.Category     `json:"category,omitempty"`
	Matches    []models.RoutingRule `json:"matches"`
	Skipped    []SkippedRule        `json:"skipped,omitempty"`
	ReasonCode string               `json:"reason_code,omitempty"`
	ReasonText string               `json:"reason_text,omitempty"`
	Version    uint64               `json:"version"`
}

// Primary is the top-ranked rule, if any.
func (r Resolution) Primary() (models.RoutingRule, bool) {
	if len(r.Matches) == 0 {
		return models.RoutingRule{}, false
	}
	return r.Matches[0], true
}

func (r Resolution) Unrouted() bool {
	return len(r.Matches) == 0
}

// Resolve returns the rules matching msg ordered by priority, then rule id.
func Resolve(msg models.ClassifiedMessage, snap *registry.State) Resolution {
	res := Resolution{Matches: []models.RoutingRule{}, Version: snap.Version}

	cat, ok := snap.CategoryByName(msg.DetectedCategoryName)
	if !ok {
		res.ReasonCode = "CATEGORY_UNKNOWN"
		res.ReasonText = "Detected category is not configured"
		return res
	}
	res.Category = &cat
	if !cat.IsActive {
		res.ReasonCode = "CATEGORY_INACTIVE"
		res.ReasonText = "Detected category is inactive"
		return res
	}

	candidates := 0
	for _, rule := range snap.Rules {
		if !rule.IsActive || rule.CategoryID != cat.ID {
			continue
		}
		candidates++
		if !acceptsAI(rule, msg.AICategory) || !acceptsSeverity(rule, msg.Severity) {
			continue
		}
		if _, ok := snap.Channel(rule.ChannelID); !ok {
			res.Skipped = append(res.Skipped, SkippedRule{
				RuleID:     rule.ID,
				ReasonCode: SkipMissingChannel,
				ReasonText: "Rule references channel " + rule.ChannelID + " which is not loaded",
			})
			continue
		}
		res.Matches = append(res.Matches, rule)
	}
	sortRules(res.Matches)

	if len(res.Matches) == 0 {
		if candidates == 0 {
			res.ReasonCode = "NO_ACTIVE_RULES"
			res.ReasonText = "No active rules for category"
		} else {
			res.ReasonCode = "NO_MATCHING_RULE"
			res.ReasonText = "No active rule accepts the AI category and severity"
		}
	}
	return res
}

// EscalationCandidates returns active rules of the same category that are more
// urgent than current, nearest tier first. With contiguous priorities the first
// candidate sits at priority-1; a gap in the numbering escalates to the next
// configured tier instead of stopping. Message conditions are ignored: a more
// urgent rule that also matched would already have been the primary.
func EscalationCandidates(current models.RoutingRule, snap *registry.State) []models.RoutingRule {
	var out []models.RoutingRule
	for _, rule := range snap.Rules {
		if !rule.IsActive || rule.ID == current.ID || rule.CategoryID != current.CategoryID {
			continue
		}
		if rule.Priority >= current.Priority {
			continue
		}
		if _, ok := snap.Channel(rule.ChannelID); !ok {
			continue
		}
		out = append(out, rule)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority > out[j].Priority
	})
	return out
}

func sortRules(rules []models.RoutingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority == rules[j].Priority {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].Priority < rules[j].Priority
	})
}

func acceptsAI(rule models.RoutingRule, ai models.AICategory) bool {
	if len(rule.AcceptedAICategories) == 0 {
		return true
	}
	for _, a := range rule.AcceptedAICategories {
		if strings.EqualFold(string(a), strings.TrimSpace(string(ai))) {
			return true
		}
	}
	return false
}

func acceptsSeverity(rule models.RoutingRule, sev models.Severity) bool {
	if len(rule.AcceptedSeverities) == 0 {
		return true
	}
	for _, s := range rule.AcceptedSeverities {
		if strings.EqualFold(string(s), strings.TrimSpace(string(sev))) {
			return true
		}
	}
	return false
}
