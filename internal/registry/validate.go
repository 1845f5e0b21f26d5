package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/wtf-ops/backend/internal/models"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the routing enum tags
// ("severity", "ai_category") registered.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
			return IsSeverity(models.Severity(fl.Field().String()))
		})
		_ = v.RegisterValidation("ai_category", func(fl validator.FieldLevel) bool {
			return IsAICategory(models.AICategory(fl.Field().String()))
		})
		validate = v
	})
	return validate
}

func IsSeverity(s models.Severity) bool {
	for _, known := range models.Severities {
		if s == known {
			return true
		}
	}
	return false
}

func IsAICategory(a models.AICategory) bool {
	for _, known := range models.AICategories {
		if a == known {
			return true
		}
	}
	return false
}

// ValidateState checks shapes and referential integrity of a whole
// configuration and returns every problem found.
func ValidateState(s *State) []string {
	var problems []string
	v := Validator()

	catIDs := map[string]bool{}
	catNames := map[string]string{}
	for _, c := range s.Categories {
		problems = append(problems, structProblems(v, "category "+c.ID, c)...)
		if catIDs[c.ID] {
			problems = append(problems, fmt.Sprintf("category %s: duplicate id", c.ID))
		}
		catIDs[c.ID] = true
		name := NormalizeName(c.Name)
		if prev, ok := catNames[name]; ok && name != "" {
			problems = append(problems, fmt.Sprintf("category %s: duplicate name %q (also used by %s)", c.ID, c.Name, prev))
		}
		catNames[name] = c.ID
	}

	chIDs := map[string]bool{}
	chNames := map[string]string{}
	for _, ch := range s.Channels {
		problems = append(problems, structProblems(v, "channel "+ch.ID, ch)...)
		if chIDs[ch.ID] {
			problems = append(problems, fmt.Sprintf("channel %s: duplicate id", ch.ID))
		}
		chIDs[ch.ID] = true
		name := NormalizeName(ch.Name)
		if prev, ok := chNames[name]; ok && name != "" {
			problems = append(problems, fmt.Sprintf("channel %s: duplicate name %q (also used by %s)", ch.ID, ch.Name, prev))
		}
		chNames[name] = ch.ID
	}

	ruleIDs := map[string]bool{}
	for _, r := range s.Rules {
		if ruleIDs[r.ID] {
			problems = append(problems, fmt.Sprintf("rule %s: duplicate id", r.ID))
		}
		ruleIDs[r.ID] = true
		problems = append(problems, ruleProblems(r, catIDs, chIDs)...)
	}
	return problems
}

// ValidateRule checks a single rule against the given configuration.
func ValidateRule(r models.RoutingRule, s *State) []string {
	catIDs := map[string]bool{}
	for _, c := range s.Categories {
		catIDs[c.ID] = true
	}
	chIDs := map[string]bool{}
	for _, ch := range s.Channels {
		chIDs[ch.ID] = true
	}
	return ruleProblems(r, catIDs, chIDs)
}

func ruleProblems(r models.RoutingRule, catIDs, chIDs map[string]bool) []string {
	problems := structProblems(Validator(), "rule "+r.ID, r)
	if r.CategoryID != "" && !catIDs[r.CategoryID] {
		problems = append(problems, fmt.Sprintf("rule %s: category %s does not exist", r.ID, r.CategoryID))
	}
	if r.ChannelID != "" && !chIDs[r.ChannelID] {
		problems = append(problems, fmt.Sprintf("rule %s: channel %s does not exist", r.ID, r.ChannelID))
	}
	if r.EscalationEnabled && r.EscalationTimeoutMinutes <= 0 {
		problems = append(problems, fmt.Sprintf("rule %s: escalation_timeout_minutes must be > 0 when escalation is enabled", r.ID))
	}
	return problems
}

func structProblems(v *validator.Validate, subject string, obj any) []string {
	err := v.Struct(obj)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", subject, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Sprintf("%s: field %s failed %q", subject, fe.Namespace(), fe.Tag()))
	}
	return out
}
