package registry

import (
	"context"

	"github.com/wtf-ops/backend/internal/models"
)

type RuleTable struct {
	catalog *Catalog
}

func NewRuleTable(c *Catalog) *RuleTable {
	return &RuleTable{catalog: c}
}

func (t *RuleTable) LoadActive() []models.RoutingRule {
	return t.catalog.Snapshot().ActiveRules()
}

func (t *RuleTable) LoadAll() []models.RoutingRule {
	return append([]models.RoutingRule(nil), t.catalog.Snapshot().Rules...)
}

func (t *RuleTable) Get(id string) (models.RoutingRule, error) {
	r, ok := t.catalog.Snapshot().Rule(id)
	if !ok {
		return models.RoutingRule{}, models.NewError(models.CodeNotFound, nil, "rule %s not found", id)
	}
	return r, nil
}

// ReplaceAll installs the batch as the complete rule set, or nothing.
func (t *RuleTable) ReplaceAll(ctx context.Context, batch []models.RoutingRule) error {
	_, err := t.catalog.Update(ctx, func(cur *State) (*State, error) {
		next := cur.Clone()
		next.Rules = append([]models.RoutingRule(nil), batch...)
		return next, nil
	})
	return err
}

func (t *RuleTable) Upsert(ctx context.Context, rule models.RoutingRule) error {
	_, err := t.catalog.update(ctx, func(cur *State) (*State, error) {
		if problems := ValidateRule(rule, cur); len(problems) > 0 {
			return nil, models.ConfigInvalid(problems)
		}
		next := cur.Clone()
		replaced := false
		for i := range next.Rules {
			if next.Rules[i].ID == rule.ID {
				next.Rules[i] = rule
				replaced = true
				break
			}
		}
		if !replaced {
			next.Rules = append(next.Rules, rule)
		}
		return next, nil
	}, func(ctx context.Context, _ *State) error {
		return t.catalog.persist.UpsertRule(ctx, rule)
	})
	return err
}

func (t *RuleTable) Delete(ctx context.Context, id string) error {
	_, err := t.catalog.update(ctx, func(cur *State) (*State, error) {
		if _, ok := cur.Rule(id); !ok {
			return nil, models.NewError(models.CodeNotFound, nil, "rule %s not found", id)
		}
		next := cur.Clone()
		out := next.Rules[:0]
		for _, r := range next.Rules {
			if r.ID != id {
				out = append(out, r)
			}
		}
		next.Rules = out
		return next, nil
	}, func(ctx context.Context, _ *State) error {
		return t.catalog.persist.DeleteRule(ctx, id)
	})
	return err
}
