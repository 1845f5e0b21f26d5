package registry

import (
	"context"
	"fmt"

	"github.com/wtf-ops/backend/internal/models"
)

type CategoryRegistry struct {
	catalog *Catalog
}

func NewCategoryRegistry(c *Catalog) *CategoryRegistry {
	return &CategoryRegistry{catalog: c}
}

func (r *CategoryRegistry) LoadAll() []models.Category {
	return append([]models.Category(nil), r.catalog.Snapshot().Categories...)
}

// PlanReplace reports which current category ids the batch would delete.
func (r *CategoryRegistry) PlanReplace(batch []models.Category) []string {
	return DeletedCategoryIDs(r.catalog.Snapshot(), batch)
}

// ReplaceAll swaps the whole category set. The batch is rejected as a unit if
// any entry is invalid, or if a rule still references a category the batch
// drops; cascading removal of such rules is the guard's job.
func (r *CategoryRegistry) ReplaceAll(ctx context.Context, batch []models.Category) error {
	_, err := r.catalog.Update(ctx, func(cur *State) (*State, error) {
		deleted := map[string]bool{}
		for _, id := range DeletedCategoryIDs(cur, batch) {
			deleted[id] = true
		}
		var problems []string
		for _, rule := range cur.Rules {
			if deleted[rule.CategoryID] {
				problems = append(problems, fmt.Sprintf("category %s is still referenced by rule %s", rule.CategoryID, rule.ID))
			}
		}
		if len(problems) > 0 {
			return nil, models.ConfigInvalid(problems)
		}
		next := cur.Clone()
		next.Categories = append([]models.Category(nil), batch...)
		return next, nil
	})
	return err
}

// Match returns keyword hits for text across the active categories.
func (r *CategoryRegistry) Match(text string) []KeywordHit {
	return MatchKeywords(text, r.catalog.Snapshot().Categories)
}

func DeletedCategoryIDs(cur *State, batch []models.Category) []string {
	keep := make(map[string]bool, len(batch))
	for _, c := range batch {
		keep[c.ID] = true
	}
	var out []string
	for _, c := range cur.Categories {
		if !keep[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out
}
