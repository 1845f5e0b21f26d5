// Package guard performs configuration replacements that could otherwise
// leave rules pointing at categories or channels that no longer exist.
package guard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wtf-ops/backend/internal/events"
	"github.com/wtf-ops/backend/internal/metrics"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

// Bundle is a complete routing configuration.
type Bundle struct {
	Categories []models.Category    `json:"categories" yaml:"categories"`
	Channels   []models.Channel     `json:"channels" yaml:"channels"`
	Rules      []models.RoutingRule `json:"rules" yaml:"rules"`
}

// Report describes what a committed replacement changed.
type Report struct {
	Version           uint64   `json:"version"`
	DeletedCategories []string `json:"deleted_categories"`
	DeletedChannels   []string `json:"deleted_channels"`
	RemovedRules      []string `json:"removed_rules"`
	Categories        int      `json:"categories"`
	Channels          int      `json:"channels"`
	Rules             int      `json:"rules"`
}

// LivenessCache is cleared for channels whose definition changed.
type LivenessCache interface {
	Invalidate(channelID string)
}

type Guard struct {
	catalog  *registry.Catalog
	liveness LivenessCache
	events   events.Publisher
	logger   zerolog.Logger
}

func New(catalog *registry.Catalog, liveness LivenessCache, pub events.Publisher, logger zerolog.Logger) *Guard {
	return &Guard{
		catalog:  catalog,
		liveness: liveness,
		events:   pub,
		logger:   logger.With().Str("component", "guard").Logger(),
	}
}

// Reseed replaces categories, channels and rules as one version. The whole
// bundle is rejected if any rule references a category or channel that is not
// part of the bundle.
func (g *Guard) Reseed(ctx context.Context, b Bundle) (Report, error) {
	var rep Report
	next, err := g.catalog.Update(ctx, func(cur *registry.State) (*registry.State, error) {
		if problems := DanglingReferences(b); len(problems) > 0 {
			return nil, models.ConfigInvalid(problems)
		}
		rep.DeletedCategories = registry.DeletedCategoryIDs(cur, b.Categories)
		rep.DeletedChannels = registry.DeletedChannelIDs(cur, b.Channels)
		keep := make(map[string]bool, len(b.Rules))
		for _, r := range b.Rules {
			keep[r.ID] = true
		}
		for _, r := range cur.Rules {
			if !keep[r.ID] {
				rep.RemovedRules = append(rep.RemovedRules, r.ID)
			}
		}
		return &registry.State{
			Categories: append([]models.Category(nil), b.Categories...),
			Channels:   append([]models.Channel(nil), b.Channels...),
			Rules:      append([]models.RoutingRule(nil), b.Rules...),
		}, nil
	})
	if err != nil {
		g.rejected("reseed", err)
		return Report{}, err
	}
	g.invalidate(b.Channels, rep.DeletedChannels)
	return g.committed("reseed", next, rep), nil
}

// ReplaceCategories swaps the category set and removes every rule that
// referenced a dropped category, in one version.
func (g *Guard) ReplaceCategories(ctx context.Context, batch []models.Category) (Report, error) {
	var rep Report
	next, err := g.catalog.Update(ctx, func(cur *registry.State) (*registry.State, error) {
		rep.DeletedCategories = registry.DeletedCategoryIDs(cur, batch)
		dropped := toSet(rep.DeletedCategories)
		next := cur.Clone()
		next.Categories = append([]models.Category(nil), batch...)
		next.Rules, rep.RemovedRules = without(cur.Rules, func(r models.RoutingRule) bool { return dropped[r.CategoryID] })
		return next, nil
	})
	if err != nil {
		g.rejected("replace categories", err)
		return Report{}, err
	}
	return g.committed("replace categories", next, rep), nil
}

// ReplaceChannels swaps the channel set and removes every rule that
// referenced a dropped channel, in one version.
func (g *Guard) ReplaceChannels(ctx context.Context, batch []models.Channel) (Report, error) {
	var rep Report
	next, err := g.catalog.Update(ctx, func(cur *registry.State) (*registry.State, error) {
		rep.DeletedChannels = registry.DeletedChannelIDs(cur, batch)
		dropped := toSet(rep.DeletedChannels)
		next := cur.Clone()
		next.Channels = append([]models.Channel(nil), batch...)
		next.Rules, rep.RemovedRules = without(cur.Rules, func(r models.RoutingRule) bool { return dropped[r.ChannelID] })
		return next, nil
	})
	if err != nil {
		g.rejected("replace channels", err)
		return Report{}, err
	}
	g.invalidate(batch, rep.DeletedChannels)
	return g.committed("replace channels", next, rep), nil
}

// ReplaceRules installs a complete rule set against the current categories
// and channels, or nothing.
func (g *Guard) ReplaceRules(ctx context.Context, batch []models.RoutingRule) (Report, error) {
	var rep Report
	next, err := g.catalog.Update(ctx, func(cur *registry.State) (*registry.State, error) {
		keep := make(map[string]bool, len(batch))
		for _, r := range batch {
			keep[r.ID] = true
		}
		for _, r := range cur.Rules {
			if !keep[r.ID] {
				rep.RemovedRules = append(rep.RemovedRules, r.ID)
			}
		}
		next := cur.Clone()
		next.Rules = append([]models.RoutingRule(nil), batch...)
		return next, nil
	})
	if err != nil {
		g.rejected("replace rules", err)
		return Report{}, err
	}
	return g.committed("replace rules", next, rep), nil
}

// DanglingReferences lists rules in b whose category or channel is missing
// from b itself.
func DanglingReferences(b Bundle) []string {
	cats := map[string]bool{}
	for _, c := range b.Categories {
		cats[c.ID] = true
	}
	chans := map[string]bool{}
	for _, ch := range b.Channels {
		chans[ch.ID] = true
	}
	var problems []string
	for _, r := range b.Rules {
		if !cats[r.CategoryID] {
			problems = append(problems, fmt.Sprintf("rule %s references category %s which is not in the batch", r.ID, r.CategoryID))
		}
		if !chans[r.ChannelID] {
			problems = append(problems, fmt.Sprintf("rule %s references channel %s which is not in the batch", r.ID, r.ChannelID))
		}
	}
	return problems
}

func (g *Guard) committed(op string, s *registry.State, rep Report) Report {
	rep.Version = s.Version
	rep.Categories = len(s.Categories)
	rep.Channels = len(s.Channels)
	rep.Rules = len(s.Rules)
	metrics.ConfigVersion.Set(float64(s.Version))
	g.logger.Info().Str("op", op).Uint64("version", s.Version).
		Strs("deleted_categories", rep.DeletedCategories).
		Strs("deleted_channels", rep.DeletedChannels).
		Strs("removed_rules", rep.RemovedRules).
		Msg("configuration replaced")
	return rep
}

func (g *Guard) rejected(op string, err error) {
	ev := models.Event{
		Type:    events.TypeConfigInvalid,
		Code:    models.CodeOf(err),
		Message: fmt.Sprintf("%s rejected: %v", op, err),
	}
	if ev.Code == "" {
		ev.Code = models.CodeConfigInvalid
	}
	if details := models.DetailsOf(err); len(details) > 0 {
		ev.Details = map[string]any{"problems": details}
	}
	if g.events != nil {
		g.events.Publish(ev)
		return
	}
	g.logger.Error().Err(err).Str("op", op).Msg("configuration rejected")
}

func (g *Guard) invalidate(batch []models.Channel, deleted []string) {
	if g.liveness == nil {
		return
	}
	for _, ch := range batch {
		g.liveness.Invalidate(ch.ID)
	}
	for _, id := range deleted {
		g.liveness.Invalidate(id)
	}
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func without(rules []models.RoutingRule, drop func(models.RoutingRule) bool) ([]models.RoutingRule, []string) {
	kept := make([]models.RoutingRule, 0, len(rules))
	var removed []string
	for _, r := range rules {
		if drop(r) {
			removed = append(removed, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	return kept, removed
}
