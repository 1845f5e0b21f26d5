package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/wtf-ops/backend/internal/models"
)

// State is one immutable version of the routing configuration. A published
// State is never mutated; writers build a new one and swap it in.
type State struct {
	Version    uint64               `json:"version"`
	Categories []models.Category    `json:"categories"`
	Channels   []models.Channel     `json:"channels"`
	Rules      []models.RoutingRule `json:"rules"`

	categoryByID   map[string]models.Category
	categoryByName map[string]models.Category
	channelByID    map[string]models.Channel
	ruleByID       map[string]models.RoutingRule
}

// Persister writes configuration to the backing store. SaveState must be
// atomic: either the whole state is stored or nothing changes.
type Persister interface {
	SaveState(ctx context.Context, s *State) error
	UpsertRule(ctx context.Context, r models.RoutingRule) error
	DeleteRule(ctx context.Context, id string) error
}

type Catalog struct {
	mu       sync.Mutex
	current  atomic.Pointer[State]
	persist  Persister
	logger   zerolog.Logger
	onCommit []func(*State)
}

func NewCatalog(persist Persister, logger zerolog.Logger) *Catalog {
	c := &Catalog{
		persist: persist,
		logger:  logger.With().Str("component", "catalog").Logger(),
	}
	empty := &State{}
	empty.index()
	c.current.Store(empty)
	return c
}

// Snapshot returns the current configuration version. Safe for concurrent use
// with writers; the returned value never changes.
func (c *Catalog) Snapshot() *State {
	return c.current.Load()
}

// OnCommit registers a hook invoked after every published version.
func (c *Catalog) OnCommit(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommit = append(c.onCommit, fn)
}

// Restore installs configuration loaded from the store at startup without
// writing it back. Dangling references are tolerated here; the resolver skips
// such rules with a warning.
func (c *Catalog) Restore(categories []models.Category, channels []models.Channel, rules []models.RoutingRule) *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := &State{
		Version:    c.Snapshot().Version + 1,
		Categories: categories,
		Channels:   channels,
		Rules:      rules,
	}
	next.index()
	c.current.Store(next)
	c.logger.Info().Uint64("version", next.Version).
		Int("categories", len(categories)).Int("channels", len(channels)).Int("rules", len(rules)).
		Msg("configuration restored")
	c.fire(next)
	return next
}

// Update builds the next version from the current one, validates it,
// persists it as a whole and publishes it. On any error nothing changes.
func (c *Catalog) Update(ctx context.Context, fn func(cur *State) (*State, error)) (*State, error) {
	return c.update(ctx, fn, func(ctx context.Context, next *State) error {
		return c.persist.SaveState(ctx, next)
	})
}

func (c *Catalog) update(ctx context.Context, fn func(cur *State) (*State, error), persist func(context.Context, *State) error) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.Snapshot()
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	next.index()
	if problems := ValidateState(next); len(problems) > 0 {
		return nil, models.ConfigInvalid(problems)
	}
	next.Version = cur.Version + 1
	if c.persist != nil && persist != nil {
		if err := persist(ctx, next); err != nil {
			return nil, err
		}
	}
	c.current.Store(next)
	c.logger.Info().Uint64("version", next.Version).Msg("configuration published")
	c.fire(next)
	return next, nil
}

func (c *Catalog) fire(s *State) {
	for _, fn := range c.onCommit {
		fn(s)
	}
}

// Clone copies the slices so the caller can modify them freely.
func (s *State) Clone() *State {
	return &State{
		Version:    s.Version,
		Categories: append([]models.Category(nil), s.Categories...),
		Channels:   append([]models.Channel(nil), s.Channels...),
		Rules:      append([]models.RoutingRule(nil), s.Rules...),
	}
}

func (s *State) index() {
	sort.Slice(s.Categories, func(i, j int) bool { return s.Categories[i].ID < s.Categories[j].ID })
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].ID < s.Channels[j].ID })
	sort.Slice(s.Rules, func(i, j int) bool { return s.Rules[i].ID < s.Rules[j].ID })

	s.categoryByID = make(map[string]models.Category, len(s.Categories))
	s.categoryByName = make(map[string]models.Category, len(s.Categories))
	for _, cat := range s.Categories {
		s.categoryByID[cat.ID] = cat
		s.categoryByName[NormalizeName(cat.Name)] = cat
	}
	s.channelByID = make(map[string]models.Channel, len(s.Channels))
	for _, ch := range s.Channels {
		s.channelByID[ch.ID] = ch
	}
	s.ruleByID = make(map[string]models.RoutingRule, len(s.Rules))
	for _, r := range s.Rules {
		s.ruleByID[r.ID] = r
	}
}

func (s *State) Category(id string) (models.Category, bool) {
	c, ok := s.categoryByID[id]
	return c, ok
}

// CategoryByName looks a category up case-insensitively with whitespace
// collapsed.
func (s *State) CategoryByName(name string) (models.Category, bool) {
	c, ok := s.categoryByName[NormalizeName(name)]
	return c, ok
}

func (s *State) Channel(id string) (models.Channel, bool) {
	ch, ok := s.channelByID[id]
	return ch, ok
}

func (s *State) Rule(id string) (models.RoutingRule, bool) {
	r, ok := s.ruleByID[id]
	return r, ok
}

// ActiveRules returns the is_active rules ordered by id.
func (s *State) ActiveRules() []models.RoutingRule {
	out := make([]models.RoutingRule, 0, len(s.Rules))
	for _, r := range s.Rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
