package guard

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

type memPersister struct {
	mu    sync.Mutex
	saved []*registry.State
	fail  error
}

func (p *memPersister) SaveState(ctx context.Context, s *registry.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.saved = append(p.saved, s)
	return nil
}

func (p *memPersister) UpsertRule(ctx context.Context, r models.RoutingRule) error { return nil }
func (p *memPersister) DeleteRule(ctx context.Context, id string) error            { return nil }

type eventSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *eventSink) Publish(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type invalidations struct {
	mu  sync.Mutex
	ids []string
}

func (i *invalidations) Invalidate(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids = append(i.ids, id)
}

func gymBundle() Bundle {
	return Bundle{
		Categories: []models.Category{
			{ID: "cat-trainer", Name: "Trainer Absence", PriorityWeight: 1, IsActive: true},
			{ID: "cat-clean", Name: "Cleanliness & Hygiene", PriorityWeight: 3, IsActive: true},
		},
		Channels: []models.Channel{
			{ID: "ch-cc", Name: "WTF Command Center", DeliveryReady: true},
			{ID: "ch-fm", Name: "Facility Management", DeliveryReady: true},
		},
		Rules: []models.RoutingRule{
			{ID: "r-trainer", Name: "Trainer absence", CategoryID: "cat-trainer", ChannelID: "ch-cc",
				AcceptedSeverities: []models.Severity{models.SeverityHigh}, Priority: 1, IsActive: true},
			{ID: "r-clean", Name: "Cleanliness", CategoryID: "cat-clean", ChannelID: "ch-fm",
				AcceptedSeverities: []models.Severity{models.SeverityMedium}, Priority: 2, IsActive: true},
		},
	}
}

func newGuard(t *testing.T, p registry.Persister) (*Guard, *registry.Catalog, *eventSink, *invalidations) {
	t.Helper()
	cat := registry.NewCatalog(p, zerolog.Nop())
	sink := &eventSink{}
	inv := &invalidations{}
	return New(cat, inv, sink, zerolog.Nop()), cat, sink, inv
}

func TestReseedCommitsWholeBundle(t *testing.T) {
	p := &memPersister{}
	g, cat, _, inv := newGuard(t, p)

	rep, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Categories)
	assert.Equal(t, 2, rep.Channels)
	assert.Equal(t, 2, rep.Rules)
	assert.Equal(t, cat.Snapshot().Version, rep.Version)
	require.Len(t, p.saved, 1)
	assert.ElementsMatch(t, []string{"ch-cc", "ch-fm"}, inv.ids)
}

func TestReseedReportsRemovedEntities(t *testing.T) {
	g, _, _, _ := newGuard(t, &memPersister{})
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)

	b := gymBundle()
	b.Categories = b.Categories[:1]
	b.Rules = b.Rules[:1]
	b.Channels = b.Channels[:1]
	rep, err := g.Reseed(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat-clean"}, rep.DeletedCategories)
	assert.Equal(t, []string{"ch-fm"}, rep.DeletedChannels)
	assert.Equal(t, []string{"r-clean"}, rep.RemovedRules)
}

func TestReseedRejectsDanglingReference(t *testing.T) {
	p := &memPersister{}
	g, cat, sink, _ := newGuard(t, p)
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)
	before := cat.Snapshot()

	b := gymBundle()
	b.Rules = append(b.Rules, models.RoutingRule{
		ID: "r-ghost", Name: "Ghost", CategoryID: "cat-missing", ChannelID: "ch-cc",
		AcceptedSeverities: []models.Severity{models.SeverityLow}, Priority: 3, IsActive: true,
	})
	_, err = g.Reseed(context.Background(), b)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfigInvalid))
	assert.Same(t, before, cat.Snapshot(), "prior configuration stays published")
	assert.Len(t, p.saved, 1)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "config_invalid", sink.events[0].Type)
	assert.Equal(t, models.CodeConfigInvalid, sink.events[0].Code)
}

func TestReseedRollsBackOnStoreFailure(t *testing.T) {
	p := &memPersister{}
	g, cat, _, _ := newGuard(t, p)
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)
	before := cat.Snapshot()

	p.fail = errors.New("connection reset")
	b := gymBundle()
	b.Rules = b.Rules[:1]
	_, err = g.Reseed(context.Background(), b)
	require.Error(t, err)
	assert.Same(t, before, cat.Snapshot())
}

func TestReplaceCategoriesCascades(t *testing.T) {
	g, cat, _, _ := newGuard(t, &memPersister{})
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)

	rep, err := g.ReplaceCategories(context.Background(), []models.Category{
		{ID: "cat-trainer", Name: "Trainer Absence", PriorityWeight: 1, IsActive: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat-clean"}, rep.DeletedCategories)
	assert.Equal(t, []string{"r-clean"}, rep.RemovedRules)

	snap := cat.Snapshot()
	_, ok := snap.Rule("r-clean")
	assert.False(t, ok)
	_, ok = snap.Rule("r-trainer")
	assert.True(t, ok)
}

func TestReplaceCategoriesInvalidBatchKeepsPriorSet(t *testing.T) {
	g, cat, _, _ := newGuard(t, &memPersister{})
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)
	before := cat.Snapshot()

	_, err = g.ReplaceCategories(context.Background(), []models.Category{
		{ID: "cat-trainer", Name: "Trainer Absence", PriorityWeight: 1, IsActive: true},
		{ID: "cat-clean", Name: "Cleanliness & Hygiene", PriorityWeight: 3, IsActive: true},
		{ID: "cat-dup", Name: "trainer  absence", PriorityWeight: 2, IsActive: true},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfigInvalid))
	assert.Equal(t, before.Categories, cat.Snapshot().Categories)
}

func TestReplaceChannelsCascades(t *testing.T) {
	g, cat, _, inv := newGuard(t, &memPersister{})
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)
	inv.ids = nil

	rep, err := g.ReplaceChannels(context.Background(), []models.Channel{
		{ID: "ch-cc", Name: "WTF Command Center", DeliveryReady: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ch-fm"}, rep.DeletedChannels)
	assert.Equal(t, []string{"r-clean"}, rep.RemovedRules)
	assert.Len(t, cat.Snapshot().Rules, 1)
	assert.ElementsMatch(t, []string{"ch-cc", "ch-fm"}, inv.ids)
}

func TestReplaceRulesRejectsUnknownChannel(t *testing.T) {
	g, cat, _, _ := newGuard(t, &memPersister{})
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)

	rules := gymBundle().Rules
	rules[0].ChannelID = "ch-nowhere"
	_, err = g.ReplaceRules(context.Background(), rules)
	require.Error(t, err)
	assert.Len(t, cat.Snapshot().Rules, 2)
}

func TestReadersNeverSeePartialReseed(t *testing.T) {
	g, cat, _, _ := newGuard(t, &memPersister{})
	_, err := g.Reseed(context.Background(), gymBundle())
	require.NoError(t, err)

	small := gymBundle()
	small.Categories = small.Categories[:1]
	small.Channels = small.Channels[:1]
	small.Rules = small.Rules[:1]

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b := gymBundle()
			if i%2 == 0 {
				b = small
			}
			_, _ = g.Reseed(ctx, b)
		}
		cancel()
	}()

	for ctx.Err() == nil {
		snap := cat.Snapshot()
		for _, r := range snap.Rules {
			_, catOK := snap.Category(r.CategoryID)
			_, chOK := snap.Channel(r.ChannelID)
			require.True(t, catOK && chOK, "rule %s dangling at version %d", r.ID, snap.Version)
		}
	}
	wg.Wait()
}
