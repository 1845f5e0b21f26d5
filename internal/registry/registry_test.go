package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/wtf-ops/backend/internal/models"
)

type countingProber struct {
	mu    sync.Mutex
	calls int
	ready bool
	err   error
}

func (p *countingProber) Probe(ctx context.Context, channelID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.ready, p.err
}

type nopPersister struct{ upserts, deletes int }

func (p *nopPersister) SaveState(ctx context.Context, s *State) error { return nil }
func (p *nopPersister) UpsertRule(ctx context.Context, r models.RoutingRule) error {
	p.upserts++
	return nil
}
func (p *nopPersister) DeleteRule(ctx context.Context, id string) error {
	p.deletes++
	return nil
}

func seeded(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog(&nopPersister{}, zerolog.Nop())
	_, err := c.Update(context.Background(), func(cur *State) (*State, error) {
		return &State{
			Categories: []models.Category{
				{ID: "cat-ac", Name: "AC & Ventilation", PriorityWeight: 2, IsActive: true,
					Keywords: []models.Keyword{{Lang: "en", Text: "AC not working"}, {Lang: "hinglish", Text: "AC band hai"}, {Lang: "hi", Text: "एसी खराब"}}},
				{ID: "cat-bill", Name: "Billing & Payments", PriorityWeight: 4, IsActive: true,
					Keywords: []models.Keyword{{Lang: "en", Text: "refund"}}},
			},
			Channels: []models.Channel{
				{ID: "ch-fm", Name: "Facility Management", DeliveryReady: true},
				{ID: "ch-ms", Name: "Member Services", DeliveryReady: false},
			},
			Rules: []models.RoutingRule{
				{ID: "r-ac", Name: "AC", CategoryID: "cat-ac", ChannelID: "ch-fm",
					AcceptedSeverities: []models.Severity{models.SeverityHigh}, Priority: 1, IsActive: true},
				{ID: "r-bill", Name: "Billing", CategoryID: "cat-bill", ChannelID: "ch-ms",
					AcceptedSeverities: []models.Severity{models.SeverityLow}, Priority: 3, IsActive: false},
			},
		}, nil
	})
	require.NoError(t, err)
	return c
}

func TestCatalogVersionsAndLookups(t *testing.T) {
	c := seeded(t)
	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.Version)

	cat, ok := snap.CategoryByName("  ac   &  VENTILATION ")
	require.True(t, ok)
	assert.Equal(t, "cat-ac", cat.ID)
	assert.Len(t, snap.ActiveRules(), 1)
}

func TestCategoryReplaceAllIsAtomic(t *testing.T) {
	c := seeded(t)
	reg := NewCategoryRegistry(c)
	before := reg.LoadAll()

	err := reg.ReplaceAll(context.Background(), []models.Category{
		{ID: "cat-ac", Name: "AC & Ventilation", PriorityWeight: 2, IsActive: true},
		{ID: "cat-bill", Name: "Billing & Payments", PriorityWeight: 4, IsActive: true},
		{ID: "cat-new", Name: "billing & payments", PriorityWeight: 3, IsActive: true},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfigInvalid))
	assert.Equal(t, before, reg.LoadAll())
	assert.EqualValues(t, 1, c.Snapshot().Version)
}

func TestCategoryReplaceAllRejectsInvalidWeight(t *testing.T) {
	reg := NewCategoryRegistry(seeded(t))
	err := reg.ReplaceAll(context.Background(), []models.Category{
		{ID: "cat-ac", Name: "AC & Ventilation", PriorityWeight: 9, IsActive: true},
		{ID: "cat-bill", Name: "Billing & Payments", PriorityWeight: 4, IsActive: true},
	})
	require.Error(t, err)
	assert.Len(t, reg.LoadAll(), 2)
	assert.Equal(t, 2, reg.LoadAll()[0].PriorityWeight)
}

func TestCategoryReplaceAllRefusesToOrphanRules(t *testing.T) {
	c := seeded(t)
	reg := NewCategoryRegistry(c)
	batch := []models.Category{{ID: "cat-ac", Name: "AC & Ventilation", PriorityWeight: 2, IsActive: true}}

	assert.Equal(t, []string{"cat-bill"}, reg.PlanReplace(batch))
	err := reg.ReplaceAll(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, models.DetailsOf(err)[0], "r-bill")
}

func TestKeywordMatchingPerLanguage(t *testing.T) {
	reg := NewCategoryRegistry(seeded(t))

	hits := reg.Match("Bhai AC   band hai since morning!!")
	require.Len(t, hits, 1)
	assert.Equal(t, "hinglish", hits[0].Lang)

	hits = reg.Match("cardio zone mein एसी खराब है")
	require.Len(t, hits, 1)
	assert.Equal(t, "hi", hits[0].Lang)

	assert.Empty(t, reg.Match("the ACNOT working refunded"), "only whole-word phrases match")
	assert.Len(t, reg.Match("I want a REFUND."), 1)
}

func TestChannelLivenessIsCachedForTTL(t *testing.T) {
	c := seeded(t)
	clk := testclock.NewFakePassiveClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := &countingProber{ready: true}
	reg := NewChannelRegistry(c, p, 45*time.Second, clk, zerolog.Nop())
	ctx := context.Background()

	assert.True(t, reg.IsDeliveryReady(ctx, "ch-ms"))
	assert.True(t, reg.IsDeliveryReady(ctx, "ch-ms"))
	assert.Equal(t, 1, p.calls)

	p.ready = false
	clk.SetTime(clk.Now().Add(46 * time.Second))
	assert.False(t, reg.IsDeliveryReady(ctx, "ch-ms"))
	assert.Equal(t, 2, p.calls)

	reg.Invalidate("ch-ms")
	p.ready = true
	assert.True(t, reg.IsDeliveryReady(ctx, "ch-ms"))
	assert.Equal(t, 3, p.calls)
}

func TestChannelLivenessProbeError(t *testing.T) {
	reg := NewChannelRegistry(seeded(t), &countingProber{ready: true, err: errors.New("timeout")}, time.Minute, nil, zerolog.Nop())
	assert.False(t, reg.IsDeliveryReady(context.Background(), "ch-fm"))
}

func TestChannelWithoutProberUsesStoredFlag(t *testing.T) {
	reg := NewChannelRegistry(seeded(t), nil, time.Minute, nil, zerolog.Nop())
	ctx := context.Background()
	assert.True(t, reg.IsDeliveryReady(ctx, "ch-fm"))
	assert.False(t, reg.IsDeliveryReady(ctx, "ch-ms"))
	assert.False(t, reg.IsDeliveryReady(ctx, "ch-unknown"))
}

func TestChannelReplaceAllRefusesToOrphanRules(t *testing.T) {
	reg := NewChannelRegistry(seeded(t), nil, time.Minute, nil, zerolog.Nop())
	err := reg.ReplaceAll(context.Background(), []models.Channel{{ID: "ch-fm", Name: "Facility Management"}})
	require.Error(t, err)
	assert.Len(t, reg.LoadAll(), 2)
}

func TestRuleUpsertValidation(t *testing.T) {
	c := seeded(t)
	rules := NewRuleTable(c)
	ctx := context.Background()

	cases := []struct {
		name string
		rule models.RoutingRule
	}{
		{"unknown category", models.RoutingRule{ID: "x", Name: "x", CategoryID: "cat-nope", ChannelID: "ch-fm", AcceptedSeverities: []models.Severity{"low"}, Priority: 1}},
		{"unknown channel", models.RoutingRule{ID: "x", Name: "x", CategoryID: "cat-ac", ChannelID: "ch-nope", AcceptedSeverities: []models.Severity{"low"}, Priority: 1}},
		{"zero priority", models.RoutingRule{ID: "x", Name: "x", CategoryID: "cat-ac", ChannelID: "ch-fm", AcceptedSeverities: []models.Severity{"low"}}},
		{"empty severities", models.RoutingRule{ID: "x", Name: "x", CategoryID: "cat-ac", ChannelID: "ch-fm", Priority: 1}},
		{"unknown severity", models.RoutingRule{ID: "x", Name: "x", CategoryID: "cat-ac", ChannelID: "ch-fm", AcceptedSeverities: []models.Severity{"urgent"}, Priority: 1}},
		{"unknown ai category", models.RoutingRule{ID: "x", Name: "x", CategoryID: "cat-ac", ChannelID: "ch-fm", AcceptedSeverities: []models.Severity{"low"}, AcceptedAICategories: []models.AICategory{"RANT"}, Priority: 1}},
		{"escalation without timeout", models.RoutingRule{ID: "x", Name: "x", CategoryID: "cat-ac", ChannelID: "ch-fm", AcceptedSeverities: []models.Severity{"low"}, Priority: 1, EscalationEnabled: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := rules.Upsert(ctx, tc.rule)
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrConfigInvalid))
		})
	}
	assert.Len(t, rules.LoadAll(), 2)
}

func TestRuleUpsertAndDelete(t *testing.T) {
	p := &nopPersister{}
	c := NewCatalog(p, zerolog.Nop())
	c.Restore(seeded(t).Snapshot().Categories, seeded(t).Snapshot().Channels, nil)
	rules := NewRuleTable(c)
	ctx := context.Background()

	r := models.RoutingRule{ID: "r-new", Name: "New", CategoryID: "cat-ac", ChannelID: "ch-fm",
		AcceptedSeverities: []models.Severity{"critical"}, Priority: 1, IsActive: true,
		EscalationEnabled: true, EscalationTimeoutMinutes: 5}
	require.NoError(t, rules.Upsert(ctx, r))
	r.Priority = 2
	require.NoError(t, rules.Upsert(ctx, r))

	got, err := rules.Get("r-new")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, 2, p.upserts)

	require.NoError(t, rules.Delete(ctx, "r-new"))
	err = rules.Delete(ctx, "r-new")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, 1, p.deletes)
}

func TestSnapshotsAreStableAcrossWrites(t *testing.T) {
	c := seeded(t)
	rules := NewRuleTable(c)
	old := c.Snapshot()

	require.NoError(t, rules.ReplaceAll(context.Background(), nil))
	assert.Len(t, old.Rules, 2, "published snapshot is never mutated")
	assert.Empty(t, c.Snapshot().Rules)
	assert.Empty(t, rules.LoadActive())
}
