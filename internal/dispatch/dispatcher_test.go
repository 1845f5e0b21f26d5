package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtf-ops/backend/internal/delivery"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

type recordingNotifier struct {
	mu       sync.Mutex
	calls    []delivery.Payload
	failures int
	err      error
	delay    time.Duration

	inFlight    map[string]int
	maxInFlight map[string]int
}

func (n *recordingNotifier) DeliverNotification(ctx context.Context, channelID string, p delivery.Payload) error {
	n.mu.Lock()
	if n.inFlight == nil {
		n.inFlight = map[string]int{}
		n.maxInFlight = map[string]int{}
	}
	n.inFlight[channelID]++
	if n.inFlight[channelID] > n.maxInFlight[channelID] {
		n.maxInFlight[channelID] = n.inFlight[channelID]
	}
	n.calls = append(n.calls, p)
	fail := n.failures > 0
	if fail {
		n.failures--
	}
	n.mu.Unlock()

	if n.delay > 0 {
		time.Sleep(n.delay)
	}

	n.mu.Lock()
	n.inFlight[channelID]--
	n.mu.Unlock()
	if fail {
		return n.err
	}
	return nil
}

func (n *recordingNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type eventSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *eventSink) Publish(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type trackerFunc func(models.ClassifiedMessage, models.RoutingRule, models.DispatchRecord) models.DispatchRecord

func (f trackerFunc) Track(msg models.ClassifiedMessage, rule models.RoutingRule, rec models.DispatchRecord) models.DispatchRecord {
	return f(msg, rule, rec)
}

func newFixture(t *testing.T, n delivery.Notifier, opts Options) (*Dispatcher, *eventSink) {
	t.Helper()
	cat := registry.NewCatalog(nil, zerolog.Nop())
	cat.Restore(
		[]models.Category{{ID: "cat-ac", Name: "AC & Ventilation", PriorityWeight: 3, IsActive: true}},
		[]models.Channel{
			{ID: "ch-fm", Name: "Facility Management", DeliveryReady: true},
			{ID: "ch-cc", Name: "WTF Command Center", DeliveryReady: true},
			{ID: "ch-dead", Name: "Old Group", DeliveryReady: false},
		},
		nil,
	)
	channels := registry.NewChannelRegistry(cat, nil, time.Minute, nil, zerolog.Nop())
	sink := &eventSink{}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	return New(cat, channels, n, sink, opts, nil, zerolog.Nop()), sink
}

func acMessage(id string) models.ClassifiedMessage {
	return models.ClassifiedMessage{
		ID:                   id,
		Text:                 "AC not working in the cardio zone",
		DetectedCategoryName: "AC & Ventilation",
		AICategory:           models.AIComplaint,
		Severity:             models.SeverityHigh,
		ReceivedAt:           time.Now(),
	}
}

func acRule(channel string) models.RoutingRule {
	return models.RoutingRule{
		ID: "r-ac", Name: "AC complaints", CategoryID: "cat-ac", ChannelID: channel,
		AcceptedSeverities: []models.Severity{models.SeverityHigh}, Priority: 2, IsActive: true,
	}
}

func TestDispatchRoutesAndTracks(t *testing.T) {
	n := &recordingNotifier{}
	d, _ := newFixture(t, n, Options{})
	var tracked int32
	d.Tracker = trackerFunc(func(_ models.ClassifiedMessage, _ models.RoutingRule, rec models.DispatchRecord) models.DispatchRecord {
		atomic.AddInt32(&tracked, 1)
		return rec
	})

	rec, err := d.Dispatch(context.Background(), nil, acMessage("m1"), acRule("ch-fm"))
	require.NoError(t, err)
	assert.Equal(t, models.StateRouted, rec.State)
	assert.Equal(t, "ch-fm", rec.ChannelID)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 0, rec.EscalationLevel)
	assert.EqualValues(t, 1, atomic.LoadInt32(&tracked))

	require.Equal(t, 1, n.callCount())
	p := n.calls[0]
	assert.Equal(t, "m1:ch-fm:0", p.IdempotencyKey)
	assert.Equal(t, "AC & Ventilation", p.CategoryName)
	assert.Equal(t, "Facility Management", p.ChannelName)
}

func TestDispatchChannelUnavailable(t *testing.T) {
	n := &recordingNotifier{}
	d, sink := newFixture(t, n, Options{})

	_, err := d.Dispatch(context.Background(), nil, acMessage("m1"), acRule("ch-dead"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrChannelUnavailable))
	assert.Equal(t, 0, n.callCount(), "no delivery attempt on an unavailable channel")
	assert.Contains(t, sink.types(), "channel_unavailable")
}

func TestDispatchFallbackChannel(t *testing.T) {
	n := &recordingNotifier{}
	d, _ := newFixture(t, n, Options{FallbackChannelID: "ch-cc"})

	rec, err := d.Dispatch(context.Background(), nil, acMessage("m1"), acRule("ch-dead"))
	require.NoError(t, err)
	assert.Equal(t, "ch-cc", rec.ChannelID)
	assert.Equal(t, "r-ac", rec.RuleID)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	n := &recordingNotifier{failures: 2, err: errors.New("bridge timeout")}
	d, _ := newFixture(t, n, Options{MaxAttempts: 3})

	rec, err := d.Dispatch(context.Background(), nil, acMessage("m1"), acRule("ch-fm"))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, n.callCount())
}

func TestDispatchExhaustsRetries(t *testing.T) {
	n := &recordingNotifier{failures: 10, err: errors.New("bridge timeout")}
	d, sink := newFixture(t, n, Options{MaxAttempts: 3})

	rec, err := d.Dispatch(context.Background(), nil, acMessage("m1"), acRule("ch-fm"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDeliveryTransientFailure))
	assert.Equal(t, models.StateFailed, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "bridge timeout")
	assert.Contains(t, sink.types(), "delivery_failed")
}

func TestDispatchStopsOnPermanentError(t *testing.T) {
	n := &recordingNotifier{failures: 10, err: delivery.ErrPermanent}
	d, _ := newFixture(t, n, Options{MaxAttempts: 3})

	_, err := d.Dispatch(context.Background(), nil, acMessage("m1"), acRule("ch-fm"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrChannelUnavailable))
	assert.Equal(t, 1, n.callCount())
}

func TestDispatchOpenBreakerStopsDelivery(t *testing.T) {
	n := &recordingNotifier{failures: 100, err: errors.New("503")}
	d, _ := newFixture(t, n, Options{MaxAttempts: 1, BreakerFailures: 2, BreakerOpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := d.Dispatch(context.Background(), nil, acMessage("m"), acRule("ch-fm"))
		require.Error(t, err)
	}
	before := n.callCount()
	_, err := d.Dispatch(context.Background(), nil, acMessage("m"), acRule("ch-fm"))
	require.Error(t, err)
	assert.Equal(t, before, n.callCount(), "open breaker short-circuits delivery")
}

func TestDispatchSerializesPerChannel(t *testing.T) {
	n := &recordingNotifier{delay: 5 * time.Millisecond}
	d, _ := newFixture(t, n, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), nil, acMessage("fm"), acRule("ch-fm"))
		}()
		go func() {
			defer wg.Done()
			_, _ = d.Dispatch(context.Background(), nil, acMessage("cc"), acRule("ch-cc"))
		}()
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, 1, n.maxInFlight["ch-fm"])
	assert.Equal(t, 1, n.maxInFlight["ch-cc"])
	assert.Len(t, n.calls, 16)
}

func TestRedeliverCarriesLevel(t *testing.T) {
	n := &recordingNotifier{}
	d, _ := newFixture(t, n, Options{})
	d.Tracker = trackerFunc(func(models.ClassifiedMessage, models.RoutingRule, models.DispatchRecord) models.DispatchRecord {
		t.Errorf("redelivery must not be tracked")
		return models.DispatchRecord{}
	})

	rec, err := d.Redeliver(context.Background(), nil, acMessage("m1"), acRule("ch-cc"), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.EscalationLevel)
	assert.Equal(t, "m1:ch-cc:2", n.calls[0].IdempotencyKey)
}

func TestDispatchUsesResolvedSnapshot(t *testing.T) {
	n := &recordingNotifier{}
	d, _ := newFixture(t, n, Options{})
	cat := d.Catalog.(*registry.Catalog)
	resolved := cat.Snapshot()

	// ch-cc disappears after the message was resolved.
	cat.Restore(resolved.Categories, []models.Channel{{ID: "ch-fm", Name: "Facility Management", DeliveryReady: true}}, nil)

	_, err := d.Dispatch(context.Background(), nil, acMessage("m0"), acRule("ch-cc"))
	assert.True(t, errors.Is(err, models.ErrChannelUnavailable))

	rec, err := d.Dispatch(context.Background(), resolved, acMessage("m1"), acRule("ch-cc"))
	require.NoError(t, err)
	assert.Equal(t, models.StateRouted, rec.State)
	assert.Equal(t, "ch-cc", rec.ChannelID)
	require.Equal(t, 1, n.callCount())
	assert.Equal(t, "m1:ch-cc:0", n.calls[0].IdempotencyKey)
}
