package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/wtf-ops/backend/internal/models"
)

// Prober asks the transport whether the delivery agent can currently post to
// a channel (member/admin of the group).
type Prober interface {
	Probe(ctx context.Context, channelID string) (bool, error)
}

type ChannelRegistry struct {
	catalog *Catalog
	prober  Prober
	ttl     time.Duration
	clock   clock.PassiveClock
	logger  zerolog.Logger

	mu    sync.Mutex
	cache map[string]livenessEntry
}

type livenessEntry struct {
	ready bool
	exp   time.Time
}

func NewChannelRegistry(c *Catalog, prober Prober, ttl time.Duration, clk clock.PassiveClock, logger zerolog.Logger) *ChannelRegistry {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ChannelRegistry{
		catalog: c,
		prober:  prober,
		ttl:     ttl,
		clock:   clk,
		logger:  logger.With().Str("component", "channels").Logger(),
		cache:   map[string]livenessEntry{},
	}
}

// LoadAll returns the configured channels with delivery_ready taken from the
// liveness cache where a fresh entry exists.
func (r *ChannelRegistry) LoadAll() []models.Channel {
	out := append([]models.Channel(nil), r.catalog.Snapshot().Channels...)
	if r.prober == nil {
		return out
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range out {
		if e, ok := r.cache[out[i].ID]; ok && now.Before(e.exp) {
			out[i].DeliveryReady = e.ready
		}
	}
	return out
}

func (r *ChannelRegistry) IsDeliveryReady(ctx context.Context, channelID string) bool {
	ch, ok := r.catalog.Snapshot().Channel(channelID)
	if !ok {
		return false
	}
	return r.IsReady(ctx, ch)
}

// IsReady checks liveness of a channel taken from a caller's snapshot, which
// may be older than the current one.
func (r *ChannelRegistry) IsReady(ctx context.Context, ch models.Channel) bool {
	if r.prober == nil {
		return ch.DeliveryReady
	}
	channelID := ch.ID

	now := r.clock.Now()
	r.mu.Lock()
	if e, ok := r.cache[channelID]; ok && now.Before(e.exp) {
		r.mu.Unlock()
		return e.ready
	}
	r.mu.Unlock()

	ready, err := r.prober.Probe(ctx, channelID)
	if err != nil {
		r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("liveness probe failed")
		ready = false
	}

	r.mu.Lock()
	r.cache[channelID] = livenessEntry{ready: ready, exp: r.clock.Now().Add(r.ttl)}
	r.mu.Unlock()
	return ready
}

// Invalidate forgets the cached liveness of a channel.
func (r *ChannelRegistry) Invalidate(channelID string) {
	r.mu.Lock()
	delete(r.cache, channelID)
	r.mu.Unlock()
}

// ReplaceAll swaps the channel set; rejected while rules still reference a
// dropped channel.
func (r *ChannelRegistry) ReplaceAll(ctx context.Context, batch []models.Channel) error {
	_, err := r.catalog.Update(ctx, func(cur *State) (*State, error) {
		deleted := map[string]bool{}
		for _, id := range DeletedChannelIDs(cur, batch) {
			deleted[id] = true
		}
		var problems []string
		for _, rule := range cur.Rules {
			if deleted[rule.ChannelID] {
				problems = append(problems, fmt.Sprintf("channel %s is still referenced by rule %s", rule.ChannelID, rule.ID))
			}
		}
		if len(problems) > 0 {
			return nil, models.ConfigInvalid(problems)
		}
		next := cur.Clone()
		next.Channels = append([]models.Channel(nil), batch...)
		return next, nil
	})
	if err == nil {
		r.mu.Lock()
		r.cache = map[string]livenessEntry{}
		r.mu.Unlock()
	}
	return err
}

func DeletedChannelIDs(cur *State, batch []models.Channel) []string {
	keep := make(map[string]bool, len(batch))
	for _, ch := range batch {
		keep[ch.ID] = true
	}
	var out []string
	for _, ch := range cur.Channels {
		if !keep[ch.ID] {
			out = append(out, ch.ID)
		}
	}
	return out
}
