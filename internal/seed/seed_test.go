package seed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtf-ops/backend/internal/guard"
	"github.com/wtf-ops/backend/internal/models"
	"github.com/wtf-ops/backend/internal/registry"
)

func TestDefaultSeedIsValid(t *testing.T) {
	b, err := Default()
	require.NoError(t, err)
	assert.Len(t, b.Channels, 4)
	assert.Len(t, b.Categories, 8)
	assert.NotEmpty(t, b.Rules)
	assert.Empty(t, Validate(b))

	cat := registry.NewCatalog(nil, zerolog.Nop())
	g := guard.New(cat, nil, nil, zerolog.Nop())
	rep, err := g.Reseed(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, len(b.Rules), rep.Rules)

	trainer, ok := cat.Snapshot().CategoryByName("trainer absence")
	require.True(t, ok)
	assert.Equal(t, 1, trainer.PriorityWeight)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("channels:\n  - id: ch-1\n    name: One\n    colour: red\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfigInvalid))
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil)
	assert.True(t, errors.Is(err, models.ErrConfigInvalid))
}

func TestValidateReportsDanglingRule(t *testing.T) {
	b, err := Default()
	require.NoError(t, err)
	b.Channels = b.Channels[1:]
	assert.NotEmpty(t, Validate(b))
}

func TestDumpRoundTrip(t *testing.T) {
	b, err := Default()
	require.NoError(t, err)
	out, err := Dump(b)
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

type recordingReseeder struct {
	mu      sync.Mutex
	bundles []guard.Bundle
}

func (r *recordingReseeder) Reseed(ctx context.Context, b guard.Bundle) (guard.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles = append(r.bundles, b)
	return guard.Report{Rules: len(b.Rules)}, nil
}

func (r *recordingReseeder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bundles)
}

func TestWatcherAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	require.NoError(t, os.WriteFile(path, DefaultYAML(), 0o644))

	r := &recordingReseeder{}
	w, err := NewWatcher(path, r, zerolog.Nop())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	small := "channels:\n  - id: ch-1\n    name: One\n    delivery_ready: true\n"
	require.NoError(t, os.WriteFile(path, []byte(small), 0o644))
	require.Eventually(t, func() bool { return r.count() >= 1 }, 2*time.Second, 10*time.Millisecond)

	r.mu.Lock()
	last := r.bundles[len(r.bundles)-1]
	r.mu.Unlock()
	assert.Len(t, last.Channels, 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	time.Sleep(60 * time.Millisecond)
	n := r.count()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, r.count(), "unrelated files are ignored")
}
