package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reflexd/internal/bus"
	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
)

const testDimension = 4

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	logger, _ := logging.NewTestLogger()
	s, err := store.New(context.Background(), config.StoreConfig{
		Backend:    "chromem",
		Path:       filepath.Join(dir, "index"),
		Collection: "heuristics",
		WALPath:    filepath.Join(dir, "journal"),
		Timeout:    config.Duration(2 * time.Second),
	}, testDimension, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	logger, _ := logging.NewTestLogger()
	b, err := bus.Connect(context.Background(), config.BusConfig{Embedded: true}, logger)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func insertHeuristic(t *testing.T, s store.Store, name string, active bool) *heuristic.Heuristic {
	t.Helper()
	h, err := heuristic.New(name, "when "+name, heuristic.Effect{Action: "noop"}, heuristic.OriginUser)
	require.NoError(t, err)
	h.ConditionEmbedding = []float32{1, 0, 0, 0}
	h.Active = active
	require.NoError(t, s.Insert(context.Background(), h))
	return h
}

func TestCache_StartLoadsWorkingSet(t *testing.T) {
	s := newTestStore(t)
	active := insertHeuristic(t, s, "active", true)
	insertHeuristic(t, s, "inactive", false)

	logger, _ := logging.NewTestLogger()
	c := New(s, nil, config.CacheConfig{RefreshInterval: config.Duration(time.Minute)}, logger)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Equal(t, 2, c.Len())

	fireable := c.Fireable()
	require.Len(t, fireable, 1)
	assert.Equal(t, active.ID, fireable[0].ID)

	got, err := c.Get(active.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", got.Name)

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCache_DoubleStartFails(t *testing.T) {
	s := newTestStore(t)
	logger, _ := logging.NewTestLogger()
	c := New(s, nil, config.CacheConfig{RefreshInterval: config.Duration(time.Minute)}, logger)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Error(t, c.Start(context.Background()))
}

func TestCache_InvalidationRefreshesEntry(t *testing.T) {
	s := newTestStore(t)
	b := newTestBus(t)
	h := insertHeuristic(t, s, "mutating", true)

	logger, _ := logging.NewTestLogger()
	c := New(s, b, config.CacheConfig{RefreshInterval: config.Duration(time.Hour)}, logger)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// Mutate through the store and announce it; the hour-long backstop
	// cannot be what picks this up.
	h.Active = false
	require.NoError(t, s.Update(context.Background(), h))
	require.NoError(t, b.PublishInvalidation(context.Background(), h.ID))

	require.Eventually(t, func() bool {
		return len(c.Fireable()) == 0
	}, 2*time.Second, 10*time.Millisecond, "invalidation should deactivate the cached entry")
}

func TestCache_PeriodicRefreshBackstop(t *testing.T) {
	s := newTestStore(t)

	logger, _ := logging.NewTestLogger()
	c := New(s, nil, config.CacheConfig{RefreshInterval: config.Duration(50 * time.Millisecond)}, logger)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Equal(t, 0, c.Len())

	// No bus wired: only the refresh loop can surface this insert.
	insertHeuristic(t, s, "late-arrival", true)
	require.Eventually(t, func() bool {
		return c.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
