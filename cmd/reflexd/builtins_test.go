package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/heuristic"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
	"github.com/fyrsmithlabs/reflexd/internal/store"
)

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	logger, _ := logging.NewTestLogger()
	st, err := store.New(context.Background(), config.StoreConfig{
		Backend:    "chromem",
		Path:       filepath.Join(dir, "index"),
		Collection: "heuristics",
		WALPath:    filepath.Join(dir, "journal"),
		Timeout:    config.Duration(2 * time.Second),
	}, 4, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSeedBuiltins(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	logger, _ := logging.NewTestLogger()

	require.NoError(t, seedBuiltins(ctx, st, fixedEmbedder{}, logger))

	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(builtinPack()))
	for _, h := range all {
		assert.Equal(t, heuristic.OriginBuiltin, h.Origin)
		assert.True(t, h.Frozen)
		assert.False(t, h.Fireable(), "frozen built-ins must not enter the match competition")
		assert.InDelta(t, 1.0, h.Confidence, 0.001)
		assert.NotEmpty(t, h.ConditionEmbedding)

		history, err := st.HistoryFor(ctx, h.ID, 0)
		require.NoError(t, err)
		require.NotEmpty(t, history)
		assert.Equal(t, heuristic.ChangeCreate, history[0].Change)
	}
}

func TestSeedBuiltinsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	logger, _ := logging.NewTestLogger()

	require.NoError(t, seedBuiltins(ctx, st, fixedEmbedder{}, logger))
	require.NoError(t, seedBuiltins(ctx, st, fixedEmbedder{}, logger))

	all, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(builtinPack()))
}

func TestSeedBuiltinsSurvivesEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	logger, _ := logging.NewTestLogger()

	require.NoError(t, seedBuiltins(ctx, st, nil, logger))

	all, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, len(builtinPack()))
	for _, h := range all {
		assert.Empty(t, h.ConditionEmbedding)
	}
}
