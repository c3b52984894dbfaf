package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	logger, _ := logging.NewTestLogger()
	b, err := Connect(context.Background(), config.BusConfig{Embedded: true}, logger)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBus_InvalidationRoundTrip(t *testing.T) {
	b := newTestBus(t)

	received := make(chan string, 1)
	sub, err := b.SubscribeInvalidations(func(id string) {
		received <- id
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishInvalidation(context.Background(), "heuristic-42"))

	select {
	case id := <-received:
		assert.Equal(t, "heuristic-42", id)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not delivered")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := newTestBus(t)

	a := make(chan string, 1)
	c := make(chan string, 1)
	subA, err := b.SubscribeInvalidations(func(id string) { a <- id })
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subC, err := b.SubscribeInvalidations(func(id string) { c <- id })
	require.NoError(t, err)
	defer subC.Unsubscribe()

	require.NoError(t, b.PublishInvalidation(context.Background(), "fan-out"))

	for _, ch := range []chan string{a, c} {
		select {
		case id := <-ch:
			assert.Equal(t, "fan-out", id)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber missed invalidation")
		}
	}
}
