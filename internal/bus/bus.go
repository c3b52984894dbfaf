// Package bus carries heuristic invalidation messages between the store
// writers and the fast-path cache over NATS.
//
// Standalone deployments run an embedded server; multi-process deployments
// point at an external one. Either way the cache sees a mutation within
// message latency instead of waiting for its refresh backstop.
package bus

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
)

// SubjectHeuristicInvalidated carries the ID of a mutated heuristic.
const SubjectHeuristicInvalidated = "reflexd.heuristic.invalidated"

const embeddedReadyTimeout = 5 * time.Second

// Bus is a thin NATS wrapper for invalidation messaging.
type Bus struct {
	conn     *nats.Conn
	embedded *natsserver.Server
	logger   *logging.Logger
}

// Connect establishes the bus. With cfg.Embedded an in-process server is
// started on a random port and cfg.URL is ignored.
func Connect(ctx context.Context, cfg config.BusConfig, logger *logging.Logger) (*Bus, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	b := &Bus{logger: logger}
	url := cfg.URL

	if cfg.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{
			Host:   "127.0.0.1",
			Port:   -1,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create embedded nats server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(embeddedReadyTimeout) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded nats server not ready within %s", embeddedReadyTimeout)
		}
		b.embedded = srv
		url = srv.ClientURL()
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		b.shutdownEmbedded()
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	b.conn = conn

	logger.Info(ctx, "bus connected",
		zap.String("url", url),
		zap.Bool("embedded", cfg.Embedded))
	return b, nil
}

// PublishInvalidation announces that a heuristic changed. Best-effort: the
// cache refresh backstop covers lost messages, so failures are logged and
// swallowed by callers.
func (b *Bus) PublishInvalidation(ctx context.Context, heuristicID string) error {
	if err := b.conn.Publish(SubjectHeuristicInvalidated, []byte(heuristicID)); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidations delivers mutated heuristic IDs to handler. The
// handler runs on the NATS delivery goroutine and must not block.
func (b *Bus) SubscribeInvalidations(handler func(heuristicID string)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectHeuristicInvalidated, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectHeuristicInvalidated, err)
	}
	return sub, nil
}

// Close drains the connection and stops the embedded server if one is
// running.
func (b *Bus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	}
	b.shutdownEmbedded()
}

func (b *Bus) shutdownEmbedded() {
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}
