package learning

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reflexd/internal/config"
	"github.com/fyrsmithlabs/reflexd/internal/logging"
)

// Sweeper periodically resolves quiet fires in the background.
//
// Thread safe; Start and Stop may be called from any goroutine. A sweep
// failure is logged and the loop continues, the next tick retries.
type Sweeper struct {
	learner  Strategy
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper over the learner.
func NewSweeper(learner Strategy, cfg config.CorrelationConfig, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		learner:  learner,
		interval: cfg.SweepInterval.Duration(),
		logger:   logger,
	}
}

// Start begins the sweep loop. Starting a running sweeper is an error.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info(context.Background(), "quiet-timeout sweeper started",
		zap.Duration("interval", s.interval))
	go s.run()
	return nil
}

// Stop halts the loop and waits for the in-flight sweep. Idempotent.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if err := s.learner.SweepQuietFires(ctx); err != nil {
				s.logger.Warn(ctx, "quiet sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}
