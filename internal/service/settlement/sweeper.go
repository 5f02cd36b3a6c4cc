package settlement

import (
	"context"
	"time"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/broker"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/logger"
	"github.com/VladyslavBabiy/currency-wallet-service/internal/repository"
)

const (
	defaultSweepInterval  = time.Minute
	defaultSweepStaleAge  = 5 * time.Minute
	defaultSweepBatchSize = 100
)

type SweeperConfig struct {
	Interval time.Duration

	// PENDING transactions older than this get their command published again
	StaleAfter time.Duration
	BatchSize  int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = defaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultSweepStaleAge
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultSweepBatchSize
	}
	return c
}

// Sweeper re-publishes settlement commands of transactions stuck in PENDING,
// e.g. when the command was dropped before its row became visible or was lost by the broker.
// Commands keep their event id, and the worker settles a transaction at most once.
type Sweeper struct {
	storage   repository.Storage
	publisher broker.Publisher
	topic     string
	cfg       SweeperConfig
	metrics   *Metrics
	logger    logger.Logger
}

func NewSweeper(storage repository.Storage, publisher broker.Publisher, topic string, cfg SweeperConfig, metrics *Metrics, l logger.Logger) *Sweeper {
	return &Sweeper{
		storage:   storage,
		publisher: publisher,
		topic:     topic,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		logger:    l.With("component", "settlement-sweeper"),
	}
}

// Run sweeps every Interval; returned channel is closed once ctx is done and the sweeper stopped
func (s *Sweeper) Run(ctx context.Context) <-chan struct{} {
	stopped := make(chan struct{})
	s.logger.Debug("Starting sweeper", "interval", s.cfg.Interval, "stale_after", s.cfg.StaleAfter)

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Sweeper stopped by context")
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("Sweep failed", "error", err)
				}
			}
		}
	}()

	return stopped
}

// Sweep publishes commands for one batch of stale PENDING transactions and returns how many were published
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pending, err := s.storage.Transaction().ListPending(ctx, time.Now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, txn := range pending {
		cmd, err := NewCommand(txn)
		if err != nil {
			return published, err
		}

		if _, _, err := s.publisher.PublishJSON(ctx, s.topic, cmd.Key(), cmd); err != nil {
			return published, err
		}

		published++
		s.metrics.IncRepublished()
		s.logger.Warn("Stale pending transaction, command published again", "transaction_id", txn.ID, "created_at", txn.CreatedAt)
	}

	return published, nil
}
