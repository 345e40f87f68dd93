package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// redispatchBatchSize caps how many stalled events one sweep handles.
	redispatchBatchSize = 100

	// sweepQueryTimeout bounds one sweep round against the store.
	sweepQueryTimeout = 30 * time.Second
)

// SweeperConfig controls the background event sweep.
type SweeperConfig struct {
	// Interval is the sweep cadence. Default 1m.
	Interval time.Duration

	// RedispatchAfter is how stale an unprocessed event must be before the
	// sweeper retries its dispatch. Default 5m.
	RedispatchAfter time.Duration

	// Retention is how long processed and unprocessed events are kept
	// before pruning. Default 720h.
	Retention time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.RedispatchAfter <= 0 {
		c.RedispatchAfter = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 720 * time.Hour
	}

	return c
}

// Sweeper re-dispatches unprocessed events that stalled (dispatch failed
// after the row was stored) and prunes events past retention.
type Sweeper struct {
	store     EventStore
	processor *Processor
	config    SweeperConfig
	logger    *slog.Logger

	stop chan struct{} // Signal to stop sweep goroutine
	done chan struct{} // Signal sweep has stopped
	// closeOnce ensures channel close happens exactly once
	closeOnce sync.Once
}

// NewSweeper creates an event sweeper.
func NewSweeper(store EventStore, processor *Processor, config SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		processor: processor,
		config:    config.withDefaults(),
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop signals the sweep loop to exit and waits for it.
func (s *Sweeper) Stop() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.stop:
			cancel()
			s.logger.Info("Stopping event sweeper")

			return
		case <-ticker.C:
			sweepCtx, sweepCancel := context.WithTimeout(ctx, sweepQueryTimeout)
			s.Sweep(sweepCtx)
			sweepCancel()
		}
	}
}

// Sweep runs one redispatch + prune round. Exported so one round can be
// driven directly in tests and on startup.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	stalled, err := s.store.ListUnprocessedBefore(ctx, now.Add(-s.config.RedispatchAfter), redispatchBatchSize)
	if err != nil {
		s.logger.Error("sweep query failed", slog.String("error", err.Error()))
	}

	for _, event := range stalled {
		if ctx.Err() != nil {
			return
		}

		if err := s.processor.Dispatch(ctx, event); err != nil {
			s.logger.Warn("event redispatch failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			if markErr := s.store.MarkErrored(ctx, event.ID, err.Error()); markErr != nil {
				s.logger.Error("mark errored failed",
					slog.String("event_id", event.ID),
					slog.String("error", markErr.Error()),
				)
			}

			continue
		}

		if err := s.store.MarkProcessed(ctx, event.ID, time.Now().UTC()); err != nil {
			s.logger.Error("mark processed failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Info("stalled event redispatched", slog.String("event_id", event.ID))
	}

	pruned, err := s.store.PruneBefore(ctx, now.Add(-s.config.Retention))
	if err != nil {
		s.logger.Error("event prune failed", slog.String("error", err.Error()))
	} else if pruned > 0 {
		s.logger.Info("pruned events past retention", slog.Int("count", pruned))
	}
}
