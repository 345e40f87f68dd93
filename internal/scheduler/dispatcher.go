package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/testbridge-io/testbridge/internal/queue"
)

const (
	// dispatchBatchSize caps how many due schedules one tick handles.
	dispatchBatchSize = 50

	// dispatchQueryTimeout bounds one dispatch round against the store.
	dispatchQueryTimeout = 30 * time.Second
)

// Runner executes a test suite. Execution is opaque to this package; the
// implementation may shell out, call a CI API, or anything else.
type Runner interface {
	RunSuite(ctx context.Context, suite string, params json.RawMessage) (json.RawMessage, error)
}

// SuiteRequest is the payload of a run_suite operation.
type SuiteRequest struct {
	ScheduleID string          `json:"scheduleId"`
	Suite      string          `json:"suite"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// RegisterRunSuiteKind binds the run_suite operation kind to a runner.
func RegisterRunSuiteKind(mux *queue.KindMux, runner Runner) {
	mux.Register(queue.KindRunSuite, queue.InvokerFunc(func(ctx context.Context, op *queue.Operation) (any, error) {
		var request SuiteRequest
		if err := json.Unmarshal(op.Payload, &request); err != nil {
			return nil, fmt.Errorf("decode suite request: %w", err)
		}

		return runner.RunSuite(ctx, request.Suite, request.Params)
	}))
}

// Enqueuer is the slice of the operation queue the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage, opts queue.EnqueueOptions) (*queue.Operation, error)
}

// DispatcherConfig controls the schedule scan.
type DispatcherConfig struct {
	// Interval is the scan cadence. Default 30s.
	Interval time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}

	return c
}

// Dispatcher scans for due schedules and enqueues run_suite operations.
// Advancing next_run_at is the claim: when several processes share the
// store, only the one whose advance lands enqueues the run.
type Dispatcher struct {
	store    Store
	enqueuer Enqueuer
	config   DispatcherConfig
	logger   *slog.Logger

	stop chan struct{} // Signal to stop dispatch goroutine
	done chan struct{} // Signal dispatch has stopped
	// closeOnce ensures channel close happens exactly once
	closeOnce sync.Once
}

// NewDispatcher creates a schedule dispatcher.
func NewDispatcher(store Store, enqueuer Enqueuer, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		enqueuer: enqueuer,
		config:   config.withDefaults(),
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scan loop in a background goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop signals the scan loop to exit and waits for it.
func (d *Dispatcher) Stop() {
	d.closeOnce.Do(func() {
		close(d.stop)
	})
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-d.stop:
			cancel()
			d.logger.Info("Stopping schedule dispatcher")

			return
		case <-ticker.C:
			tickCtx, tickCancel := context.WithTimeout(ctx, dispatchQueryTimeout)
			d.Dispatch(tickCtx)
			tickCancel()
		}
	}
}

// Dispatch runs one scan round. Exported so a round can be driven directly
// in tests and on startup.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	now := time.Now().UTC()

	due, err := d.store.ListDue(ctx, now, dispatchBatchSize)
	if err != nil {
		d.logger.Error("schedule scan failed", slog.String("error", err.Error()))

		return
	}

	for _, schedule := range due {
		if ctx.Err() != nil {
			return
		}

		// The advance is the claim. Losing it means another dispatcher
		// already enqueued this run.
		won, err := d.store.Advance(ctx, schedule.ID, schedule.NextRunAt, schedule.NextAfter(now), now)
		if err != nil {
			d.logger.Error("schedule advance failed",
				slog.String("schedule_id", schedule.ID),
				slog.String("error", err.Error()),
			)

			continue
		}
		if !won {
			continue
		}

		payload, err := json.Marshal(SuiteRequest{
			ScheduleID: schedule.ID,
			Suite:      schedule.Suite,
			Params:     schedule.Params,
		})
		if err != nil {
			d.logger.Error("encode suite request failed",
				slog.String("schedule_id", schedule.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		op, err := d.enqueuer.Enqueue(ctx, queue.KindRunSuite, payload, queue.EnqueueOptions{
			Priority:    schedule.Priority,
			AffinityKey: schedule.Suite,
		})
		if err != nil {
			d.logger.Error("enqueue suite run failed",
				slog.String("schedule_id", schedule.ID),
				slog.String("suite", schedule.Suite),
				slog.String("error", err.Error()),
			)

			continue
		}

		d.logger.Info("suite run enqueued",
			slog.String("schedule_id", schedule.ID),
			slog.String("suite", schedule.Suite),
			slog.String("operation_id", op.ID),
		)
	}
}
