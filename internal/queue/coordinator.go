package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testbridge-io/testbridge/internal/sink"
	"github.com/testbridge-io/testbridge/internal/tracker"
)

// Invoker executes one operation kind against the outside world.
type Invoker interface {
	Invoke(ctx context.Context, op *Operation) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, op *Operation) (any, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, op *Operation) (any, error) {
	return f(ctx, op)
}

// ResultHandler receives the result of a successfully completed operation
// after its terminal write has been committed. Handler errors are logged, not
// retried: the operation itself already succeeded.
type ResultHandler interface {
	HandleCompletion(ctx context.Context, op *Operation, result any) error
}

// Notifier publishes domain notifications after terminal writes commit.
// Satisfied by *sink.Registry.
type Notifier interface {
	Publish(ctx context.Context, name, key string, payload any)
}

// KindMux routes operations to invokers by kind.
type KindMux struct {
	mutex    sync.RWMutex
	invokers map[string]Invoker
}

// NewKindMux creates an empty dispatch mux.
func NewKindMux() *KindMux {
	return &KindMux{invokers: make(map[string]Invoker)}
}

// Register binds an invoker to an operation kind, replacing any previous
// binding.
func (m *KindMux) Register(kind string, invoker Invoker) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.invokers[kind] = invoker
}

// Invoker returns the invoker registered for kind.
func (m *KindMux) Invoker(kind string) (Invoker, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	invoker, ok := m.invokers[kind]

	return invoker, ok
}

// Config controls coordinator behavior. Zero values are replaced with the
// listed defaults.
type Config struct {
	// MaxConcurrent caps simultaneously executing operations. Default 5.
	MaxConcurrent int

	// TickInterval is the poll cadence when no enqueue wakes the loop.
	// Default 2s.
	TickInterval time.Duration

	// MaxAttempts is the default attempt limit for operations that do not
	// set their own. Default 3.
	MaxAttempts int

	// RetryBackoff is the linear backoff unit: a retry is scheduled at
	// now + RetryBackoff × attempt. Default 5s.
	RetryBackoff time.Duration

	// RateLimitBuffer is the cool-off applied when a rate-limit response
	// carries no usable Retry-After. Default 60s.
	RateLimitBuffer time.Duration

	// LeaseDuration bounds how long a claim holds a row before the sweep
	// returns it to pending. Default 60s.
	LeaseDuration time.Duration

	// OperationTimeout bounds a single invocation. Default 30s.
	OperationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.RateLimitBuffer <= 0 {
		c.RateLimitBuffer = 60 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}

	return c
}

// Coordinator claims eligible operations and drives them to a terminal state.
//
// All correctness decisions are delegated to the store's conditional updates;
// the in-process inFlight set only prevents the same coordinator from
// double-dispatching a row it already holds, it is never consulted to decide
// whether a result may be recorded.
type Coordinator struct {
	store OperationStore
	mux   *KindMux
	// workerID identifies this coordinator's claims in lease_owner.
	workerID string
	handler  ResultHandler
	notifier Notifier
	config   Config
	logger   *slog.Logger

	// wake is signaled on enqueue so new work is picked up before the next
	// tick. Buffered so signaling never blocks.
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	// stopOnce ensures channel close happens exactly once even if Stop is
	// called multiple times
	stopOnce sync.Once

	sem chan struct{}

	mutex    sync.Mutex
	inFlight map[string]struct{}
}

// NewCoordinator creates a coordinator. The handler may be nil when no
// completion side effects are needed.
func NewCoordinator(store OperationStore, mux *KindMux, handler ResultHandler, config Config, logger *slog.Logger) *Coordinator {
	config = config.withDefaults()

	return &Coordinator{
		store:    store,
		mux:      mux,
		workerID: uuid.New().String(),
		handler:  handler,
		config:   config,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		sem:      make(chan struct{}, config.MaxConcurrent),
		inFlight: make(map[string]struct{}),
	}
}

// SetNotifier installs the notification publisher for terminal outcomes.
// Call before Start; the coordinator works without one.
func (c *Coordinator) SetNotifier(notifier Notifier) {
	c.notifier = notifier
}

// Enqueue persists a new pending operation and wakes the dispatch loop.
func (c *Coordinator) Enqueue(ctx context.Context, kind string, payload json.RawMessage, opts EnqueueOptions) (*Operation, error) {
	if _, ok := c.mux.Invoker(kind); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	now := time.Now().UTC()

	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.config.MaxAttempts
	}

	op := &Operation{
		ID:            uuid.New().String(),
		Kind:          kind,
		Payload:       payload,
		Metadata:      opts.Metadata,
		Status:        StatusPending,
		Priority:      opts.Priority,
		MaxAttempts:   maxAttempts,
		AffinityKey:   opts.AffinityKey,
		MappingRef:    opts.MappingRef,
		CorrelationID: opts.CorrelationID,
		ScheduledAt:   scheduledAt.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := c.store.Insert(ctx, op); err != nil {
		return nil, fmt.Errorf("insert operation: %w", err)
	}

	c.signalWake()

	return op, nil
}

// Cancel cancels a pending operation or requests cooperative cancellation of
// an in-flight one.
func (c *Coordinator) Cancel(ctx context.Context, id string) (bool, error) {
	return c.store.Cancel(ctx, id)
}

// Get returns the operation with the given ID.
func (c *Coordinator) Get(ctx context.Context, id string) (*Operation, error) {
	return c.store.Get(ctx, id)
}

// Stats returns per-status operation counts.
func (c *Coordinator) Stats(ctx context.Context) (*Stats, error) {
	return c.store.Stats(ctx)
}

// Start launches the dispatch loop in a background goroutine.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop signals the dispatch loop to exit and waits for it. In-flight
// operations finish under their own timeouts; unfinished ones are reclaimed
// after lease expiry on the next start.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

func (c *Coordinator) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	// Initial tick so pending work left over from a previous run is picked
	// up immediately.
	c.tick()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		case <-c.wake:
			c.tick()
		}
	}
}

// tick runs one reclaim + claim + dispatch round.
func (c *Coordinator) tick() {
	ctx := context.Background()

	reclaimed, err := c.store.ReclaimExpired(ctx, time.Now().UTC())
	if err != nil {
		c.logger.Error("lease reclaim failed", slog.String("error", err.Error()))
	} else if reclaimed > 0 {
		c.logger.Warn("reclaimed expired leases", slog.Int("count", reclaimed))
	}

	free := cap(c.sem) - len(c.sem)
	if free <= 0 {
		return
	}

	claimed, err := c.store.Claim(ctx, c.workerID, free, c.config.LeaseDuration)
	if err != nil {
		c.logger.Error("claim failed", slog.String("error", err.Error()))

		return
	}

	for _, op := range claimed {
		if !c.track(op.ID) {
			// Already dispatched by this coordinator; the row will be
			// resolved by the worker that holds it.
			continue
		}

		c.sem <- struct{}{}

		go c.process(op)
	}
}

func (c *Coordinator) track(id string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.inFlight[id]; exists {
		return false
	}
	c.inFlight[id] = struct{}{}

	return true
}

func (c *Coordinator) untrack(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.inFlight, id)
}

// process executes one claimed operation and records its outcome.
func (c *Coordinator) process(op *Operation) {
	defer func() {
		<-c.sem
		c.untrack(op.ID)
		c.signalWake()
	}()

	logger := c.logger.With(
		slog.String("operation_id", op.ID),
		slog.String("kind", op.Kind),
		slog.Int("attempt", op.Attempt),
	)
	if op.CorrelationID != "" {
		logger = logger.With(slog.String("correlation_id", op.CorrelationID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.config.OperationTimeout)
	defer cancel()

	invoker, ok := c.mux.Invoker(op.Kind)
	if !ok {
		// Rows of a kind registered by an older build; nothing can execute
		// them, so they fail terminally rather than churn through retries.
		c.recordFailure(ctx, op, fmt.Sprintf("unknown operation kind %q", op.Kind), nil, logger)

		return
	}

	result, err := invoker.Invoke(ctx, op)
	if err == nil {
		c.recordCompletion(ctx, op, result, logger)

		return
	}

	// Classification order matters: a 429 is also non-retryable by status,
	// so the rate-limit check runs first.
	switch {
	case tracker.IsRateLimit(err):
		c.recordRateLimited(ctx, op, err, logger)
	case tracker.IsRetryable(err) && op.Attempt < op.MaxAttempts:
		c.recordRetry(ctx, op, err, logger)
	default:
		c.recordFailure(ctx, op, err.Error(), errorDetail(err), logger)
	}
}

// errorDetail extracts the structured form of a port error for the
// error_detail column.
func errorDetail(err error) json.RawMessage {
	var trackerErr *tracker.Error
	if !errors.As(err, &trackerErr) {
		return nil
	}

	detail, marshalErr := json.Marshal(map[string]any{
		"status": trackerErr.Status,
		"code":   trackerErr.Code,
	})
	if marshalErr != nil {
		return nil
	}

	return detail
}

func (c *Coordinator) recordCompletion(ctx context.Context, op *Operation, result any, logger *slog.Logger) {
	encoded, err := json.Marshal(result)
	if err != nil {
		logger.Error("result serialization failed", slog.String("error", err.Error()))
		encoded = nil
	}

	won, err := c.store.MarkCompleted(ctx, op.ID, c.workerID, encoded)
	if err != nil {
		logger.Error("completion write failed", slog.String("error", err.Error()))

		return
	}
	if !won {
		logger.Warn("lease lost, discarding result")

		return
	}

	logger.Info("operation completed")

	if c.handler != nil && result != nil {
		if err := c.handler.HandleCompletion(ctx, op, result); err != nil {
			logger.Error("completion handler failed", slog.String("error", err.Error()))
		}
	}

	if c.notifier != nil {
		c.notifier.Publish(ctx, sink.EventOperationCompleted, op.ID, map[string]string{
			"kind":          op.Kind,
			"correlationId": op.CorrelationID,
		})
	}
}

func (c *Coordinator) recordRateLimited(ctx context.Context, op *Operation, cause error, logger *slog.Logger) {
	coolOff := tracker.RetryAfter(cause, c.config.RateLimitBuffer)
	at := time.Now().UTC().Add(coolOff)

	won, err := c.store.RescheduleRateLimited(ctx, op.ID, c.workerID, cause.Error(), at)
	if err != nil {
		logger.Error("rate-limit reschedule failed", slog.String("error", err.Error()))

		return
	}
	if !won {
		logger.Warn("lease lost, discarding rate-limit reschedule")

		return
	}

	logger.Warn("operation rate limited",
		slog.Duration("cool_off", coolOff),
		slog.Time("rescheduled_at", at),
	)
}

func (c *Coordinator) recordRetry(ctx context.Context, op *Operation, cause error, logger *slog.Logger) {
	// Linear backoff: attempt 1 waits one backoff unit, attempt 2 two.
	at := time.Now().UTC().Add(c.config.RetryBackoff * time.Duration(op.Attempt))

	won, err := c.store.RescheduleRetry(ctx, op.ID, c.workerID, cause.Error(), at)
	if err != nil {
		logger.Error("retry reschedule failed", slog.String("error", err.Error()))

		return
	}
	if !won {
		logger.Warn("lease lost, discarding retry reschedule")

		return
	}

	logger.Warn("operation scheduled for retry",
		slog.String("error", cause.Error()),
		slog.Time("rescheduled_at", at),
	)
}

func (c *Coordinator) recordFailure(ctx context.Context, op *Operation, lastError string, detail json.RawMessage, logger *slog.Logger) {
	won, err := c.store.MarkFailed(ctx, op.ID, c.workerID, lastError, detail)
	if err != nil {
		logger.Error("failure write failed", slog.String("error", err.Error()))

		return
	}
	if !won {
		logger.Warn("lease lost, discarding failure")

		return
	}

	logger.Error("operation failed terminally", slog.String("error", lastError))

	if c.notifier != nil {
		c.notifier.Publish(ctx, sink.EventOperationFailed, op.ID, map[string]string{
			"kind":          op.Kind,
			"correlationId": op.CorrelationID,
			"error":         lastError,
		})
	}
}

func (c *Coordinator) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
