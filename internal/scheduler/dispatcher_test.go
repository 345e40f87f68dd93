package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbridge-io/testbridge/internal/queue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingEnqueuer captures enqueued operations without a live queue.
type recordingEnqueuer struct {
	mutex sync.Mutex
	ops   []*queue.Operation
	err   error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, kind string, payload json.RawMessage, opts queue.EnqueueOptions) (*queue.Operation, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.err != nil {
		return nil, r.err
	}

	op := &queue.Operation{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     payload,
		Priority:    opts.Priority,
		AffinityKey: opts.AffinityKey,
	}
	r.ops = append(r.ops, op)

	return op, nil
}

func (r *recordingEnqueuer) enqueued() []*queue.Operation {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]*queue.Operation(nil), r.ops...)
}

func TestDispatcher_EnqueuesDueSchedules(t *testing.T) {
	store := NewMemoryStore()
	enqueuer := &recordingEnqueuer{}
	dispatcher := NewDispatcher(store, enqueuer, DispatcherConfig{}, testLogger())

	now := time.Now().UTC()
	due := newSchedule("smoke", now.Add(-time.Minute))
	due.Priority = 2
	due.Params = json.RawMessage(`{"browser":"chromium"}`)
	notDue := newSchedule("nightly", now.Add(time.Hour))

	require.NoError(t, store.Insert(context.Background(), due))
	require.NoError(t, store.Insert(context.Background(), notDue))

	dispatcher.Dispatch(context.Background())

	ops := enqueuer.enqueued()
	require.Len(t, ops, 1)
	assert.Equal(t, queue.KindRunSuite, ops[0].Kind)
	assert.Equal(t, "smoke", ops[0].AffinityKey)
	assert.Equal(t, 2, ops[0].Priority)

	var request SuiteRequest
	require.NoError(t, json.Unmarshal(ops[0].Payload, &request))
	assert.Equal(t, due.ID, request.ScheduleID)
	assert.Equal(t, "smoke", request.Suite)
	assert.JSONEq(t, `{"browser":"chromium"}`, string(request.Params))

	// The schedule advanced past now, so a second round enqueues nothing.
	dispatcher.Dispatch(context.Background())
	assert.Len(t, enqueuer.enqueued(), 1)

	got, err := store.Get(context.Background(), due.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(now))
	require.NotNil(t, got.LastRunAt)
}

func TestDispatcher_SkipsDisabledSchedules(t *testing.T) {
	store := NewMemoryStore()
	enqueuer := &recordingEnqueuer{}
	dispatcher := NewDispatcher(store, enqueuer, DispatcherConfig{}, testLogger())

	schedule := newSchedule("smoke", time.Now().UTC().Add(-time.Minute))
	schedule.Enabled = false
	require.NoError(t, store.Insert(context.Background(), schedule))

	dispatcher.Dispatch(context.Background())
	assert.Empty(t, enqueuer.enqueued())
}

func TestDispatcher_EnqueueFailureLeavesScheduleAdvanced(t *testing.T) {
	store := NewMemoryStore()
	enqueuer := &recordingEnqueuer{err: errors.New("queue unavailable")}
	dispatcher := NewDispatcher(store, enqueuer, DispatcherConfig{}, testLogger())

	schedule := newSchedule("smoke", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, store.Insert(context.Background(), schedule))

	dispatcher.Dispatch(context.Background())

	// The claim landed before the enqueue failed; the run is skipped, not
	// retried within the same interval.
	got, err := store.Get(context.Background(), schedule.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDispatcher_StartStop(t *testing.T) {
	dispatcher := NewDispatcher(NewMemoryStore(), &recordingEnqueuer{}, DispatcherConfig{Interval: time.Hour}, testLogger())

	dispatcher.Start()
	dispatcher.Stop()

	// Stop is idempotent.
	dispatcher.Stop()
}

func TestRegisterRunSuiteKind(t *testing.T) {
	mux := queue.NewKindMux()

	var gotSuite string
	var gotParams json.RawMessage

	RegisterRunSuiteKind(mux, runnerFunc(func(_ context.Context, suite string, params json.RawMessage) (json.RawMessage, error) {
		gotSuite = suite
		gotParams = params

		return json.RawMessage(`{"passed":12,"failed":0}`), nil
	}))

	invoker, ok := mux.Invoker(queue.KindRunSuite)
	require.True(t, ok)

	payload, err := json.Marshal(SuiteRequest{
		ScheduleID: "sched-1",
		Suite:      "smoke",
		Params:     json.RawMessage(`{"shard":1}`),
	})
	require.NoError(t, err)

	result, err := invoker.Invoke(context.Background(), &queue.Operation{
		Kind:    queue.KindRunSuite,
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, "smoke", gotSuite)
	assert.JSONEq(t, `{"shard":1}`, string(gotParams))
	assert.JSONEq(t, `{"passed":12,"failed":0}`, string(result.(json.RawMessage)))

	// A payload that is not a suite request fails the invocation.
	_, err = invoker.Invoke(context.Background(), &queue.Operation{
		Kind:    queue.KindRunSuite,
		Payload: json.RawMessage(`"not an object"`),
	})
	assert.Error(t, err)
}

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, suite string, params json.RawMessage) (json.RawMessage, error)

func (f runnerFunc) RunSuite(ctx context.Context, suite string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, suite, params)
}
