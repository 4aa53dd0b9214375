package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/depgraph"
	"github.com/swarmctl/swarmctl/internal/scheduler"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []dispatchRecord
}

type dispatchRecord struct {
	engineID  string
	requestID string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, engineID string, t *scheduler.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, dispatchRecord{engineID: engineID, requestID: t.RequestID})
	return nil
}

func (f *fakeDispatcher) records() []dispatchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchRecord(nil), f.dispatched...)
}

type fakeSink struct {
	mu         sync.Mutex
	failures   map[string]*ctlerr.Error
	resubmits  map[string]string // original request id -> new id
}

func newFakeSink() *fakeSink {
	return &fakeSink{failures: make(map[string]*ctlerr.Error), resubmits: make(map[string]string)}
}

func (f *fakeSink) Fail(task *scheduler.Task, failure *ctlerr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[task.RequestID] = failure
}

func (f *fakeSink) Resubmit(original *scheduler.Task, newRequestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resubmits[original.RequestID] = newRequestID
}

func (f *fakeSink) failureOf(id string) *ctlerr.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[id]
}

func newTestScheduler(policy scheduler.Policy) (*scheduler.Scheduler, *fakeDispatcher, *fakeSink) {
	d := &fakeDispatcher{}
	s := newFakeSink()
	nextID := 0
	newID := func() string {
		nextID++
		return "resubmit-" + string(rune('a'+nextID))
	}
	return scheduler.New(policy, d, s, newID, nil), d, s
}

func run(s *scheduler.Scheduler) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return cancel
}

// Scenario 1 (spec §8.1): two engines at equal load under leastload tie
// break to the lower engine_id.
func TestScheduler_LeastLoadTiesBreakByEngineID(t *testing.T) {
	s, d, _ := newTestScheduler(scheduler.PolicyLeastLoad)
	defer run(s)()

	s.EngineUp("E1")
	s.EngineUp("E2")
	time.Sleep(20 * time.Millisecond)

	s.Submit(&scheduler.Task{RequestID: "r1"})

	require.Eventually(t, func() bool { return len(d.records()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "E1", d.records()[0].engineID)
}

// Scenario 3 (spec §8.3): a follow dependency pins dispatch to the engine
// where its predecessor completed.
func TestScheduler_FollowPinsToCompletingEngine(t *testing.T) {
	s, d, _ := newTestScheduler(scheduler.PolicyLeastLoad)
	defer run(s)()

	s.EngineUp("E1")
	s.EngineUp("E2")
	time.Sleep(20 * time.Millisecond)

	s.Submit(&scheduler.Task{RequestID: "A", Targets: []string{"E1"}})
	require.Eventually(t, func() bool { return len(d.records()) == 1 }, time.Second, 5*time.Millisecond)

	s.Submit(&scheduler.Task{
		RequestID: "C",
		After:     depgraph.Dependency{MsgIDs: []string{"A"}, All: true},
		Follow:    depgraph.Dependency{MsgIDs: []string{"A"}, All: true},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, d.records(), 1, "C must wait for A to complete")

	s.Complete(scheduler.Completion{RequestID: "A", EngineID: "E1", Success: true, CompletedAt: time.Now()})

	require.Eventually(t, func() bool { return len(d.records()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "E1", d.records()[1].engineID)
}

// Scenario 5 (spec §8.5): pure scheduling rejects dependency-bearing
// submissions without dispatching.
func TestScheduler_PureRejectsDependencies(t *testing.T) {
	s, d, sink := newTestScheduler(scheduler.PolicyPure)
	defer run(s)()

	s.EngineUp("E1")
	time.Sleep(20 * time.Millisecond)

	s.Submit(&scheduler.Task{RequestID: "r1", Follow: depgraph.Dependency{MsgIDs: []string{"x"}, All: true}})

	require.Eventually(t, func() bool { return sink.failureOf("r1") != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ctlerr.KindUnmetDependency, sink.failureOf("r1").Kind)
	assert.Empty(t, d.records())
}

// Scenario 6 (spec §8.6): an after id that never appears in the ledger
// times out with DependencyTimeout.
func TestScheduler_DependencyTimeout(t *testing.T) {
	s, d, sink := newTestScheduler(scheduler.PolicyLeastLoad)
	defer run(s)()

	s.EngineUp("E1")
	time.Sleep(20 * time.Millisecond)

	s.Submit(&scheduler.Task{
		RequestID: "T",
		After:     depgraph.Dependency{MsgIDs: []string{"nonexistent"}, All: true},
		Timeout:   80 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return sink.failureOf("T") != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ctlerr.KindDependencyTimeout, sink.failureOf("T").Kind)
	assert.Empty(t, d.records())
}

// Scenario 2 (spec §8.2): a pinned engine's death fails the outstanding
// request with EngineGone.
func TestScheduler_EngineDeathFailsPinnedTask(t *testing.T) {
	s, d, sink := newTestScheduler(scheduler.PolicyLeastLoad)
	defer run(s)()

	s.EngineUp("E1")
	time.Sleep(20 * time.Millisecond)

	s.Submit(&scheduler.Task{RequestID: "r1", Targets: []string{"E1"}})
	require.Eventually(t, func() bool { return len(d.records()) == 1 }, time.Second, 5*time.Millisecond)

	s.EngineDown("E1")

	require.Eventually(t, func() bool { return sink.failureOf("r1") != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ctlerr.KindEngineGone, sink.failureOf("r1").Kind)
}

// When an engine with no follow pin dies, its outstanding task is
// reinjected with a fresh id instead of failing.
func TestScheduler_EngineDeathResubmitsUnpinnedTask(t *testing.T) {
	s, d, sink := newTestScheduler(scheduler.PolicyLeastLoad)
	defer run(s)()

	s.EngineUp("E1")
	time.Sleep(20 * time.Millisecond)

	s.Submit(&scheduler.Task{RequestID: "r1"})
	require.Eventually(t, func() bool { return len(d.records()) == 1 }, time.Second, 5*time.Millisecond)

	s.EngineDown("E1")

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		_, ok := sink.resubmits["r1"]
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, sink.failureOf("r1"))
}
