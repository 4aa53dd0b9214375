// Package scheduler implements the task scheduler: a dependency-aware load
// balancer sitting between the client task channel and the engine task
// channel. It applies after/follow/timeout/targets constraints before
// dispatching, tracks a depends-on graph, and applies one of several
// pluggable assignment policies.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/depgraph"
)

// Task is one load-balanced submission as seen by the scheduler.
type Task struct {
	RequestID string
	ClientID  string
	After     depgraph.Dependency
	Follow    depgraph.Dependency
	FollowAny bool // carried separately from Follow.All per the resolved follow-default open question
	Targets   []string
	Timeout   time.Duration // 0 means no timeout
	Envelope  any           // opaque submission envelope, handed back unchanged on resubmission

	receivedAt time.Time
	deadline   time.Time // zero if Timeout == 0
}

// Dispatcher delivers a task to a specific engine over the engine task
// channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, engineID string, task *Task) error
}

// Sink receives the scheduler's terminal outcomes: synthesized failures
// that never reach an engine, and resubmissions triggered by engine
// departure.
type Sink interface {
	Fail(task *Task, failure *ctlerr.Error)
	Resubmit(original *Task, newRequestID string)
}

type engineState struct {
	engineID          string
	tasks             map[string]bool // request_id -> in-flight on this engine
	completedCount    int
	totalLatency      time.Duration
	lastCompletion    time.Time
	followCompletions map[string]bool // request_id -> success, for requests that finished on this engine
}

func (e *engineState) load() int { return len(e.tasks) }

func (e *engineState) avgLatency() time.Duration {
	if e.completedCount == 0 {
		return 0
	}
	return e.totalLatency / time.Duration(e.completedCount)
}

// Completion reports a task reaching a terminal state, whichever engine it
// ran on (or was synthesized for).
type Completion struct {
	RequestID   string
	EngineID    string
	Success     bool
	CompletedAt time.Time
}

// Scheduler runs on its own single cooperative event loop, per the
// controller's concurrency model: all the maps below are touched only
// from the Run goroutine.
type Scheduler struct {
	policy     Policy
	dispatcher Dispatcher
	sink       Sink
	newID      func() string
	log        *slog.Logger
	rng        *rand.Rand

	submit   chan *Task
	complete chan Completion
	engineUp chan string
	engineDn chan string
	abort    chan string

	graph         *depgraph.Graph
	tasks         map[string]*Task   // request_id -> task, for every non-terminal request
	pendingSet    map[string]bool    // request_id present => not yet dispatched
	dispatched    map[string]string  // request_id -> engine_id, in flight
	engines       map[string]*engineState
	completedView map[string]bool // request_id -> success, for after/follow evaluation

	pureRoundRobin []string // alive engine ids, rotated for the pure policy
	pureNext       int
}

// New builds a Scheduler. newID mints fresh request ids for resubmission
// on engine departure; it is injected so this package does not depend on
// internal/id.
func New(policy Policy, dispatcher Dispatcher, sink Sink, newID func() string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		policy:        policy,
		dispatcher:    dispatcher,
		sink:          sink,
		newID:         newID,
		log:           log,
		rng:           rand.New(rand.NewSource(1)),
		submit:        make(chan *Task, 256),
		complete:      make(chan Completion, 256),
		engineUp:      make(chan string, 16),
		engineDn:      make(chan string, 16),
		abort:         make(chan string, 64),
		graph:         depgraph.New(),
		tasks:         make(map[string]*Task),
		pendingSet:    make(map[string]bool),
		dispatched:    make(map[string]string),
		engines:       make(map[string]*engineState),
		completedView: make(map[string]bool),
	}
}

// Submit enqueues a new task for scheduling.
func (s *Scheduler) Submit(t *Task) { s.submit <- t }

// Complete reports a task's terminal outcome.
func (s *Scheduler) Complete(c Completion) { s.complete <- c }

// EngineUp registers engineID as alive and available for dispatch.
func (s *Scheduler) EngineUp(engineID string) { s.engineUp <- engineID }

// EngineDown reports engineID's departure; outstanding tasks on it are
// resubmitted or failed per §4.2.
func (s *Scheduler) EngineDown(engineID string) { s.engineDn <- engineID }

// Abort drops a queued-but-not-yet-dispatched task.
func (s *Scheduler) Abort(requestID string) { s.abort <- requestID }

// Run drives the scheduler's event loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.submit:
			s.handleSubmit(ctx, t)
		case c := <-s.complete:
			s.handleComplete(ctx, c)
		case id := <-s.engineUp:
			s.handleEngineUp(ctx, id)
		case id := <-s.engineDn:
			s.handleEngineDown(ctx, id)
		case id := <-s.abort:
			s.handleAbort(id)
		case <-ticker.C:
			s.checkTimeouts(ctx)
		}
	}
}

func (s *Scheduler) handleSubmit(ctx context.Context, t *Task) {
	t.receivedAt = time.Now()
	if t.Timeout > 0 {
		t.deadline = t.receivedAt.Add(t.Timeout)
	}

	if s.policy == PolicyPure {
		if !t.After.Empty() || !t.Follow.Empty() {
			s.sink.Fail(t, ctlerr.New(ctlerr.KindUnmetDependency,
				"pure scheduling does not support dependencies"))
			return
		}
		s.dispatchPure(ctx, t)
		return
	}

	if err := s.graph.Add(t.RequestID, t.After, t.Follow); err != nil {
		s.sink.Fail(t, ctlerr.New(ctlerr.KindBadDependency, "%v", err))
		return
	}
	s.tasks[t.RequestID] = t
	s.pendingSet[t.RequestID] = true
	s.tryAdvance(ctx, t)
}

func (s *Scheduler) dispatchPure(ctx context.Context, t *Task) {
	if len(s.pureRoundRobin) == 0 {
		s.sink.Fail(t, ctlerr.New(ctlerr.KindImpossibleDependency, "no engines available"))
		return
	}
	engineID := s.pureRoundRobin[s.pureNext%len(s.pureRoundRobin)]
	s.pureNext++
	s.dispatch(ctx, engineID, t)
}

// tryAdvance attempts to move t from pending to dispatched. It is called
// whenever a fact t depends on might have changed: a dependency
// completing, an engine joining or leaving.
func (s *Scheduler) tryAdvance(ctx context.Context, t *Task) {
	if !s.pendingSet[t.RequestID] {
		return
	}
	if !depgraph.Satisfied(t.After, s.completedView) {
		return // keep waiting; after is a time dependency only
	}

	candidates := s.candidateEngines(t)
	if len(candidates) > 0 {
		chosen := pick(s.policy, candidates, s.rng)
		delete(s.pendingSet, t.RequestID)
		s.dispatch(ctx, chosen.engineID, t)
		return
	}

	if len(s.engines) > 0 {
		// After is satisfied and at least one engine is alive, but none
		// of them can satisfy follow/targets: this task can never be
		// dispatched as submitted.
		delete(s.pendingSet, t.RequestID)
		delete(s.tasks, t.RequestID)
		s.graph.Remove(t.RequestID)
		s.sink.Fail(t, ctlerr.New(ctlerr.KindImpossibleDependency,
			"no alive engine satisfies follow and targets constraints"))
		return
	}
	// No engines at all: park. Re-evaluated on the next EngineUp.
}

// candidateEngines narrows the alive engine set to those satisfying
// targets and follow.
func (s *Scheduler) candidateEngines(t *Task) []*engineState {
	var targetSet map[string]bool
	if len(t.Targets) > 0 {
		targetSet = make(map[string]bool, len(t.Targets))
		for _, id := range t.Targets {
			targetSet[id] = true
		}
	}

	var out []*engineState
	for id, e := range s.engines {
		if targetSet != nil && !targetSet[id] {
			continue
		}
		if !t.Follow.Empty() && !followSatisfiedOn(e, t.Follow) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// followSatisfiedOn reports whether engine e carries all (or, under
// all=false, any) of the follow set's ids among its own completions.
func followSatisfiedOn(e *engineState, follow depgraph.Dependency) bool {
	satisfied := 0
	for _, id := range follow.MsgIDs {
		success, ok := e.followCompletions[id]
		good := ok && (success || !follow.SuccessOnly)
		if good {
			satisfied++
			if !follow.All {
				return true
			}
		} else if follow.All {
			return false
		}
	}
	if follow.All {
		return true
	}
	return satisfied > 0
}

func (s *Scheduler) dispatch(ctx context.Context, engineID string, t *Task) {
	e := s.engineFor(engineID)
	e.tasks[t.RequestID] = true
	s.dispatched[t.RequestID] = engineID

	if err := s.dispatcher.Dispatch(ctx, engineID, t); err != nil {
		s.log.Warn("scheduler: dispatch failed", "request_id", t.RequestID, "engine_id", engineID, "error", err)
	}
}

func (s *Scheduler) engineFor(engineID string) *engineState {
	e, ok := s.engines[engineID]
	if !ok {
		e = &engineState{engineID: engineID, tasks: make(map[string]bool), followCompletions: make(map[string]bool)}
		s.engines[engineID] = e
	}
	return e
}

func (s *Scheduler) handleComplete(ctx context.Context, c Completion) {
	s.completedView[c.RequestID] = c.Success

	if e, ok := s.engines[c.EngineID]; ok {
		delete(e.tasks, c.RequestID)
		e.followCompletions[c.RequestID] = c.Success
		e.completedCount++
		e.lastCompletion = c.CompletedAt
		if t, ok2 := s.tasks[c.RequestID]; ok2 && !t.receivedAt.IsZero() {
			e.totalLatency += c.CompletedAt.Sub(t.receivedAt)
		}
	}
	delete(s.dispatched, c.RequestID)
	delete(s.tasks, c.RequestID)

	dependents := s.graph.Remove(c.RequestID)
	for _, depID := range dependents {
		if t, ok := s.tasks[depID]; ok && s.pendingSet[depID] {
			s.tryAdvance(ctx, t)
		}
	}
}

func (s *Scheduler) handleEngineUp(ctx context.Context, engineID string) {
	s.engineFor(engineID)
	s.pureRoundRobin = append(s.pureRoundRobin, engineID)

	for id := range s.pendingSet {
		if t, ok := s.tasks[id]; ok {
			s.tryAdvance(ctx, t)
		}
	}
}

func (s *Scheduler) handleEngineDown(ctx context.Context, engineID string) {
	delete(s.engines, engineID)
	for i, id := range s.pureRoundRobin {
		if id == engineID {
			s.pureRoundRobin = append(s.pureRoundRobin[:i], s.pureRoundRobin[i+1:]...)
			break
		}
	}

	for requestID, boundEngine := range s.dispatched {
		if boundEngine != engineID {
			continue
		}
		delete(s.dispatched, requestID)
		t, ok := s.tasks[requestID]
		if !ok {
			continue
		}
		delete(s.tasks, requestID)

		follow, _ := s.graph.Follow(requestID)
		s.graph.Remove(requestID)

		targetsDead := len(t.Targets) > 0 && !s.anyTargetAlive(t.Targets)
		followDead := !follow.Empty() && !s.followStillSatisfiable(follow)

		if targetsDead || followDead {
			s.sink.Fail(t, ctlerr.New(ctlerr.KindEngineGone, "engine %s died mid-request", engineID))
		} else {
			// Reinject with a fresh id, preserving after/follow/timeout
			// and client id; the Sink (the controller's schedSink)
			// re-wraps the original submission envelope under newID and
			// resubmits it through the normal channel.
			s.sink.Resubmit(t, s.newID())
		}
	}
}

// anyTargetAlive reports whether at least one of targets is still a known
// live engine.
func (s *Scheduler) anyTargetAlive(targets []string) bool {
	for _, id := range targets {
		if _, ok := s.engines[id]; ok {
			return true
		}
	}
	return false
}

// followStillSatisfiable reports whether some other alive engine could
// still satisfy follow (used when deciding whether a dead engine's task
// is resubmittable or pinned-and-doomed).
func (s *Scheduler) followStillSatisfiable(follow depgraph.Dependency) bool {
	for _, e := range s.engines {
		if followSatisfiedOn(e, follow) {
			return true
		}
	}
	return false
}

func (s *Scheduler) handleAbort(requestID string) {
	if s.pendingSet[requestID] {
		delete(s.pendingSet, requestID)
		delete(s.tasks, requestID)
		s.graph.Remove(requestID)
	}
}

func (s *Scheduler) checkTimeouts(ctx context.Context) {
	now := time.Now()
	for id := range s.pendingSet {
		t, ok := s.tasks[id]
		if !ok || t.deadline.IsZero() || now.Before(t.deadline) {
			continue
		}
		delete(s.pendingSet, id)
		delete(s.tasks, id)
		s.graph.Remove(id)
		s.sink.Fail(t, ctlerr.New(ctlerr.KindDependencyTimeout,
			"dependencies not satisfied within %s", t.Timeout))
	}
}
