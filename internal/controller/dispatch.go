package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/hub"
	"github.com/swarmctl/swarmctl/internal/scheduler"
	"github.com/swarmctl/swarmctl/internal/storage"
	"github.com/swarmctl/swarmctl/internal/transport"
)

// registrySender is hub.Sender's concrete realization: one
// transport.Registry per channel, keyed by channel name, so the Hub can
// address a reply or a notification broadcast without ever importing
// internal/transport itself.
type registrySender struct {
	registries map[string]*transport.Registry
	codec      *envelope.Codec
}

func (s *registrySender) SendTo(ctx context.Context, channel, identity string, frames [][]byte) error {
	reg, ok := s.registries[channel]
	if !ok {
		return fmt.Errorf("controller: no registry for channel %q", channel)
	}
	conn := reg.Get(identity)
	if conn == nil {
		return fmt.Errorf("controller: %s has no live %s connection", identity, channel)
	}
	return conn.Send(ctx, frames)
}

func (s *registrySender) Identities(channel string) []string {
	reg, ok := s.registries[channel]
	if !ok {
		return nil
	}
	return reg.Identities()
}

// heartBroadcaster adapts the heartbeat channel's registry to
// heartmonitor.Broadcaster.
type heartBroadcaster struct {
	registry *transport.Registry
	codec    *envelope.Codec
	newID    func() string
}

func (b *heartBroadcaster) BroadcastBeacon(ctx context.Context, beaconID string) error {
	env := &envelope.Envelope{
		Header:  envelope.NewHeader(b.newID(), "heartbeat", "", "hub"),
		Content: []byte(fmt.Sprintf(`{"beacon_id":%q}`, beaconID)),
	}
	frames, err := b.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("controller: encode beacon: %w", err)
	}
	errs := b.registry.Broadcast(func(c *transport.Conn) error {
		return c.Send(ctx, frames)
	})
	if len(errs) > 0 {
		return fmt.Errorf("controller: beacon delivery failed to %d engines", len(errs))
	}
	return nil
}

// schedDispatcher adapts the task channel's registry, plus the Hub's
// identity lookup, to scheduler.Dispatcher: it is the only place a
// load-balanced task's envelope is actually put on the wire.
type schedDispatcher struct {
	hub      *hub.Hub
	registry *transport.Registry
	codec    *envelope.Codec
	log      *slog.Logger
}

func (d *schedDispatcher) Dispatch(ctx context.Context, engineID string, task *scheduler.Task) error {
	env, ok := task.Envelope.(*envelope.Envelope)
	if !ok || env == nil {
		return fmt.Errorf("controller: task %s carries no envelope", task.RequestID)
	}
	identity := d.hub.EngineIdentity(ctx, engineID)
	if identity == "" {
		return fmt.Errorf("controller: engine %s has no known routing identity", engineID)
	}
	conn := d.registry.Get(identity)
	if conn == nil {
		return fmt.Errorf("controller: engine %s (%s) has no live task connection", engineID, identity)
	}

	frames, err := d.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("controller: encode task dispatch: %w", err)
	}
	if err := conn.Send(ctx, frames); err != nil {
		return fmt.Errorf("controller: send task to %s: %w", engineID, err)
	}

	dispatched := *env
	dispatched.RoutingIdentities = append(append([]string(nil), env.RoutingIdentities...), identity)
	d.hub.MonitorFrame("task", "in", &dispatched)
	return nil
}

// schedSink adapts the scheduler's terminal outcomes (a task that never
// reached an engine, or an in-flight task whose engine died with no
// alternative available) back into client-visible replies and ledger
// updates, per scheduler.go's handleEngineDown contract.
type schedSink struct {
	hub     *hub.Hub
	backend storage.Backend
	sched   *scheduler.Scheduler
	log     *slog.Logger
}

func (s *schedSink) Fail(task *scheduler.Task, failure *ctlerr.Error) {
	env, ok := task.Envelope.(*envelope.Envelope)
	if !ok || env == nil {
		s.log.Error("controller: scheduler failure for task with no envelope", "request_id", task.RequestID)
		return
	}
	ctx := context.Background()
	if err := s.backend.UpdateStatus(ctx, task.RequestID, storage.StatusFailed); err != nil {
		s.log.Warn("controller: mark scheduler-failed request", "request_id", task.RequestID, "error", err)
	}
	s.hub.SchedulerFailure(ctx, task.ClientID, env.Header, failure)
}

func (s *schedSink) Resubmit(original *scheduler.Task, newRequestID string) {
	env, ok := original.Envelope.(*envelope.Envelope)
	if !ok || env == nil {
		s.log.Error("controller: scheduler resubmit for task with no envelope", "request_id", original.RequestID)
		return
	}
	ctx := context.Background()
	if err := s.backend.UpdateStatus(ctx, original.RequestID, storage.StatusResubmitted); err != nil {
		s.log.Warn("controller: mark resubmitted request", "request_id", original.RequestID, "error", err)
	}

	newHeader := env.Header
	newHeader.MsgID = newRequestID
	newEnv := &envelope.Envelope{
		Header:       newHeader,
		ParentHeader: env.ParentHeader,
		Metadata:     env.Metadata,
		Content:      env.Content,
		Buffers:      env.Buffers,
	}

	s.sched.Submit(&scheduler.Task{
		RequestID: newRequestID,
		ClientID:  original.ClientID,
		After:     original.After,
		Follow:    original.Follow,
		FollowAny: original.FollowAny,
		Targets:   original.Targets,
		Timeout:   original.Timeout,
		Envelope:  newEnv,
	})
	s.log.Info("controller: resubmitted task", "original_request_id", original.RequestID, "new_request_id", newRequestID)
}
