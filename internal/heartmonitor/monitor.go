// Package heartmonitor implements the controller's failure detector: a
// periodic beacon broadcast to every registered engine, echo collection on
// a reply channel, and an alive/dead computation every period. A single
// missed beacon is sufficient to mark an engine dead — the design favors
// aggressive failover over slow flapping.
package heartmonitor

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// Broadcaster sends the current beacon id to every known engine. The
// monitor does not know or care how delivery happens (websocket push, a
// transport.Registry.Broadcast, etc.); it only needs to know the beacon
// went out.
type Broadcaster interface {
	BroadcastBeacon(ctx context.Context, beaconID string) error
}

// Monitor runs the beacon/echo protocol on a single cooperative event
// loop, as required by the controller's concurrency model: all state
// (alive set, pending echoes) is touched only from the loop goroutine.
type Monitor struct {
	period      time.Duration
	maxMissed   int
	broadcaster Broadcaster
	onDead      func(identity string)
	log         *slog.Logger

	echoes chan echoEvent
	join   chan string
	leave  chan string
	query  chan aliveQuery

	alive    map[string]bool
	missed   map[string]int
	beaconID uint64
}

type echoEvent struct {
	identity string
}

type aliveQuery struct {
	reply chan []string
}

// New builds a Monitor. onDead is invoked (from the monitor's own loop
// goroutine, so it must not block) once per engine the instant it is
// declared dead; the caller is expected to hand the identity to the Hub
// so it can convert it to an engine_id and drive the state machine.
func New(period time.Duration, maxMissed int, broadcaster Broadcaster, onDead func(identity string), log *slog.Logger) *Monitor {
	if maxMissed < 1 {
		maxMissed = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		period:      period,
		maxMissed:   maxMissed,
		broadcaster: broadcaster,
		onDead:      onDead,
		log:         log,
		echoes:      make(chan echoEvent, 256),
		join:        make(chan string, 16),
		leave:       make(chan string, 16),
		query:       make(chan aliveQuery),
		alive:       make(map[string]bool),
		missed:      make(map[string]int),
	}
}

// Join registers identity as newly alive, to be included starting with
// the next period's beacon.
func (m *Monitor) Join(identity string) {
	select {
	case m.join <- identity:
	default:
		m.log.Warn("heartmonitor: join queue full, dropping", "identity", identity)
	}
}

// Leave removes identity immediately, e.g. on graceful unregistration.
func (m *Monitor) Leave(identity string) {
	select {
	case m.leave <- identity:
	default:
		m.log.Warn("heartmonitor: leave queue full, dropping", "identity", identity)
	}
}

// Echo records that identity responded to the current beacon.
func (m *Monitor) Echo(identity string) {
	select {
	case m.echoes <- echoEvent{identity: identity}:
	default:
		m.log.Warn("heartmonitor: echo queue full, dropping", "identity", identity)
	}
}

// Alive returns a snapshot of the currently alive identity set.
func (m *Monitor) Alive(ctx context.Context) []string {
	reply := make(chan []string, 1)
	select {
	case m.query <- aliveQuery{reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-ctx.Done():
		return nil
	}
}

// Run drives the event loop until ctx is cancelled. It owns all of the
// monitor's state; callers interact with it only through the channel-based
// methods above.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	responded := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return

		case id := <-m.join:
			m.alive[id] = true
			m.missed[id] = 0

		case id := <-m.leave:
			delete(m.alive, id)
			delete(m.missed, id)
			delete(responded, id)

		case e := <-m.echoes:
			responded[e.identity] = true

		case q := <-m.query:
			ids := make([]string, 0, len(m.alive))
			for id := range m.alive {
				ids = append(ids, id)
			}
			q.reply <- ids

		case <-ticker.C:
			m.tick(ctx, responded)
			responded = make(map[string]bool)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, responded map[string]bool) {
	for id := range m.alive {
		if responded[id] {
			m.missed[id] = 0
			continue
		}
		m.missed[id]++
		if m.missed[id] >= m.maxMissed {
			delete(m.alive, id)
			delete(m.missed, id)
			if m.onDead != nil {
				m.onDead(id)
			}
		}
	}

	m.beaconID++
	if m.broadcaster != nil {
		beacon := strconv.FormatUint(m.beaconID, 10)
		if err := m.broadcaster.BroadcastBeacon(ctx, beacon); err != nil {
			m.log.Warn("heartmonitor: beacon broadcast failed", "error", err)
		}
	}
}
