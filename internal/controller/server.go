package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/swarmctl/swarmctl/internal/ctlerr"
	"github.com/swarmctl/swarmctl/internal/depgraph"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/heartmonitor"
	"github.com/swarmctl/swarmctl/internal/hub"
	"github.com/swarmctl/swarmctl/internal/scheduler"
	"github.com/swarmctl/swarmctl/internal/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// server is the HTTP/websocket front door: one upgrade handler per wire
// channel, plus the JSON admin API and /metrics. It holds no ledger state
// of its own — every decision it can't make from the request alone
// (who's alive, what a request's status is, how to route a reply) goes
// through the Hub or the scheduler.
type server struct {
	hub        *hub.Hub
	sched      *scheduler.Scheduler
	monitor    *heartmonitor.Monitor
	registries map[string]*transport.Registry
	codec      *envelope.Codec
	log        *slog.Logger

	mux     *hub.MonitoredQueue
	control *hub.MonitoredQueue
	iopub   *hub.MonitoredQueue
}

func newServer(h *hub.Hub, sched *scheduler.Scheduler, monitor *heartmonitor.Monitor, registries map[string]*transport.Registry, codec *envelope.Codec, newID func() string, log *slog.Logger) *server {
	sender := &registrySender{registries: registries, codec: codec}
	return &server{
		hub:        h,
		sched:      sched,
		monitor:    monitor,
		registries: registries,
		codec:      codec,
		log:        log,
		mux:        hub.NewMonitoredQueue("mux", codec, sender, h),
		control:    hub.NewMonitoredQueue("control", codec, sender, h),
		iopub:      hub.NewMonitoredQueue("iopub", codec, sender, h),
	}
}

func (s *server) register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/registration", s.handleRegistration)
	mux.HandleFunc("/ws/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/ws/mux", s.handleDirectChannel("mux", s.mux))
	mux.HandleFunc("/ws/control", s.handleDirectChannel("control", s.control))
	mux.HandleFunc("/ws/task", s.handleTask)
	mux.HandleFunc("/ws/iopub", s.handleIOPub)
	mux.HandleFunc("/ws/notification", s.handleNotification)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/queue_status", s.handleQueueStatus)
	mux.HandleFunc("/api/purge_results", s.handlePurgeResults)
	mux.HandleFunc("/api/resubmit_request", s.handleResubmitRequest)
	mux.HandleFunc("/api/get_result", s.handleGetResult)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/db_query", s.handleDBQuery)
	mux.HandleFunc("/api/abort", s.handleAbortAPI)
}

func identityFrom(r *http.Request) string {
	return r.URL.Query().Get("identity")
}

func acceptWS(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
}

// handleRegistration runs the one-shot registration handshake: accept,
// read exactly one frame, hand it to the Hub, write exactly one reply,
// close. Engines open a second, persistent connection on the task
// channel for actual work, matching internal/engine/client.go's register()
// being a one-shot call distinct from its long-lived dispatch channels.
func (s *server) handleRegistration(w http.ResponseWriter, r *http.Request) {
	ws, err := acceptWS(w, r)
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	frames, err := transport.ReadFrames(ctx, ws)
	if err != nil {
		s.log.Warn("controller: registration read", "error", err)
		return
	}
	env, err := s.codec.Decode(frames)
	if err != nil {
		s.log.Warn("controller: registration decode", "error", err)
		return
	}

	identity := identityFrom(r)
	if identity == "" && len(env.RoutingIdentities) > 0 {
		identity = env.RoutingIdentities[0]
	}
	if identity == "" {
		return
	}

	reply := s.hub.Register(ctx, identity)
	if reply == nil {
		return
	}
	out, err := s.codec.Encode(reply)
	if err != nil {
		s.log.Error("controller: encode registration reply", "error", err)
		return
	}
	_ = transport.NewConn(identity, "registration", ws).Send(ctx, out)

	var body struct {
		EngineID string `json:"engine_id"`
	}
	if err := json.Unmarshal(reply.Content, &body); err == nil && body.EngineID != "" {
		s.sched.EngineUp(body.EngineID)
	}
}

// handleHeartbeat keeps one persistent connection per engine, echoing the
// identity into the heart monitor on every received beacon response and
// driving the same departure cascade a missed beacon would on ungraceful
// disconnect.
func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ws, err := acceptWS(w, r)
	if err != nil {
		return
	}
	identity := identityFrom(r)
	if identity == "" {
		ws.Close(websocket.StatusPolicyViolation, "missing identity")
		return
	}

	conn := transport.NewConn(identity, "heartbeat", ws)
	reg := s.registries["heartbeat"]
	reg.Register(conn)
	defer func() {
		reg.Unregister(identity, conn)
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, err := transport.ReadFrames(ctx, ws)
		if err != nil {
			s.handleEngineGone(identity)
			return
		}
		s.monitor.Echo(identity)
	}
}

// handleEngineGone runs the same departure sequence the heart monitor's
// onDead callback does, for the case where the transport itself notices
// the disconnect before a missed beacon would.
func (s *server) handleEngineGone(identity string) {
	ctx := context.Background()
	engineID := s.hub.EngineIDForIdentity(ctx, identity)
	s.hub.HeartFailure(identity)
	if engineID != "" {
		s.sched.EngineDown(engineID)
	}
}

// handleDirectChannel serves the mux/control channels: every frame names
// its destination via Metadata["target"] (an engine_id or routing
// identity, resolved through the Hub), and is forwarded verbatim except
// for abort_request, which the Hub's control handler must see directly so
// its internal-abort branch fires without ever reaching an engine.
func (s *server) handleDirectChannel(channel string, q *hub.MonitoredQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := acceptWS(w, r)
		if err != nil {
			return
		}
		identity := identityFrom(r)
		conn := transport.NewConn(identity, channel, ws)
		reg := s.registries[channel]
		reg.Register(conn)
		defer func() {
			reg.Unregister(identity, conn)
			ws.Close(websocket.StatusNormalClosure, "")
		}()

		ctx := r.Context()
		for {
			frames, err := transport.ReadFrames(ctx, ws)
			if err != nil {
				return
			}
			s.handleDirectFrame(ctx, channel, identity, q, frames)
		}
	}
}

func (s *server) handleDirectFrame(ctx context.Context, channel, identity string, q *hub.MonitoredQueue, frames [][]byte) {
	env, err := s.codec.Decode(frames)
	if err != nil {
		s.log.Warn("controller: decode direct frame", "channel", channel, "error", err)
		return
	}

	if channel == "control" && env.Header.MsgType == "abort_request" {
		env.RoutingIdentities = append(env.RoutingIdentities, identity)
		s.hub.MonitorFrame("control", "in", env)
		return
	}

	if env.ParentHeader != nil {
		// A reply flowing engine->client: look up the client by the
		// original request rather than trusting routing identities,
		// since internal/engine/client.go's handleApply never sets
		// RoutingIdentities on its reply envelopes.
		recs := s.hub.GetResult(ctx, []string{env.ParentHeader.MsgID})
		if len(recs) == 0 || recs[0].ClientID == "" {
			s.log.Warn("controller: direct reply for unknown request", "request_id", env.ParentHeader.MsgID)
			return
		}
		if err := q.ForwardOut(ctx, recs[0].ClientID, frames); err != nil {
			s.log.Warn("controller: forward direct reply", "channel", channel, "error", err)
		}
		return
	}

	target, _ := env.Metadata["target"].(string)
	if target == "" {
		s.log.Warn("controller: direct frame missing target", "channel", channel)
		return
	}
	engineIDs, unknown := s.hub.ResolveTargets(ctx, []string{target})
	if len(unknown) > 0 {
		s.hub.Fail(ctx, channel, identity, env.Header, ctlerr.KindUnknownEngine, "unknown target %q", target)
		return
	}
	destIdentity := s.hub.EngineIdentity(ctx, engineIDs[0])
	if destIdentity == "" {
		return
	}
	if err := q.ForwardIn(ctx, identity, destIdentity, frames); err != nil {
		s.log.Warn("controller: forward direct frame", "channel", channel, "error", err)
	}
}

// handleTask serves the load-balanced task channel: inbound submissions go
// straight to the scheduler (never forwarded directly), and replies are
// routed back to the submitting client by request id, then handed to
// scheduler.Complete so it can update engine load and resubmission state.
func (s *server) handleTask(w http.ResponseWriter, r *http.Request) {
	ws, err := acceptWS(w, r)
	if err != nil {
		return
	}
	identity := identityFrom(r)
	conn := transport.NewConn(identity, "task", ws)
	reg := s.registries["task"]
	reg.Register(conn)
	defer func() {
		reg.Unregister(identity, conn)
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		frames, err := transport.ReadFrames(ctx, ws)
		if err != nil {
			return
		}
		s.handleTaskFrame(ctx, identity, frames)
	}
}

func (s *server) handleTaskFrame(ctx context.Context, identity string, frames [][]byte) {
	env, err := s.codec.Decode(frames)
	if err != nil {
		s.log.Warn("controller: decode task frame", "error", err)
		return
	}

	if env.ParentHeader != nil {
		s.handleTaskReply(ctx, identity, env, frames)
		return
	}

	// No ledger record is created here: the Hub only observes a task the
	// instant it is actually dispatched to an engine (schedDispatcher.Dispatch
	// tees that frame), matching its "assigned and running collapse into
	// one observed transition" invariant for queued work still waiting on
	// dependencies or a free engine. The submitting client's identity is
	// recorded onto the envelope now, so that when the dispatch frame is
	// later teed to the Hub (with the engine's identity appended after
	// it), handleDispatchFrame can recover both ends from RoutingIdentities.
	env.RoutingIdentities = append(env.RoutingIdentities, identity)
	sub := decodeSubheader(env.Metadata)

	targets := sub.Targets
	if len(targets) > 0 {
		engineIDs, unknown := s.hub.ResolveTargets(ctx, targets)
		if len(unknown) > 0 {
			s.hub.Fail(ctx, "task", identity, env.Header, ctlerr.KindUnknownEngine, "unknown targets %v", unknown)
			return
		}
		targets = engineIDs
	}

	task := &scheduler.Task{
		RequestID: env.Header.MsgID,
		ClientID:  identity,
		After:     depgraph.Dependency{MsgIDs: sub.After, All: true, SuccessOnly: false},
		Targets:   targets,
		Envelope:  env,
	}
	if sub.Follow != nil {
		task.Follow = depgraph.Dependency{MsgIDs: sub.Follow.MsgIDs, All: sub.Follow.All, SuccessOnly: sub.Follow.SuccessOnly}
		task.FollowAny = !sub.Follow.All
	}
	if sub.Timeout != nil {
		task.Timeout = time.Duration(*sub.Timeout * float64(time.Second))
	}
	s.sched.Submit(task)
}

func (s *server) handleTaskReply(ctx context.Context, engineIdentity string, env *envelope.Envelope, frames [][]byte) {
	requestID := env.ParentHeader.MsgID
	env.RoutingIdentities = append(env.RoutingIdentities, engineIdentity)
	s.hub.MonitorFrame("task", "out", env)

	recs := s.hub.GetResult(ctx, []string{requestID})
	if len(recs) == 0 {
		s.log.Warn("controller: task reply for unknown request", "request_id", requestID)
		return
	}
	rec := recs[0]

	success := !replyIsError(env.Content)
	engineID := s.hub.EngineIDForIdentity(ctx, engineIdentity)
	s.sched.Complete(scheduler.Completion{RequestID: requestID, EngineID: engineID, Success: success, CompletedAt: time.Now()})

	if rec.ClientID == "" {
		return
	}
	reg := s.registries["task"]
	conn := reg.Get(rec.ClientID)
	if conn == nil {
		s.log.Warn("controller: client has no live task connection for reply", "client_id", rec.ClientID)
		return
	}
	if err := conn.Send(ctx, frames); err != nil {
		s.log.Warn("controller: deliver task reply", "client_id", rec.ClientID, "error", err)
	}
}

func (s *server) handleIOPub(w http.ResponseWriter, r *http.Request) {
	ws, err := acceptWS(w, r)
	if err != nil {
		return
	}
	identity := identityFrom(r)
	conn := transport.NewConn(identity, "iopub", ws)
	reg := s.registries["iopub"]
	reg.Register(conn)
	defer func() {
		reg.Unregister(identity, conn)
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		frames, err := transport.ReadFrames(ctx, ws)
		if err != nil {
			return
		}
		s.iopub.TeeIOPub(ctx, frames)
	}
}

// handleNotification is a pure broadcast-subscriber registration: clients
// connect and read, the Hub pushes registration/unregistration events via
// the Sender it already holds, and nothing is ever read back.
func (s *server) handleNotification(w http.ResponseWriter, r *http.Request) {
	ws, err := acceptWS(w, r)
	if err != nil {
		return
	}
	identity := identityFrom(r)
	conn := transport.NewConn(identity, "notification", ws)
	reg := s.registries["notification"]
	reg.Register(conn)
	defer func() {
		reg.Unregister(identity, conn)
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	<-ctx.Done()
}

func replyIsError(content []byte) bool {
	var rc struct {
		Status string `json:"status,omitempty"`
	}
	_ = json.Unmarshal(content, &rc)
	return rc.Status == "error"
}

func decodeSubheader(meta map[string]any) envelope.SchedulerSubheader {
	var sub envelope.SchedulerSubheader
	if meta == nil {
		return sub
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return sub
	}
	_ = json.Unmarshal(b, &sub)
	return sub
}

// --- JSON admin API -------------------------------------------------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeCtlErr(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	writeJSON(w, map[string]string{"error": err.Error()})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	targets := splitCSV(r.URL.Query().Get("targets"))
	verbose := r.URL.Query().Get("verbose") == "true"
	writeJSON(w, s.hub.QueueStatus(r.Context(), targets, verbose))
}

func (s *server) handlePurgeResults(w http.ResponseWriter, r *http.Request) {
	ids := splitCSV(r.URL.Query().Get("request_ids"))
	targets := splitCSV(r.URL.Query().Get("targets"))
	if err := s.hub.PurgeResults(r.Context(), ids, targets); err != nil {
		writeCtlErr(w, err)
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *server) handleResubmitRequest(w http.ResponseWriter, r *http.Request) {
	ids := splitCSV(r.URL.Query().Get("request_ids"))
	clientID := r.URL.Query().Get("client_id")
	newIDs, err := s.hub.ResubmitRequest(r.Context(), ids, clientID)
	if err != nil {
		writeCtlErr(w, err)
		return
	}
	writeJSON(w, newIDs)
}

func (s *server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	ids := splitCSV(r.URL.Query().Get("request_ids"))
	writeJSON(w, s.hub.GetResult(r.Context(), ids))
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hub.History(r.Context(), r.URL.Query().Get("client_id")))
}

func (s *server) handleDBQuery(w http.ResponseWriter, r *http.Request) {
	ids := splitCSV(r.URL.Query().Get("request_ids"))
	writeJSON(w, s.hub.DBQuery(r.Context(), ids, r.URL.Query().Get("status"), r.URL.Query().Get("engine_id"), r.URL.Query().Get("client_id")))
}

func (s *server) handleAbortAPI(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeCtlErr(w, ctlerr.New(ctlerr.KindUnknownRequest, "missing request_id"))
		return
	}
	s.hub.Abort(requestID)
	writeJSON(w, map[string]bool{"ok": true})
}
