// Package controller is the compute controller's factory: it binds the
// storage backend, wire codec, transport registries, heart monitor, Hub,
// and task scheduler into one runnable process. Hub never imports
// transport, and scheduler never imports hub (Hub uses only the
// scheduler's Task type), so this is the one place their
// interfaces actually meet concrete implementations, mirroring the
// teacher's hub.NewServer/engine's Client construction pattern.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/swarmctl/swarmctl/internal/config"
	"github.com/swarmctl/swarmctl/internal/envelope"
	"github.com/swarmctl/swarmctl/internal/heartmonitor"
	"github.com/swarmctl/swarmctl/internal/hub"
	"github.com/swarmctl/swarmctl/internal/id"
	"github.com/swarmctl/swarmctl/internal/logging"
	"github.com/swarmctl/swarmctl/internal/metrics"
	"github.com/swarmctl/swarmctl/internal/scheduler"
	"github.com/swarmctl/swarmctl/internal/storage"
	"github.com/swarmctl/swarmctl/internal/transport"
)

// channels lists every logical socket the wire protocol defines. Each
// gets its own transport.Registry, even registration and notification
// which never carry scheduled work, so internal/transport's connection
// metrics stay broken down the same way for all of them.
var channels = []string{"registration", "mux", "control", "task", "iopub", "notification", "heartbeat"}

// Controller owns every live subsystem goroutine and the HTTP listener
// that accepts engine and client connections.
type Controller struct {
	cfg *config.Controller
	log *slog.Logger

	backend storage.Backend
	codec   *envelope.Codec

	registries map[string]*transport.Registry
	hub        *hub.Hub
	sched      *scheduler.Scheduler
	monitor    *heartmonitor.Monitor
	srv        *server

	httpSrv *http.Server
}

// New builds a Controller from cfg but starts nothing; call Serve to run
// it. ExecKey, when non-empty, is used as the HMAC signing key for every
// envelope this controller emits or verifies.
func New(cfg *config.Controller, execKey []byte, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}

	var backend storage.Backend
	if cfg.DocumentStoreDriver == "memory" {
		backend = storage.NewMemory()
	} else {
		db, err := storage.OpenDocumentStore(cfg.DocumentStorePath())
		if err != nil {
			return nil, fmt.Errorf("controller: open document store: %w", err)
		}
		backend = db
	}

	codec, err := envelope.NewCodec(execKey)
	if err != nil {
		return nil, fmt.Errorf("controller: build codec: %w", err)
	}

	registries := make(map[string]*transport.Registry, len(channels))
	for _, ch := range channels {
		registries[ch] = transport.NewRegistry(ch)
	}

	newID := id.Generate
	depTimeout := time.Duration(cfg.DependencyTimeoutS) * time.Second

	h := hub.New(backend, nil, codec, newID, depTimeout, log)
	h.SetSender(&registrySender{registries: registries, codec: codec})

	sink := &schedSink{hub: h, backend: backend, log: log}
	dispatcher := &schedDispatcher{hub: h, registry: registries["task"], codec: codec, log: log}
	sched := scheduler.New(scheduler.Policy(cfg.SchedulerPolicy), dispatcher, sink, newID, log)
	sink.sched = sched
	h.SetDispatcher(sched)

	onDead := func(identity string) {
		ctx := context.Background()
		engineID := h.EngineIDForIdentity(ctx, identity)
		h.HeartFailure(identity)
		if engineID != "" {
			sched.EngineDown(engineID)
		}
	}
	monitor := heartmonitor.New(
		time.Duration(cfg.HeartbeatPeriodMS)*time.Millisecond,
		cfg.HeartbeatMaxMissed,
		&heartBroadcaster{registry: registries["heartbeat"], codec: codec, newID: newID},
		onDead,
		log,
	)
	h.SetHeartbeats(monitor)

	srv := newServer(h, sched, monitor, registries, codec, newID, log)

	return &Controller{
		cfg:        cfg,
		log:        log,
		backend:    backend,
		codec:      codec,
		registries: registries,
		hub:        h,
		sched:      sched,
		monitor:    monitor,
		srv:        srv,
	}, nil
}

// Serve runs the Hub, scheduler and heart monitor goroutines and the HTTP
// listener until ctx is cancelled, then shuts the listener down, cancels
// the three goroutines together (without waiting for them to exit), and
// closes storage.
func (c *Controller) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.hub.Run(runCtx)
	go c.sched.Run(runCtx)
	go c.monitor.Run(runCtx)

	mux := http.NewServeMux()
	c.srv.register(mux)
	handler := logging.HTTPMiddleware(metrics.HTTPMiddleware(mux))

	c.httpSrv = &http.Server{
		Addr:    c.cfg.Addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("controller: listen on %s: %w", c.cfg.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			return fmt.Errorf("controller: serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = c.httpSrv.Shutdown(shutdownCtx)
	cancel()

	return c.backend.Close()
}
