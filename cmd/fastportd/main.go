// Command fastportd is fastPort's server entrypoint: it loads
// configuration, wires the broker core (C1-C8) to a concrete storage
// backend and transport, and serves client connections until SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fastport-io/fastport/internal/clock"
	"github.com/fastport-io/fastport/internal/config"
	"github.com/fastport-io/fastport/internal/connection"
	"github.com/fastport-io/fastport/internal/filestream"
	"github.com/fastport-io/fastport/internal/logging"
	"github.com/fastport-io/fastport/internal/metrics"
	"github.com/fastport-io/fastport/internal/notifier"
	"github.com/fastport-io/fastport/internal/publish"
	"github.com/fastport-io/fastport/internal/retry"
	"github.com/fastport-io/fastport/internal/session"
	"github.com/fastport-io/fastport/internal/storage"
	"github.com/fastport-io/fastport/internal/storage/memstore"
	"github.com/fastport-io/fastport/internal/storage/pgstore"
	"github.com/fastport-io/fastport/internal/subindex"
	"github.com/fastport-io/fastport/internal/sweeper"
	"github.com/fastport-io/fastport/internal/transport"
)

func main() {
	cmd := &cobra.Command{
		Use:   "fastportd",
		Short: "fastPort multi-tenant publish/subscribe broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	log := logging.NewZerolog()

	cfg, err := config.Load()
	if err != nil {
		// FatalStartupError (spec §7): config is as foundational as
		// storage init, so a bad config also exits non-zero before
		// accepting a single connection.
		return fmt.Errorf("fastportd: load config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("fastportd: open storage: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Init(ctx); err != nil {
		// FatalStartupError (spec §7): storage init failure at boot.
		return fmt.Errorf("fastportd: storage init: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	clk := clock.New()
	index := subindex.New()
	sessions := session.New(store, log)
	tracker := notifier.NewTargetTracker()

	retryEngine := retry.New(store, clk, index, sessions, nil, log)
	retryEngine.SetMetrics(m)

	// Every offline-push call goes through Bounded, even over Noop, so
	// swapping in a real push gateway later never needs a second wiring
	// change to pick up the bounded-deadline contract (spec §5).
	pipeline := publish.New(sessions, index, retryEngine, notifier.NewBounded(notifier.Noop{}), tracker, log)
	retryEngine.SetDeliverer(pipeline)

	files := filestream.New(sessions, index, log)

	conns := newConnRegistry()

	// Tear down in-memory state owned by other packages when a session
	// is dropped (spec §4.3 DropSession): the Session Registry only
	// knows about storage, so this wiring layer fills the gap.
	sessions.AddDropHook(session.DropHookFunc(func(_ context.Context, name string) {
		index.DropSession(name)
		tracker.Forget(name)
	}))
	sessions.AddDropHook(session.DropHookFunc(func(ctx context.Context, name string) {
		if err := retryEngine.PurgeSession(ctx, name); err != nil {
			log.Log(logging.LevelWarn, "session.purge_failed", "session", name, "err", err)
		}
	}))
	sessions.AddDropHook(session.DropHookFunc(func(ctx context.Context, name string) {
		conns.dropSession(ctx, name)
	}))

	// Best-effort recovery of pending messages across every known
	// session (spec §4.6 "Recovery").
	if known, err := sessions.ListSessions(ctx); err == nil {
		for _, s := range known {
			if err := retryEngine.Recover(ctx, s.Name); err != nil {
				log.Log(logging.LevelWarn, "retry.recover_failed", "session", s.Name, "err", err)
			}
		}
	}

	sweep := sweeper.New(store, clk, cfg.CleanupInterval, log)
	go sweep.Run(ctx)

	toks := &tokenStore{store: store, tracker: tracker}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/fastport", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Log(logging.LevelWarn, "transport.upgrade_failed", "err", err)
			return
		}
		serveConnection(r.Context(), ws, cfg, sessions, index, pipeline, files, toks, conns, m, log)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Log(logging.LevelInfo, "fastportd.listening", "port", cfg.Port, "dbType", string(cfg.DBType))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Log(logging.LevelInfo, "fastportd.shutting_down")
	case err := <-errCh:
		return fmt.Errorf("fastportd: listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Log(logging.LevelWarn, "fastportd.shutdown_error", "err", err)
	}

	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.DBType {
	case config.DBTypePostgres:
		return pgstore.Open(cfg.PostgresDSN)
	default:
		return memstore.New(), nil
	}
}

// serveConnection runs one connection's frame read loop until the
// transport closes or a fatal read error occurs (spec §4.5).
func serveConnection(
	ctx context.Context,
	ws *websocket.Conn,
	cfg *config.Config,
	sessions *session.Registry,
	index *subindex.Index,
	pipeline *publish.Pipeline,
	files *filestream.Router,
	toks *tokenStore,
	conns *connRegistry,
	m *metrics.Metrics,
	log logging.Logger,
) {
	tr := transport.New(ws, cfg.MaxPayloadBytes)
	conn := connection.New(tr, sessions, index, pipeline, files, toks, log)
	conn.SetOnAuthenticated(conns.add)
	conn.SetOnClosed(conns.remove)

	m.ActiveConns.Inc()
	defer m.ActiveConns.Dec()

	stop := make(chan struct{})
	go tr.RunPinger(stop)
	defer close(stop)

	defer func() {
		conn.Close()
		log.Log(logging.LevelInfo, "connection.closed", "connId", conn.ConnID())
	}()

	for {
		binary, data, err := tr.ReadMessage()
		if err != nil {
			return
		}
		if binary {
			conn.HandleBinary(ctx, data)
		} else {
			conn.HandleText(ctx, data)
		}
	}
}

// tokenStore adapts storage.Store + notifier.TargetTracker to
// connection.TokenStore: a successful register_fcm_token both
// persists the device token and marks the userId as an offline-push
// target (spec §4.5, §4.7 step 4).
type tokenStore struct {
	store   storage.Store
	tracker *notifier.TargetTracker
}

func (t *tokenStore) SaveDeviceToken(ctx context.Context, tok storage.DeviceToken) error {
	return t.store.SaveDeviceToken(ctx, tok)
}

func (t *tokenStore) TrackUser(sess, userID string) {
	t.tracker.Track(sess, userID)
}

// connRegistry tracks every authenticated connection by the session it
// is bound to, purely so DropSession (spec §4.3) can force-close
// connections the index and retry engine don't reach on their own: a
// connection need not be subscribed to anything or carry a userId to
// be "bound" to a session.
type connRegistry struct {
	mu  sync.Mutex
	byS map[string]map[string]*connection.Connection
}

func newConnRegistry() *connRegistry {
	return &connRegistry{byS: make(map[string]map[string]*connection.Connection)}
}

func (r *connRegistry) add(c *connection.Connection) {
	name := c.SessionName()
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byS[name]
	if !ok {
		set = make(map[string]*connection.Connection)
		r.byS[name] = set
	}
	set[c.ConnID()] = c
}

func (r *connRegistry) remove(c *connection.Connection) {
	name := c.SessionName()
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byS[name]
	if !ok {
		return
	}
	delete(set, c.ConnID())
	if len(set) == 0 {
		delete(r.byS, name)
	}
}

func (r *connRegistry) dropSession(ctx context.Context, name string) {
	r.mu.Lock()
	set := r.byS[name]
	delete(r.byS, name)
	r.mu.Unlock()

	for _, c := range set {
		c.Drop(ctx, "session dropped")
	}
}
