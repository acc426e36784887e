// Package daemon assembles the useaid process: configuration, keystore,
// chain store, indices, coordinator, query service, and the HTTP server,
// plus the background loops that keep them healthy. Run blocks until the
// context is cancelled or a signal arrives, then shuts down in an order
// that leaves recoverable sessions in active/.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/chain"
	"github.com/useai-dev/useaid/config"
	"github.com/useai-dev/useaid/index"
	"github.com/useai-dev/useaid/keystore"
	"github.com/useai-dev/useaid/lifecycle"
	"github.com/useai-dev/useaid/query"
	"github.com/useai-dev/useaid/server"
	"github.com/useai-dev/useaid/slogger"
)

// connMapRetention is how long a connection mapping outlives its sealed
// session before the GC pass drops it.
const connMapRetention = 30 * 24 * time.Hour

// connMapGCInterval is how often the GC pass runs.
const connMapGCInterval = 24 * time.Hour

// DefaultRootName is the directory under the user's home that holds all
// daemon state.
const DefaultRootName = ".useai"

// Options configures a Daemon.
type Options struct {
	// RootDir holds all daemon state. Defaults to ~/.useai.
	RootDir string

	// Addr overrides the listen address, for tests. Defaults to
	// 127.0.0.1 on the configured port.
	Addr string

	Logger slogger.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Daemon is the assembled process.
type Daemon struct {
	root    string
	addr    string
	logger  slogger.Logger
	now     func() time.Time
	current atomic.Pointer[config.Config]

	chains     *chain.Store
	sessions   *index.Sessions
	milestones *index.Milestones
	connmap    *index.ConnMap
	keys       *keystore.Keystore
	coord      *lifecycle.Coordinator
	queries    *query.Service
	server     *server.Server
}

// New builds the daemon over RootDir, creating the directory layout,
// loading configuration, and running the index dedupe pass. A malformed
// config.json is the one fatal error; everything else degrades.
func New(opts Options) (*Daemon, error) {
	if opts.RootDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		opts.RootDir = filepath.Join(home, DefaultRootName)
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	d := &Daemon{
		root:   opts.RootDir,
		addr:   opts.Addr,
		logger: opts.Logger,
		now:    opts.Now,
	}

	cfg, err := config.Load(d.root)
	if err != nil {
		return nil, err
	}
	d.current.Store(cfg)

	keys, err := keystore.New(keystore.Options{
		Path:   filepath.Join(d.root, "keystore.json"),
		Logger: d.logger,
	})
	if err != nil {
		d.logger.Warn("keystore unavailable, records will carry empty signatures", "error", err)
	} else {
		d.keys = keys
	}
	var signer chain.Signer
	if d.keys != nil {
		signer = d.keys
	}

	d.chains, err = chain.New(chain.Options{
		Dir:    filepath.Join(d.root, "data"),
		Signer: signer,
		Logger: d.logger,
		Now:    d.now,
	})
	if err != nil {
		return nil, err
	}
	d.sessions = index.NewSessions(filepath.Join(d.root, "data", "sessions.json"), d.logger)
	d.milestones = index.NewMilestones(filepath.Join(d.root, "data", "milestones.json"), d.logger)
	d.connmap = index.NewConnMap(filepath.Join(d.root, "connection_map.json"), d.logger)

	if removed, err := d.sessions.Dedupe(); err != nil {
		d.logger.Warn("failed to dedupe sessions index", "error", err)
	} else if removed > 0 {
		d.logger.Info("deduplicated sessions index", "removed", removed)
	}

	d.coord = lifecycle.New(lifecycle.Options{
		Chains:     d.chains,
		Sessions:   d.sessions,
		Milestones: d.milestones,
		ConnMap:    d.connmap,
		Signer:     signer,
		Config:     d.current.Load,
		Logger:     d.logger,
		Now:        d.now,
	})
	d.queries = query.New(query.Options{
		Sessions:   d.sessions,
		Milestones: d.milestones,
		Chains:     d.chains,
		Logger:     d.logger,
		Now:        d.now,
	})
	d.server = server.New(server.Options{
		Coordinator:   d.coord,
		Query:         d.queries,
		Chains:        d.chains,
		ConfigDir:     d.root,
		Config:        d.current.Load,
		OnConfigSaved: func(cfg *config.Config) { d.current.Store(cfg) },
		Logger:        d.logger,
		Now:           d.now,
	})
	return d, nil
}

// Run binds, sweeps, serves, and blocks until ctx is cancelled or a
// termination signal arrives. A nil return means a clean exit, including
// the bind-contention cases; callers must not map those to a failure
// status.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := d.addr
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", d.current.Load().EffectivePort())
	}
	listener, err := d.bind(ctx, addr)
	if err != nil {
		return err
	}
	if listener == nil {
		return nil
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	if err := writePIDFile(d.root, os.Getpid(), port, d.now()); err != nil {
		d.logger.Warn("failed to write pid file", "error", err)
	}
	defer removePIDFile(d.root)

	// Chains orphaned by the previous process get sealed before the first
	// request can observe them.
	if sealed, err := d.coord.Sweep(); err != nil {
		d.logger.Warn("startup sweep failed", "error", err)
	} else if sealed > 0 {
		d.logger.Info("startup sweep sealed orphaned chains", "count", sealed)
	}

	httpServer := &http.Server{Handler: d.server.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return d.coord.SweepLoop(gctx, lifecycle.SweepInterval)
	})
	g.Go(func() error {
		return d.connMapGCLoop(gctx)
	})
	g.Go(func() error {
		return config.Watch(gctx, d.root, d.logger, func(cfg *config.Config) {
			d.current.Store(cfg)
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	d.logger.Info("daemon listening",
		"addr", listener.Addr().String(),
		"version", useaid.Version,
		"root", d.root)

	err = g.Wait()

	// With the HTTP server drained, no handler can race the shutdown
	// pass. Mapped sessions with records stay in active/ for recovery.
	d.coord.Shutdown()
	d.logger.Info("daemon stopped")
	return err
}

// connMapGCLoop drops mappings whose session sealed more than the
// retention window ago.
func (d *Daemon) connMapGCLoop(ctx context.Context) error {
	ticker := time.NewTicker(connMapGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.gcConnMap()
		}
	}
}

func (d *Daemon) gcConnMap() {
	cutoff := d.now().Add(-connMapRetention)
	removed, err := d.connmap.GC(cutoff, func(sessionID string) bool {
		return d.chains.State(sessionID) != chain.StateActive
	})
	if err != nil {
		d.logger.Warn("connection map gc failed", "error", err)
		return
	}
	if removed > 0 {
		d.logger.Info("connection map gc removed stale mappings", "removed", removed)
	}
}
