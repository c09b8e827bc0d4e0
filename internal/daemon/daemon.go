// Package daemon runs the long-lived memory engine: it owns the store,
// watcher, retrieval pipeline, write-back queue, and the HTTP surface the
// CLI talks to. One daemon per project root, guarded by a PID file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dmm-sh/dmm/internal/baseline"
	"github.com/dmm-sh/dmm/internal/commit"
	"github.com/dmm-sh/dmm/internal/config"
	"github.com/dmm-sh/dmm/internal/db"
	"github.com/dmm-sh/dmm/internal/embeddings"
	"github.com/dmm-sh/dmm/internal/indexer"
	"github.com/dmm-sh/dmm/internal/parser"
	"github.com/dmm-sh/dmm/internal/queue"
	"github.com/dmm-sh/dmm/internal/retrieval"
	"github.com/dmm-sh/dmm/internal/reviewer"
	"github.com/dmm-sh/dmm/internal/store"
	"github.com/dmm-sh/dmm/internal/usage"
	"github.com/dmm-sh/dmm/internal/watcher"
)

// Version is set via ldflags at build time.
var Version = "dev"

// ErrAlreadyRunning means a live daemon already serves this project root.
var ErrAlreadyRunning = errors.New("daemon already running")

// State is the daemon lifecycle stage.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Daemon composes every subsystem over one project root.
type Daemon struct {
	cfg   *config.Config
	paths config.Paths

	db        *db.DB
	store     *store.Store
	embedder  embeddings.Embedder
	parser    *parser.Parser
	indexer   *indexer.Indexer
	watcher   *watcher.Watcher
	baseline  *baseline.Manager
	router    *retrieval.Router
	queue     *queue.Queue
	reviewer  *reviewer.Reviewer
	committer *commit.Engine
	usage     *usage.Tracker

	httpServer *http.Server
	startedAt  time.Time

	mu       sync.Mutex
	state    State
	shutdown chan struct{}
}

// New creates a Daemon for the given project root. Nothing is opened
// until Start.
func New(cfg *config.Config, paths config.Paths) *Daemon {
	return &Daemon{
		cfg:      cfg,
		paths:    paths,
		state:    StateStopped,
		shutdown: make(chan struct{}),
	}
}

// State returns the current lifecycle stage.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Start brings the daemon up and serves HTTP until the context is
// cancelled or a shutdown is requested.
func (d *Daemon) Start(ctx context.Context) error {
	d.setState(StateStarting)

	if err := d.acquirePID(); err != nil {
		d.setState(StateStopped)
		return err
	}

	if err := d.open(ctx); err != nil {
		removePID(d.paths.PIDFile())
		d.setState(StateStopped)
		return err
	}

	addr := fmt.Sprintf("%s:%d", d.cfg.Daemon.Host, d.cfg.Daemon.Port)
	d.httpServer = &http.Server{
		Addr:              addr,
		Handler:           d.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("dmm daemon listening on %s", addr)
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	d.startedAt = time.Now().UTC()
	d.setState(StateRunning)

	var serveErr error
	select {
	case <-ctx.Done():
	case <-d.shutdown:
	case serveErr = <-errCh:
	}

	stopErr := d.Stop()
	if serveErr != nil {
		return serveErr
	}
	return stopErr
}

// open wires every subsystem: database, vector store, embedder, indexer,
// watcher, baseline cache, and the write-back pipeline. An incremental
// sweep brings the index up to date with whatever changed while the
// daemon was down.
func (d *Daemon) open(ctx context.Context) error {
	database, err := db.Open(d.paths.StoreFile(), d.cfg.Storage)
	if err != nil {
		return err
	}
	d.db = database

	d.store, err = store.New(database)
	if err != nil {
		database.Close()
		return err
	}

	d.embedder, err = embeddings.NewFromConfig(d.cfg.Embeddings)
	if err != nil {
		d.store.Close()
		return err
	}

	if err := d.store.Load(ctx, d.paths.IndexDir()); err != nil {
		log.Printf("vector load: %v (continuing with rebuild)", err)
	}

	d.parser = parser.New(d.cfg.Validation)
	d.indexer = indexer.New(d.cfg, d.paths.MemoryRoot(), d.parser, d.embedder, d.store)
	d.baseline = baseline.NewManager(d.store, d.paths.BaselineCacheFile(), d.cfg.Retrieval.BaselineBudget)
	d.router = retrieval.NewRouter(d.cfg.Retrieval, d.store, d.embedder)
	d.queue = queue.New(database)
	d.reviewer = reviewer.New(d.cfg.Reviewer, d.cfg.Validation, d.store, d.embedder)
	d.committer = commit.New(d.paths.MemoryRoot(), d.cfg.Validation, d.queue, d.store, d.indexer, d.baseline)
	d.usage = usage.New(database)

	// Catch up on files changed while stopped. Hash checks make this a
	// cheap no-op when nothing moved.
	if res, err := d.indexer.ReindexAll(ctx); err != nil {
		log.Printf("startup sweep failed: %v", err)
	} else if res.Indexed > 0 || res.Deleted > 0 {
		log.Printf("startup sweep: %d indexed, %d deleted, %d unchanged", res.Indexed, res.Deleted, res.Skipped)
	}

	d.watcher = watcher.New(d.paths.MemoryRoot(),
		time.Duration(d.cfg.Indexer.DebounceMS)*time.Millisecond,
		func(ev watcher.Event) {
			wctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			d.indexer.HandleEvent(wctx, ev)
			if isBaselineEvent(d.paths.MemoryRoot(), ev.Path) {
				d.baseline.Invalidate()
			}
		})
	if err := d.watcher.Start(ctx); err != nil {
		d.store.Close()
		return err
	}

	if _, err := d.baseline.GetPack(ctx); err != nil {
		log.Printf("baseline warmup: %v", err)
	}
	return nil
}

// Stop shuts everything down in reverse order, bounded by the configured
// graceful shutdown timeout.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.state == StateStopped || d.state == StateStopping {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopping
	d.mu.Unlock()

	timeout := time.Duration(d.cfg.Daemon.GracefulShutdownMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if d.watcher != nil {
		d.watcher.Stop()
	}
	var firstErr error
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if d.store != nil {
		if err := d.store.Persist(ctx, d.paths.IndexDir()); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := d.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	removePID(d.paths.PIDFile())
	d.setState(StateStopped)
	log.Printf("dmm daemon stopped")
	return firstErr
}

// RequestShutdown asks the serving loop to exit. Safe to call once.
func (d *Daemon) RequestShutdown() {
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
}
