/*
Package supervisor owns the process-wide state of natpeerd and runs its
background work.

A Supervisor builds the connection cache, the protocol registry, the
inspector, the capture sources, the statistics collector and the API
server from a resolved config.Config. Start launches every long-running
task in one errgroup; Stop cancels them, drains the cache and closes the
stats database.
*/
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ushineko/natpeer/internal/api"
	"github.com/ushineko/natpeer/internal/capture"
	"github.com/ushineko/natpeer/internal/config"
	"github.com/ushineko/natpeer/internal/conncache"
	"github.com/ushineko/natpeer/internal/events"
	"github.com/ushineko/natpeer/internal/inspect"
	"github.com/ushineko/natpeer/internal/localaddr"
	"github.com/ushineko/natpeer/internal/probe"
	"github.com/ushineko/natpeer/internal/protocol"
	"github.com/ushineko/natpeer/internal/stats"
	"github.com/ushineko/natpeer/internal/subst"
	"github.com/ushineko/natpeer/internal/wire"
)

// eventBufferSize is the number of cache events kept for /events backlog.
const eventBufferSize = 1000

// ErrStarted is returned by Start on a supervisor that was already started.
var ErrStarted = errors.New("supervisor: already started")

// Supervisor owns the daemon's components.
type Supervisor struct {
	cfg       config.Config
	logger    *slog.Logger
	startTime time.Time

	cache     *conncache.Cache
	local     *localaddr.Set
	discover  bool
	registry  *protocol.Registry
	inspector *inspect.Inspector
	collector *stats.Collector
	events    *events.Buffer
	resolver  *subst.Resolver
	api       *api.Server
	sources   []capture.Source
	protocols []string

	statsDB *stats.DB

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New builds a supervisor from cfg. The config is expected to have passed
// Validate.
func New(cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
		collector: stats.NewCollector(),
		events:    events.New(eventBufferSize),
		done:      make(chan struct{}),
	}
	s.collector.SetMaxClients(cfg.Stats.MaxClients)

	s.cache = conncache.New(conncache.Config{
		MaxEntries:      cfg.Cache.MaxEntries,
		IdleTimeout:     cfg.Cache.IdleTimeout.Duration,
		ReclaimInterval: cfg.Cache.ReclaimInterval.Duration,
		DrainRetry:      cfg.Cache.DrainRetry.Duration,
		DrainTimeout:    cfg.Cache.DrainTimeout.Duration,
		Logger:          logger,
		OnEvict:         s.evicted,
	})

	registry, err := protocol.NewRegistry(s.cache, protocol.Options{
		Protocols:   cfg.Inspect.Protocols,
		EnableProbe: cfg.Inspect.EnableICMPFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("build protocol registry: %w", err)
	}
	s.registry = registry
	for _, p := range registry.Protocols() {
		s.protocols = append(s.protocols, wire.ProtoName(p))
	}

	if addrs := cfg.Inspect.Addrs(); len(addrs) > 0 {
		s.local = localaddr.NewSet(addrs...)
	} else {
		s.local = localaddr.NewSet()
		s.discover = true
	}

	s.inspector = inspect.New(inspect.Config{
		Registry:    registry,
		Local:       s.local,
		OptionKind:  cfg.Inspect.Kind(),
		EnableProbe: cfg.Inspect.EnableICMPFallback,
		Stats:       s.collector,
		Events:      s.events,
		Logger:      logger,
	})

	s.resolver = subst.New(s.cache, s.collector)

	if cfg.Capture.Raw {
		protos := registry.Protocols()
		if cfg.Inspect.EnableICMPFallback {
			protos = append(protos, wire.ProtoICMP)
		}
		s.sources = append(s.sources, capture.NewRaw(protos, logger))
	}
	if cfg.Capture.PcapFile != "" {
		s.sources = append(s.sources, capture.NewFile(cfg.Capture.PcapFile, logger))
	}

	s.api = api.New(&api.Config{
		Socket:            cfg.API.Socket,
		Listen:            cfg.API.Listen,
		PathPrefix:        cfg.API.PathPrefix,
		ReadHeaderTimeout: cfg.API.ReadHeaderTimeout.Duration,
		Logger:            logger,
		Resolver:          s.resolver,
		Cache:             s.cache,
		Events:            s.events,
	})

	return s, nil
}

// Start opens the listeners and the stats database, then launches the
// background tasks. It returns once everything is running; use Wait or
// Stop to observe the outcome.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}

	if s.discover {
		addrs, err := localaddr.Discover()
		if err != nil {
			s.logger.Warn("local address discovery failed", "error", err)
		}
		s.local.Replace(addrs)
	}

	if s.cfg.Stats.Enabled {
		path := filepath.Join(s.cfg.DataDir, "stats.db")
		db, err := stats.Open(path, s.collector, s.logger, s.cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return err
		}
		s.statsDB = db
		s.logger.Info("stats database initialized",
			"path", path,
			"flush_interval", s.cfg.Stats.FlushInterval.Duration,
		)
	}

	s.api.SetHandlers(probe.HeartbeatHandler(s), probe.StatsHandler(&probe.StatsProvider{
		Info:      s,
		Collector: s.collector,
		StatsDB:   s.statsDB,
	}))

	if err := s.api.Listen(); err != nil {
		s.closeStats()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.cache.Run(gctx) })

	// Subscribe before any source runs so no recovery escapes the audit.
	if s.statsDB != nil {
		s.statsDB.Start()
		if s.cfg.Stats.RecordRecoveries {
			sub := s.events.Subscribe(events.KindRecovered)
			g.Go(func() error {
				defer s.events.Unsubscribe(sub)
				s.audit(gctx, sub)
				return nil
			})
		}
	}
	s.collector.StartSampler()

	if s.discover {
		g.Go(func() error { return s.local.Watch(gctx, s.logger) })
	}

	for _, src := range s.sources {
		g.Go(func() error {
			s.logger.Info("capture started", "source", src.Name())
			if err := src.Run(gctx, s.handle); err != nil {
				return fmt.Errorf("capture %s: %w", src.Name(), err)
			}
			s.logger.Info("capture finished", "source", src.Name())
			return nil
		})
	}

	g.Go(s.api.Serve)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Shutdown.Duration)
		defer cancel()
		return s.api.Shutdown(shutdownCtx)
	})

	s.logger.Info("natpeerd started",
		"protocols", s.protocols,
		"icmp_fallback", s.cfg.Inspect.EnableICMPFallback,
		"option_kind", s.cfg.Inspect.OptionKind,
		"local_addrs", s.local.Len(),
		"discover", s.discover,
		"cache_capacity", s.cache.Cap(),
		"sources", len(s.sources),
		"stats_enabled", s.statsDB != nil,
	)

	go func() {
		err := g.Wait()
		s.drain()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()

	return nil
}

// handle runs one captured packet through the inspector.
func (s *Supervisor) handle(pkt []byte) {
	s.inspector.Inspect(pkt)
}

// audit writes published recoveries to the stats database until ctx is done.
func (s *Supervisor) audit(ctx context.Context, sub *events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			err := s.statsDB.InsertRecovery(stats.Recovery{
				Time:     ev.Time,
				Proto:    ev.Proto,
				Local:    ev.Local,
				Remote:   ev.Remote,
				Original: ev.Original,
				Source:   ev.Source,
			})
			if err != nil {
				s.logger.Warn("record recovery failed", "original", ev.Original, "error", err)
			}
		}
	}
}

// evicted is the cache eviction hook.
func (s *Supervisor) evicted(e *conncache.Entry) {
	s.collector.Evicted.Add(1)
	s.events.Publish(events.FromEntry(events.KindEvicted, e, "", time.Now()))
}

// drain flushes the cache and closes the stats database after the task
// group has exited.
func (s *Supervisor) drain() {
	s.collector.StopSampler()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Cache.DrainTimeout.Duration)
	defer cancel()
	if err := s.cache.Flush(ctx); err != nil {
		s.logger.Warn("cache drain incomplete", "remaining", s.cache.Len(), "error", err)
	}

	s.closeStats()
	s.logger.Info("natpeerd stopped")
}

func (s *Supervisor) closeStats() {
	if s.statsDB == nil {
		return
	}
	if err := s.statsDB.Close(); err != nil {
		s.logger.Error("close stats db", "error", err)
	}
}

// Wait blocks until the supervisor has stopped and returns the first task
// error, if any.
func (s *Supervisor) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop cancels all tasks and waits for shutdown to complete. Stop on a
// supervisor that was never started is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}
	cancel()
	return s.Wait()
}

// Run starts the supervisor and blocks until ctx is canceled or a task
// fails.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// Uptime returns the time since the supervisor was created.
func (s *Supervisor) Uptime() time.Duration { return time.Since(s.startTime) }

// CacheLen returns the number of tracked connections.
func (s *Supervisor) CacheLen() int { return s.cache.Len() }

// CacheCap returns the cache capacity.
func (s *Supervisor) CacheCap() int { return s.cache.Cap() }

// Protocols returns the names of the tracked transports.
func (s *Supervisor) Protocols() []string { return s.protocols }

// ProbeEnabled reports whether ICMP probes are accepted.
func (s *Supervisor) ProbeEnabled() bool { return s.cfg.Inspect.EnableICMPFallback }

// RequestsTotal returns the number of API requests handled.
func (s *Supervisor) RequestsTotal() int64 { return s.api.RequestsTotal() }

// RequestsActive returns the number of API requests in flight.
func (s *Supervisor) RequestsActive() int64 { return s.api.RequestsActive() }

// Collector returns the statistics collector.
func (s *Supervisor) Collector() *stats.Collector { return s.collector }

// Events returns the event buffer.
func (s *Supervisor) Events() *events.Buffer { return s.events }

// Addrs returns the API listener addresses. Valid after Start.
func (s *Supervisor) Addrs() []net.Addr { return s.api.Addrs() }
