package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/hostcache/mlog"
	"github.com/pmkol/hostcache/pkg/bundled_upstream"
	"github.com/pmkol/hostcache/pkg/cache_metrics"
	"github.com/pmkol/hostcache/pkg/cache_persist"
	"github.com/pmkol/hostcache/pkg/hostcache"
	"github.com/pmkol/hostcache/pkg/netwatch"
	"github.com/pmkol/hostcache/pkg/resolver"
	"github.com/pmkol/hostcache/pkg/safe_close"
	"github.com/pmkol/hostcache/pkg/server"
	"github.com/pmkol/hostcache/pkg/server/dns_handler"
	"github.com/pmkol/hostcache/pkg/utils"
	"github.com/pmkol/hostcache/pkg/value"
)

const shutdownTimeout = 10 * time.Second

type HostCache struct {
	logger *zap.Logger

	resolver  *resolver.Resolver
	persister *cache_persist.Persister
	monitor   *netwatch.Monitor

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// RunHostCache runs until ctx is done or a component fails.
func RunHostCache(ctx context.Context, cfg *Config) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	m := &HostCache{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(lg),
	}

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := m.initResolver(cfg); err != nil {
		return err
	}
	defer m.resolver.Close()

	if err := m.initPersister(ctx, cfg); err != nil {
		return err
	}
	if err := m.startServers(&cfg.Server); err != nil {
		return m.shutdown(err)
	}
	if err := m.startNetwatch(cfg); err != nil {
		return m.shutdown(err)
	}

	newAPIHandler(m.resolver, m.triggerNetworkChange, lg).register(m.httpAPIMux)

	// Start http api server
	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: m.httpAPIMux,
		}
		m.sc.Attach("api http server", func(ctx context.Context) error {
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				return err
			case <-ctx.Done():
				return httpServer.Close()
			}
		})
	}

	select {
	case <-ctx.Done():
		m.logger.Info("shutting down", zap.NamedError("reason", context.Cause(ctx)))
	case <-m.sc.ReceiveCloseSignal():
	}
	return m.shutdown(nil)
}

// shutdown stops every component, then saves the cache. The final write
// needs the resolver loop, so it runs before the resolver is closed.
func (m *HostCache) shutdown(err error) error {
	m.sc.SendCloseSignal(err)
	m.sc.Done()
	m.sc.CloseWait()

	if m.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.persister.Close(ctx); err != nil {
			m.logger.Warn("failed to save cache", zap.Error(err))
		}
	}
	return m.sc.Err()
}

func (m *HostCache) initResolver(cfg *Config) error {
	observer, err := cache_metrics.NewObserver(m.GetMetricsReg())
	if err != nil {
		return fmt.Errorf("failed to init cache metrics, %w", err)
	}
	cacheOpts := hostcache.Opts{
		MaxEntries: cfg.Cache.MaxEntries,
		Observer:   observer,
		Logger:     m.logger.Named("cache"),
		CheckOwner: cfg.Cache.CheckOwner,
	}
	var c *hostcache.HostCache
	switch {
	case cfg.Cache.Disabled:
		cacheOpts.MaxEntries = 0
		c = hostcache.New(cacheOpts)
	case cfg.Cache.MaxEntries > 0:
		c = hostcache.New(cacheOpts)
	default:
		c = hostcache.CreateDefaultCache(cacheOpts)
	}

	rc := &cfg.Resolver
	timeout := utils.SecondsToDuration(rc.Timeout)
	var upstreams []bundled_upstream.Upstream
	for _, addr := range rc.Upstreams {
		u, err := bundled_upstream.NewClientUpstream(addr, timeout)
		if err != nil {
			return fmt.Errorf("invalid upstream %s, %w", addr, err)
		}
		upstreams = append(upstreams, u)
	}

	var hosts *resolver.Hosts
	if len(rc.HostsFile) > 0 {
		hosts, err = resolver.LoadHostsFile(rc.HostsFile)
		if err != nil {
			return fmt.Errorf("failed to load hosts file, %w", err)
		}
		m.logger.Info("hosts file loaded", zap.String("file", rc.HostsFile), zap.Int("names", hosts.Len()))
	}

	r, err := resolver.New(resolver.Opts{
		Cache:       c,
		Upstreams:   upstreams,
		Timeout:     timeout,
		DisableIPv6: rc.DisableIPv6,
		ServeStale:  rc.ServeStale,
		MinTTL:      utils.SecondsToDuration(rc.MinTTL),
		MaxTTL:      utils.SecondsToDuration(rc.MaxTTL),
		NegativeTTL: utils.SecondsToDuration(rc.NegativeTTL),
		Hosts:       hosts,
		Logger:      m.logger.Named("resolver"),
	})
	if err != nil {
		return fmt.Errorf("failed to init resolver, %w", err)
	}
	m.resolver = r
	return nil
}

// initPersister restores the last snapshot and installs the persister as
// the cache's delegate. A failed restore is logged and the cache starts
// empty.
func (m *HostCache) initPersister(ctx context.Context, cfg *Config) error {
	store, err := newStore(&cfg.Cache.Persist, m.logger)
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}

	p, err := cache_persist.NewPersister(cache_persist.PersisterOpts{
		Store: store,
		Snapshot: func(ctx context.Context) (value.List, error) {
			return m.resolver.Snapshot(ctx, false)
		},
		Delay:  utils.SecondsToDuration(cfg.Cache.Persist.Delay),
		Logger: m.logger.Named("persister"),
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to init persister, %w", err)
	}

	loadCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	l, err := p.Load(loadCtx)
	switch {
	case err != nil:
		m.logger.Warn("failed to load cache snapshot", zap.Error(err))
	case l != nil:
		if err := m.resolver.Restore(loadCtx, l); err != nil {
			m.logger.Warn("failed to restore cache snapshot", zap.Error(err))
		} else {
			m.logger.Info("cache snapshot restored", zap.Int("entries", len(l)))
		}
	}

	if err := m.resolver.SetPersistenceDelegate(loadCtx, p); err != nil {
		_ = p.Close(loadCtx)
		return fmt.Errorf("failed to set persistence delegate, %w", err)
	}
	m.persister = p
	return nil
}

// newStore returns nil if persistence is not configured.
func newStore(pc *PersistConfig, lg *zap.Logger) (cache_persist.Store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if len(pc.Redis) > 0 {
		opt, err := redis.ParseURL(pc.Redis)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		s, err := cache_persist.NewRedisStore(cache_persist.RedisStoreOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: time.Duration(pc.RedisTimeout) * time.Millisecond,
			Key:           pc.RedisKey,
			Logger:        lg.Named("redis"),
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to init redis store, %w", err)
		}
		return s, nil
	}
	if len(pc.File) > 0 {
		return cache_persist.NewFileStore(pc.File), nil
	}
	return nil, nil
}

func (m *HostCache) startServers(sc *ServerConfig) error {
	if len(sc.Listeners) == 0 {
		return errors.New("no server listener is configured")
	}
	acl, err := dns_handler.ParseACL(sc.ACL)
	if err != nil {
		return err
	}
	h, err := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{
		Resolver:      m.resolver,
		ACL:           acl,
		QueryTimeout:  utils.SecondsToDuration(sc.QueryTimeout),
		StaleReplyTTL: sc.StaleReplyTTL,
		Logger:        m.logger.Named("handler"),
	})
	if err != nil {
		return fmt.Errorf("failed to init dns handler, %w", err)
	}

	for i, lc := range sc.Listeners {
		if err := m.startListener(h, &lc); err != nil {
			return fmt.Errorf("failed to start listener #%d, %w", i, err)
		}
	}
	return nil
}

func (m *HostCache) startListener(h dns_handler.Handler, lc *ListenerConfig) error {
	if len(lc.Addr) == 0 {
		return errors.New("empty listener address")
	}
	s := server.NewServer(server.ServerOpts{
		Logger:      m.logger.Named("server"),
		DNSHandler:  h,
		IdleTimeout: utils.SecondsToDuration(lc.IdleTimeout),
	})

	protocol := lc.Protocol
	if len(protocol) == 0 {
		protocol = "udp"
	}
	var serve func() error
	switch protocol {
	case "udp":
		c, err := net.ListenPacket("udp", lc.Addr)
		if err != nil {
			return err
		}
		serve = func() error { return s.ServeUDP(c) }
	case "tcp":
		l, err := net.Listen("tcp", lc.Addr)
		if err != nil {
			return err
		}
		serve = func() error { return s.ServeTCP(l) }
	default:
		return fmt.Errorf("unknown protocol %s", lc.Protocol)
	}

	name := protocol + " server " + lc.Addr
	m.sc.Attach(name, func(ctx context.Context) error {
		errChan := make(chan error, 1)
		go func() {
			m.logger.Info("starting server", zap.String("protocol", protocol), zap.String("addr", lc.Addr))
			errChan <- serve()
		}()
		select {
		case err := <-errChan:
			s.Close()
			return err
		case <-ctx.Done():
			s.Close()
			<-errChan
			return nil
		}
	})
	return nil
}

func (m *HostCache) startNetwatch(cfg *Config) error {
	nc := &cfg.Netwatch
	if nc.Disabled {
		return nil
	}
	hostsFile := cfg.Resolver.HostsFile
	files := append([]string(nil), nc.WatchFiles...)
	if len(hostsFile) > 0 {
		files = append(files, hostsFile)
	}

	mon, err := netwatch.New(netwatch.Opts{
		OnChange: func(reason netwatch.Reason) {
			m.onNetworkChange(reason, hostsFile)
		},
		Interval:   utils.SecondsToDuration(nc.Interval),
		WatchFiles: files,
		Debounce:   time.Duration(nc.Debounce) * time.Millisecond,
		Logger:     m.logger.Named("netwatch"),
	})
	if err != nil {
		return fmt.Errorf("failed to init netwatch, %w", err)
	}
	m.monitor = mon
	m.sc.Attach("netwatch", mon.Run)
	return nil
}

// onNetworkChange reloads the hosts file on file events and marks every
// cached entry stale.
func (m *HostCache) onNetworkChange(reason netwatch.Reason, hostsFile string) {
	m.logger.Info("network changed", zap.Stringer("reason", reason))
	if reason == netwatch.ReasonFile && len(hostsFile) > 0 {
		hosts, err := resolver.LoadHostsFile(hostsFile)
		if err != nil {
			m.logger.Warn("failed to reload hosts file", zap.String("file", hostsFile), zap.Error(err))
		} else {
			m.resolver.SetHosts(hosts)
		}
	}
	if err := m.resolver.OnNetworkChange(m.sc.Context()); err != nil {
		m.logger.Warn("failed to notify cache", zap.Error(err))
	}
}

func (m *HostCache) triggerNetworkChange() {
	if m.monitor != nil {
		m.monitor.Trigger()
		return
	}
	m.onNetworkChange(netwatch.ReasonManual, "")
}

func (m *HostCache) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *HostCache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("hostcache_", m.metricsReg)
}

func (m *HostCache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
