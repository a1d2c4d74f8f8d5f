// Package resolver owns a hostcache.HostCache and resolves hostnames
// through it.
//
// The cache is not safe for concurrent use, so it lives on a single loop
// goroutine and every operation is a closure run there. Resolutions that
// miss the cache go to the upstream servers (or the system resolver)
// outside the loop and are stored with a second loop call.
package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/hostcache/pkg/bundled_upstream"
	"github.com/pmkol/hostcache/pkg/hostcache"
	"github.com/pmkol/hostcache/pkg/utils"
	"github.com/pmkol/hostcache/pkg/value"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultMaxTTL      = 24 * time.Hour
	defaultNegativeTTL = time.Minute

	// systemTTL is used for results that carry no TTL: system resolver and
	// hosts file answers.
	systemTTL = time.Minute
)

var (
	ErrClosed = errors.New("resolver closed")

	nopLogger = zap.NewNop()
)

// LookupFunc resolves host on network "ip", "ip4" or "ip6".
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

type Opts struct {
	// Cache cannot be nil. It must not be used by anyone else once it is
	// handed to the resolver.
	Cache *hostcache.HostCache

	// Upstreams are queried in parallel. With no upstreams every request
	// goes to SystemLookup.
	Upstreams []bundled_upstream.Upstream

	// SystemLookup serves SourceSystem requests.
	// Default is net.DefaultResolver.LookupNetIP.
	SystemLookup LookupFunc

	// Timeout of one upstream resolution.
	// Default is 5s.
	Timeout time.Duration

	// DisableIPv6 narrows unspecified requests to A.
	DisableIPv6 bool

	// ServeStale returns stale entries immediately and refreshes them in
	// the background.
	ServeStale bool

	// MinTTL and MaxTTL clamp upstream TTLs. MaxTTL defaults to 24h.
	MinTTL time.Duration
	MaxTTL time.Duration

	// NegativeTTL is how long a name that does not resolve is cached.
	// Default is 1min.
	NegativeTTL time.Duration

	// Hosts is the initial hosts table. Optional.
	Hosts *Hosts

	// Logger is the *zap.Logger for this resolver.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	if opts.SystemLookup == nil {
		opts.SystemLookup = net.DefaultResolver.LookupNetIP
	}
	utils.SetDefaultNum(&opts.Timeout, defaultTimeout)
	utils.SetDefaultNum(&opts.MaxTTL, defaultMaxTTL)
	utils.SetDefaultNum(&opts.NegativeTTL, defaultNegativeTTL)
	if opts.MinTTL < 0 {
		opts.MinTTL = 0
	}
	if opts.MinTTL > opts.MaxTTL {
		return errors.New("min ttl is larger than max ttl")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Resolver struct {
	opts  Opts
	clock hostcache.Clock
	hosts atomic.Pointer[Hosts]

	tasks   chan func(c *hostcache.HostCache)
	ctx     context.Context // cancelled by Close
	cancel  context.CancelFunc
	stopped chan struct{}

	closeOnce sync.Once
	sf        singleflight.Group
}

// New starts the loop goroutine. Close must be called to stop it.
func New(opts Opts) (*Resolver, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		opts:    opts,
		clock:   opts.Cache.Clock(),
		tasks:   make(chan func(c *hostcache.HostCache)),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	r.hosts.Store(opts.Hosts)
	go r.loop()
	return r, nil
}

func (r *Resolver) loop() {
	defer close(r.stopped)
	c := r.opts.Cache
	for {
		select {
		case f := <-r.tasks:
			f(c)
		case <-r.ctx.Done():
			c.Close()
			return
		}
	}
}

// do runs f on the loop and waits for it. f is not run if do returns an
// error before f was accepted by the loop.
func (r *Resolver) do(ctx context.Context, f func(c *hostcache.HostCache)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	task := func(c *hostcache.HostCache) {
		defer close(done)
		f(c)
	}

	select {
	case r.tasks <- task:
	case <-r.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Close cancels running resolutions and stops the loop. The cache reports
// all remaining entries as destroyed.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.stopped
	})
	return nil
}

// SetHosts replaces the hosts table. Cached hosts answers are not touched;
// callers usually follow it with OnNetworkChange.
func (r *Resolver) SetHosts(h *Hosts) {
	r.hosts.Store(h)
}

func (r *Resolver) SetPersistenceDelegate(ctx context.Context, d hostcache.PersistenceDelegate) error {
	return r.do(ctx, func(c *hostcache.HostCache) {
		c.SetPersistenceDelegate(d)
	})
}

// Snapshot serializes the cache. See hostcache.HostCache.GetAsListValue.
func (r *Resolver) Snapshot(ctx context.Context, includeStaleness bool) (value.List, error) {
	var l value.List
	err := r.do(ctx, func(c *hostcache.HostCache) {
		l = c.GetAsListValue(includeStaleness)
	})
	return l, err
}

// Restore loads a persisted snapshot into the cache.
func (r *Resolver) Restore(ctx context.Context, l value.List) error {
	var restoreErr error
	if err := r.do(ctx, func(c *hostcache.HostCache) {
		restoreErr = c.RestoreFromListValue(l)
	}); err != nil {
		return err
	}
	return restoreErr
}

func (r *Resolver) Clear(ctx context.Context) error {
	return r.do(ctx, func(c *hostcache.HostCache) {
		c.Clear()
	})
}

// ClearForHosts removes entries whose hostname matches filter. A nil
// filter clears everything.
func (r *Resolver) ClearForHosts(ctx context.Context, filter func(hostname string) bool) error {
	return r.do(ctx, func(c *hostcache.HostCache) {
		c.ClearForHosts(filter)
	})
}

func (r *Resolver) OnNetworkChange(ctx context.Context) error {
	return r.do(ctx, func(c *hostcache.HostCache) {
		c.OnNetworkChange()
	})
}

type HasEntryResult struct {
	Source    hostcache.EntrySource
	Staleness hostcache.Staleness
	Found     bool
}

func (r *Resolver) HasEntry(ctx context.Context, hostname string) (HasEntryResult, error) {
	var res HasEntryResult
	host, err := normalizeHostname(hostname)
	if err != nil {
		return res, err
	}
	err = r.do(ctx, func(c *hostcache.HostCache) {
		res.Source, res.Staleness, res.Found = c.HasEntry(host)
	})
	return res, err
}

type Stats struct {
	Len            int `json:"len" yaml:"len"`
	MaxEntries     int `json:"max_entries" yaml:"max_entries"`
	NetworkChanges int `json:"network_changes" yaml:"network_changes"`
	RestoreSize    int `json:"restore_size" yaml:"restore_size"`
}

func (r *Resolver) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.do(ctx, func(c *hostcache.HostCache) {
		s = Stats{
			Len:            c.Len(),
			MaxEntries:     c.MaxEntries(),
			NetworkChanges: c.NetworkChanges(),
			RestoreSize:    c.RestoreSize(),
		}
	})
	return s, err
}
