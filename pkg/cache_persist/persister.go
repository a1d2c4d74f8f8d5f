// Package cache_persist saves host cache snapshots out of band. The cache
// only asks for a write; Persister batches those requests and writes a
// snapshot to a Store after a delay.
package cache_persist

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/hostcache"
	"github.com/pmkol/hostcache/pkg/utils"
	"github.com/pmkol/hostcache/pkg/value"
)

const (
	defaultDelay        = time.Minute
	defaultWriteTimeout = 10 * time.Second
)

var nopLogger = zap.NewNop()

// Store keeps the latest snapshot.
type Store interface {
	// Load returns the stored snapshot, or nil if there is none.
	Load(ctx context.Context) (value.List, error)
	Save(ctx context.Context, l value.List) error
	io.Closer
}

type PersisterOpts struct {
	// Store cannot be nil.
	Store Store

	// Snapshot returns the cache content to save. It is called from a
	// timer goroutine, so it must hand over to the cache owner.
	// Snapshot cannot be nil.
	Snapshot func(ctx context.Context) (value.List, error)

	// Delay between the first ScheduleWrite and the write.
	// Default is 1min.
	Delay time.Duration

	// WriteTimeout bounds one snapshot and save.
	// Default is 10s.
	WriteTimeout time.Duration

	// Logger is the *zap.Logger for this Persister.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *PersisterOpts) Init() error {
	if opts.Store == nil {
		return errors.New("nil store")
	}
	if opts.Snapshot == nil {
		return errors.New("nil snapshot func")
	}
	utils.SetDefaultNum(&opts.Delay, defaultDelay)
	utils.SetDefaultNum(&opts.WriteTimeout, defaultWriteTimeout)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Persister implements hostcache.PersistenceDelegate.
type Persister struct {
	opts PersisterOpts

	m       sync.Mutex
	timer   *time.Timer
	dirty   bool // set by ScheduleWrite, cleared by a write
	closed  bool
	writing sync.WaitGroup
}

var _ hostcache.PersistenceDelegate = (*Persister)(nil)

func NewPersister(opts PersisterOpts) (*Persister, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Persister{opts: opts}, nil
}

// ScheduleWrite arms the write timer unless it is already armed. It never
// blocks.
func (p *Persister) ScheduleWrite() {
	p.m.Lock()
	defer p.m.Unlock()
	if p.closed {
		return
	}
	p.dirty = true
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.opts.Delay, p.onTimer)
}

// Pending reports whether a requested write has not been done yet.
func (p *Persister) Pending() bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.dirty
}

func (p *Persister) onTimer() {
	p.m.Lock()
	if p.closed {
		p.m.Unlock()
		return
	}
	p.timer = nil
	p.dirty = false
	p.writing.Add(1)
	p.m.Unlock()

	defer p.writing.Done()
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.WriteTimeout)
	defer cancel()
	if err := p.write(ctx); err != nil {
		p.opts.Logger.Warn("failed to persist host cache", zap.Error(err))
		p.m.Lock()
		p.dirty = true
		p.m.Unlock()
	}
}

func (p *Persister) write(ctx context.Context) error {
	l, err := p.opts.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := p.opts.Store.Save(ctx, l); err != nil {
		return err
	}
	p.opts.Logger.Debug("host cache persisted", zap.Int("entries", len(l)))
	return nil
}

// Load reads the last saved snapshot.
func (p *Persister) Load(ctx context.Context) (value.List, error) {
	return p.opts.Store.Load(ctx)
}

// Close stops the timer, writes once more if a change has not been written
// yet and closes the store. The snapshot func must still work when Close is
// called.
func (p *Persister) Close(ctx context.Context) error {
	p.m.Lock()
	if p.closed {
		p.m.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		// The timer may have fired already. Its onTimer sees closed and
		// leaves dirty set for us.
		p.timer.Stop()
		p.timer = nil
	}
	p.m.Unlock()

	p.writing.Wait()

	p.m.Lock()
	pending := p.dirty
	p.dirty = false
	p.m.Unlock()

	var err error
	if pending {
		err = p.write(ctx)
	}
	return errors.Join(err, p.opts.Store.Close())
}
