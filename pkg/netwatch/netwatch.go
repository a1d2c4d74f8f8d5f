// Package netwatch detects network changes: interface configuration
// changes, edits of resolver related files and manual triggers.
package netwatch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/utils"
)

const (
	defaultInterval = 10 * time.Second
	defaultDebounce = 2 * time.Second
)

var nopLogger = zap.NewNop()

type Reason int

const (
	ReasonManual Reason = iota
	ReasonInterfaces
	ReasonFile
)

func (r Reason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonInterfaces:
		return "interfaces"
	case ReasonFile:
		return "file"
	default:
		return "unknown"
	}
}

// Interface is the part of an interface that is hashed.
type Interface struct {
	Name  string
	Flags string
	Addrs []string
}

type Opts struct {
	// OnChange is called from the Run goroutine. It cannot be nil.
	OnChange func(reason Reason)

	// Interval between interface checks. Negative disables them.
	// Default is 10s.
	Interval time.Duration

	// WatchFiles are watched for writes, creation, renames and removal.
	WatchFiles []string

	// Debounce groups file events.
	// Default is 2s.
	Debounce time.Duration

	// Interfaces lists the interfaces to hash.
	// Default reads the system interfaces.
	Interfaces func() ([]Interface, error)

	// Logger is the *zap.Logger for this Monitor.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.OnChange == nil {
		return errors.New("nil OnChange")
	}
	utils.SetDefaultNum(&opts.Interval, defaultInterval)
	utils.SetDefaultNum(&opts.Debounce, defaultDebounce)
	if opts.Interfaces == nil {
		opts.Interfaces = systemInterfaces
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Monitor struct {
	opts    Opts
	trigger chan struct{}
}

func New(opts Opts) (*Monitor, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Monitor{
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Trigger reports a change without checking anything. It never blocks.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run watches until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	logger := m.opts.Logger

	var tickC <-chan time.Time
	var lastChecksum []byte
	if m.opts.Interval > 0 {
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		tickC = ticker.C
		lastChecksum = m.checksum()
	}

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	var watcher *fsnotify.Watcher
	if len(m.opts.WatchFiles) > 0 {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		m.watchFiles(watcher)
		events, errs = watcher.Events, watcher.Errors
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.opts.Debounce)
	}
	needReWatch := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-m.trigger:
			m.notify(ReasonManual)

		case <-tickC:
			newChecksum := m.checksum()
			if newChecksum == nil || bytes.Equal(lastChecksum, newChecksum) {
				continue
			}
			if len(lastChecksum) == 0 {
				lastChecksum = newChecksum
				continue
			}
			lastChecksum = newChecksum
			m.notify(ReasonInterfaces)

		case e, ok := <-events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
				continue
			}
			logger.Debug("watched file event", zap.String("file", e.Name), zap.Stringer("op", e.Op))
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			resetTimer()

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				for _, f := range m.opts.WatchFiles {
					_ = watcher.Remove(f)
				}
				m.watchFiles(watcher)
			}
			m.notify(ReasonFile)

		case err := <-errs:
			if err != nil {
				logger.Warn("file watcher error", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) watchFiles(w *fsnotify.Watcher) {
	for _, f := range m.opts.WatchFiles {
		if err := w.Add(f); err != nil {
			m.opts.Logger.Warn("failed to watch file", zap.String("file", f), zap.Error(err))
		}
	}
}

func (m *Monitor) notify(reason Reason) {
	m.opts.Logger.Info("network change detected", zap.Stringer("reason", reason))
	m.opts.OnChange(reason)
}

// checksum hashes the interface list. It returns nil if the list cannot
// be read.
func (m *Monitor) checksum() []byte {
	ifaces, err := m.opts.Interfaces()
	if err != nil {
		m.opts.Logger.Warn("failed to get interfaces", zap.Error(err))
		return nil
	}
	hasher := sha1.New() //nolint:gosec // not used for security
	for _, iface := range ifaces {
		_, _ = io.WriteString(hasher, iface.Name)
		_, _ = io.WriteString(hasher, iface.Flags)
		for _, a := range iface.Addrs {
			_, _ = io.WriteString(hasher, a)
		}
	}
	return hasher.Sum(nil)
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		i := Interface{Name: iface.Name, Flags: iface.Flags.String()}
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			i.Addrs = append(i.Addrs, a.String())
		}
		out = append(out, i)
	}
	return out, nil
}
