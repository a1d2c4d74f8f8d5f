package safe_close

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// SafeClose can achieve safe close where CloseWait returns only after
// all sub goroutines exited.
//
//  1. The main goroutine waits on ReceiveCloseSignal and calls Done before it returns.
//  2. Every component goroutine is started by Attach. Its context is cancelled
//     by the close signal.
//  3. A component that returns an error sends the close signal with that error.
//  4. Any third party caller can call CloseWait to close the service.
type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
	closeErr error
	logger   *zap.Logger
}

func NewSafeClose(lg *zap.Logger) *SafeClose {
	if lg == nil {
		lg = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: lg,
	}
}

// CloseWait sends a close signal and waits until all Attach-ed goroutines
// returned and Done was called. It is concurrent safe and can be called
// multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends a close signal. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	if err != nil && s.closeErr == nil {
		s.closeErr = err
	}
	s.cancel()
}

// Err returns the first SendCloseSignal error.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.ctx.Done()
}

// Context is cancelled by the close signal.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Attach runs f in a new goroutine that CloseWait waits for. ctx is
// cancelled on close. If f returns an error other than context.Canceled the
// whole service is closed with it. If s was closed, f will not run.
func (s *SafeClose) Attach(name string, f func(ctx context.Context) error) {
	s.m.Lock()
	if s.ctx.Err() != nil {
		s.m.Unlock()
		return
	}
	s.wg.Add(1)
	s.m.Unlock()

	go func() {
		defer s.wg.Done()
		err := f(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("component exited", zap.String("name", name), zap.Error(err))
			s.SendCloseSignal(err)
			return
		}
		s.logger.Debug("component stopped", zap.String("name", name))
	}()
}

// Done notifies CloseWait that the main goroutine is done.
// It is concurrent safe and can be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
