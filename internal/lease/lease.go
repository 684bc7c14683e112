// Package lease implements the exclusive write lease of a store directory.
//
// The lease combines an in-process semaphore with an advisory OS lock on a
// lock file, so it serializes writers across goroutines of one handle and
// across processes and handles sharing the directory.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned when the lease could not be acquired in time.
	ErrTimeout = errors.New("lease acquisition timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("lease closed")
)

// DefaultPollInterval is the default retry interval while the OS lock is
// held by someone else.
const DefaultPollInterval = 5 * time.Millisecond

// Lease guards writes to one directory.
type Lease struct {
	path string
	poll time.Duration
	sem  *semaphore.Weighted

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// New returns a lease on the lock file at path. The file is created on the
// first acquisition.
func New(path string, poll time.Duration) *Lease {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Lease{
		path: path,
		poll: poll,
		sem:  semaphore.NewWeighted(1),
	}
}

// Path returns the lock file path.
func (l *Lease) Path() string { return l.path }

// Guard is a held lease.
type Guard struct {
	lease    *Lease
	waited   time.Duration
	released bool
}

// Waited returns how long acquisition blocked.
func (g *Guard) Waited() time.Duration { return g.waited }

// Release gives up the lease. Releasing twice is a no-op.
func (g *Guard) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	defer g.lease.sem.Release(1)

	g.lease.mu.Lock()
	defer g.lease.mu.Unlock()
	if g.lease.file == nil {
		return nil
	}
	return unlockFile(g.lease.file)
}

// Acquire blocks until the lease is held, ctx is done, or timeout elapses.
// A timeout of zero or less waits without a deadline.
func (l *Lease) Acquire(ctx context.Context, timeout time.Duration) (*Guard, error) {
	start := time.Now()

	wctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	timedOut := func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, l.path)
	}

	if l.sem.Acquire(wctx, 1) != nil {
		return nil, timedOut()
	}

	f, err := l.lockFile()
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Every(l.poll), 1)
	for {
		err := tryLockExclusive(f)
		if err == nil {
			return &Guard{lease: l, waited: time.Since(start)}, nil
		}
		if !errors.Is(err, errWouldBlock) {
			l.sem.Release(1)
			return nil, err
		}
		r := limiter.Reserve()
		timer := time.NewTimer(r.Delay())
		select {
		case <-timer.C:
		case <-wctx.Done():
			timer.Stop()
			r.Cancel()
			// Last attempt at the deadline.
			if tryLockExclusive(f) == nil {
				return &Guard{lease: l, waited: time.Since(start)}, nil
			}
			l.sem.Release(1)
			return nil, timedOut()
		}
	}
}

// Held reports whether the lease is currently held, by this handle or any
// other. It never blocks.
func (l *Lease) Held() (bool, error) {
	if !l.sem.TryAcquire(1) {
		return true, nil
	}
	defer l.sem.Release(1)

	f, err := l.lockFile()
	if err != nil {
		return false, err
	}
	err = tryLockExclusive(f)
	if errors.Is(err, errWouldBlock) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, unlockFile(f)
}

func (l *Lease) lockFile() (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		l.file = f
	}
	return l.file, nil
}

// Close releases the lock file. Outstanding guards must be released first.
func (l *Lease) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
