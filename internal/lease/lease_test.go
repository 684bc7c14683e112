package lease

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "LOCK"), 0)
	defer l.Close()

	g, err := l.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	held, err := l.Held()
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, g.Release())
	require.NoError(t, g.Release())

	held, err = l.Held()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestTwoHandlesExclude(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	a := New(path, time.Millisecond)
	defer a.Close()
	b := New(path, time.Millisecond)
	defer b.Close()

	g, err := a.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	held, err := b.Held()
	require.NoError(t, err)
	assert.True(t, held)

	start := time.Now()
	_, err = b.Acquire(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, g.Release())
	g, err = b.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Release())
}

func TestWaiterProceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	a := New(path, time.Millisecond)
	defer a.Close()
	b := New(path, time.Millisecond)
	defer b.Close()

	g, err := a.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	done := make(chan *Guard, 1)
	go func() {
		g2, err := b.Acquire(context.Background(), 5*time.Second)
		if err == nil {
			done <- g2
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, g.Release())

	g2, ok := <-done
	require.True(t, ok)
	assert.Greater(t, g2.Waited(), time.Duration(0))
	require.NoError(t, g2.Release())
}

func TestAcquireWaitsForFullTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "LOCK")
	a := New(path, 0)
	defer a.Close()
	// A poll interval far beyond the timeout leaves only the deadline attempt.
	b := New(path, time.Hour)
	defer b.Close()

	g, err := a.Acquire(context.Background(), time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Acquire(context.Background(), 40*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	time.AfterFunc(10*time.Millisecond, func() { _ = g.Release() })
	g2, err := b.Acquire(context.Background(), 80*time.Millisecond)
	require.NoError(t, err, "lock released before the deadline must be taken")
	assert.GreaterOrEqual(t, g2.Waited(), 80*time.Millisecond)
	require.NoError(t, g2.Release())
}

func TestInProcessSerialization(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "LOCK"), 0)
	defer l.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.Acquire(context.Background(), 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			assert.NoError(t, g.Release())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestAcquireContextCancelled(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "LOCK"), 0)
	defer l.Close()

	g, err := l.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestClosed(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "LOCK"), 0)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	_, err := l.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}
