package predictor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ekisa-team/detserve/internal/backend"
)

// DefaultAcquireTimeout bounds how long a request waits for a session.
const DefaultAcquireTimeout = 5 * time.Second

// SessionFactory opens a new runtime session.
type SessionFactory func(ctx context.Context) (backend.Session, error)

// SessionPool hands out a fixed number of runtime sessions.
type SessionPool struct {
	sessions chan backend.Session
	factory  SessionFactory
	size     int
	timeout  time.Duration
	mu       sync.Mutex
	closed   bool
	metrics  PoolMetrics
	wg       sync.WaitGroup
}

// PoolMetrics are the pool counters.
type PoolMetrics struct {
	Size            int           `json:"size"`
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time"`
}

// NewSessionPool opens size sessions up front.
func NewSessionPool(ctx context.Context, factory SessionFactory, size int, timeout time.Duration) (*SessionPool, error) {
	if size <= 0 {
		size = 1
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	pool := &SessionPool{
		sessions: make(chan backend.Session, size),
		factory:  factory,
		size:     size,
		timeout:  timeout,
	}
	pool.metrics.Size = size

	for i := 0; i < size; i++ {
		session, err := factory(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
	}

	return pool, nil
}

// Acquire takes a session, waiting up to the pool timeout.
func (p *SessionPool) Acquire(ctx context.Context) (backend.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.metrics.WaitTime += time.Since(start)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.mu.Lock()
		p.metrics.InUse++
		p.metrics.TotalAcquired++
		p.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.mu.Lock()
		p.metrics.AcquireFailures++
		p.mu.Unlock()
		return nil, ErrAcquire
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a session to the pool.
func (p *SessionPool) Release(session backend.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.InUse--
	p.metrics.TotalReleased++

	if p.closed {
		session.Close()
		return
	}
	p.sessions <- session
}

// Discard closes a session that failed and opens a replacement in the
// background.
func (p *SessionPool) Discard(session backend.Session) {
	if err := session.Close(); err != nil {
		slog.Warn("Failed to close discarded session", "error", err)
	}

	p.mu.Lock()
	p.metrics.InUse--
	p.metrics.Discarded++
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if closed {
		return
	}

	go func() {
		defer p.wg.Done()
		p.replenish()
	}()
}

func (p *SessionPool) replenish() {
	session, err := p.factory(context.Background())
	if err != nil {
		slog.Error("Failed to replenish session", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		session.Close()
		return
	}
	p.sessions <- session
}

// Close closes the idle sessions. Sessions still in use are closed when
// released.
func (p *SessionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.sessions)
	p.mu.Unlock()

	p.wg.Wait()

	for session := range p.sessions {
		if err := session.Close(); err != nil {
			slog.Warn("Failed to close session", "error", err)
		}
	}
}

// Metrics returns a snapshot of the pool counters.
func (p *SessionPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.metrics
}
