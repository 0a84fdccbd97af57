package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrShuttingDown is returned by Spawn once Shutdown has begun.
var ErrShuttingDown = errors.New("stream: supervisor shutting down")

// Canceller signals every outstanding request.
type Canceller interface {
	CancelAll() int
}

// Supervisor owns the goroutines that run orchestrations so shutdown can
// cancel and wait for them.
type Supervisor struct {
	orch   *Orchestrator
	ledger Canceller
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func NewSupervisor(parent context.Context, orch *Orchestrator, ledger Canceller, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		orch:   orch,
		ledger: ledger,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Spawn runs job on a tracked goroutine.
func (s *Supervisor) Spawn(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Add(-1)
		s.orch.Run(s.ctx, job)
	}()
	return nil
}

// InFlight is the number of running orchestrations.
func (s *Supervisor) InFlight() int {
	return int(s.inFlight.Load())
}

// Shutdown stops accepting work, signals every active token, cancels the
// context handed to sources and waits for running streams until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	first := !s.closed
	s.closed = true
	s.mu.Unlock()

	if first {
		n := 0
		if s.ledger != nil {
			n = s.ledger.CancelAll()
		}
		s.cancel()
		s.logger.Info("supervisor draining", "signalled", n, "in_flight", s.InFlight())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("supervisor drained cleanly")
		return nil
	case <-ctx.Done():
		left := s.InFlight()
		s.logger.Warn("supervisor drain timeout", "in_flight", left)
		return fmt.Errorf("drain with %d streams in flight: %w", left, ctx.Err())
	}
}
