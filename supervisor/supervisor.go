// Package supervisor wires every component's start/stop order and owns
// the bounded shutdown drain, generalized out of the teacher's
// func main()'s signal-handling block.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"candlestream/broker"
	"candlestream/wal"
)

// Supervisor starts the Consumer Loop and an optional WAL Replayer, and
// coordinates a bounded shutdown: stop polling, drain the Batcher,
// submit the residual batch, commit final offsets, close handles.
type Supervisor struct {
	loop     *broker.Loop
	replayer *wal.Replayer
	reader   broker.Reader
	log      zerolog.Logger

	shutdownTimeout time.Duration

	running int32

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// New creates a Supervisor. replayer may be nil when no WAL is configured.
func New(loop *broker.Loop, replayer *wal.Replayer, reader broker.Reader, shutdownTimeout time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		loop:            loop,
		replayer:        replayer,
		reader:          reader,
		shutdownTimeout: shutdownTimeout,
		log:             log.With().Str("component", "supervisor").Logger(),
		done:            make(chan struct{}),
	}
}

// Run starts the Consumer Loop and Replayer and blocks until ctx is
// cancelled, then runs the shutdown drain. It returns the Consumer
// Loop's terminal error, if any (a fatal error such as a commit
// failure propagates to main so the process can exit non-zero).
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	atomic.StoreInt32(&s.running, 1)
	defer atomic.StoreInt32(&s.running, 0)

	if s.replayer != nil {
		s.replayer.Start(runCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.loop.Run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-errCh:
		// Consumer Loop exited on its own (fatal error or ctx already done).
	case <-runCtx.Done():
		runErr = <-errCh
	}

	s.drain()
	return runErr
}

// Stop cancels the run context, triggering the shutdown drain.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether the Supervisor's main loop is currently active.
func (s *Supervisor) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Supervisor) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if s.replayer != nil {
		s.replayer.Stop()
	}

	if err := s.loop.Drain(ctx); err != nil {
		s.log.Error().Err(err).Msg("failed to drain residual batch during shutdown")
	} else {
		s.log.Info().Msg("residual batch drained")
	}

	if err := s.reader.Close(); err != nil {
		s.log.Error().Err(err).Msg("error closing broker reader")
	}

	s.log.Info().Msg("supervisor shutdown complete")
}
