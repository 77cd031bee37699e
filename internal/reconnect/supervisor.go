// Package reconnect re-establishes a dropped Miniserver connection with
// exponential backoff.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/metrics"
)

// Backoff defaults
const (
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2
)

// ConnectFunc performs one reconnect attempt
type ConnectFunc func(ctx context.Context) error

// Options configures a Supervisor
type Options struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.Multiplier <= 1 {
		o.Multiplier = DefaultMultiplier
	}
}

// NewBackOff returns the delay schedule: InitialInterval doubling up to
// MaxInterval, without jitter and without an elapsed time limit.
func NewBackOff(opts Options) *backoff.ExponentialBackOff {
	opts.setDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.Multiplier = opts.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Supervisor runs the reconnect loop. At most one loop runs at a time.
type Supervisor struct {
	connect ConnectFunc
	opts    Options

	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	enabled bool
	running bool
	run     int
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an enabled supervisor calling connect for every attempt
func New(connect ConnectFunc, opts Options) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		connect: connect,
		opts:    opts,
		backoff: NewBackOff(opts),
		enabled: true,
	}
}

// Start begins the loop unless disabled or already running
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.run++
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.run, s.done)
}

// Stop cancels a pending wait or attempt and resets the delay. It does
// not wait for an attempt in flight; use Wait for that.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
	s.backoff.Reset()
}

// Wait blocks until the current loop has exited or ctx is done
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetEnabled toggles automatic reconnects; disabling stops a running loop
func (s *Supervisor) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if !enabled {
		s.stopLocked()
	}
}

// Enabled reports whether Start will run the loop
func (s *Supervisor) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Running reports whether the loop is active
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		d = s.opts.MaxInterval
	}
	return d
}

// finish marks run as exited unless a newer run replaced it
func (s *Supervisor) finish(run int, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.backoff.Reset()
	}
	if s.run == run {
		s.running = false
		s.cancel = nil
	}
}

func (s *Supervisor) loop(ctx context.Context, run int, done chan struct{}) {
	defer close(done)

	for attempt := 1; ; attempt++ {
		delay := s.nextDelay()
		logging.Info("Reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logging.Debug("Reconnect cancelled")
			return
		case <-timer.C:
		}

		s.opts.Metrics.ReconnectAttempt()
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logging.Info("Reconnected", zap.Int("attempt", attempt))
			s.finish(run, true)
			return
		}
		logging.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}
