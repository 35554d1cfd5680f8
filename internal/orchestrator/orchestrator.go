// Package orchestrator owns the set of remotes of an experiment and the
// single background loop that polls their processes.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/metrics"
	"github.com/jumbonet/jumbonet/internal/remote"
	"github.com/jumbonet/jumbonet/internal/security"
)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger shared with every remote
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics sets the recorder shared with every remote
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithPollInterval sets the pause between two ticks. Values below
// constants.MinPollInterval are raised to it
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d < constants.MinPollInterval {
			d = constants.MinPollInterval
		}
		o.interval = d
	}
}

// Orchestrator handles the remotes of one experiment
type Orchestrator struct {
	dialer   remote.Dialer
	interval time.Duration
	log      *zap.Logger
	metrics  *metrics.Recorder

	mu      sync.RWMutex
	remotes map[string]*remote.Remote
	order   []string
	pending map[string]bool
	closed  bool

	// tickMu serializes polling passes so events of one process are never
	// delivered from two goroutines at once.
	tickMu sync.Mutex

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an orchestrator that connects remotes through dialer
func New(dialer remote.Dialer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dialer:   dialer,
		interval: constants.DefaultPollInterval,
		log:      zap.NewNop(),
		remotes:  make(map[string]*remote.Remote),
		pending:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("orchestrator")
	return o
}

// Interval returns the pause between two ticks
func (o *Orchestrator) Interval() time.Duration { return o.interval }

// AddRemote connects to the host described by params and stores the
// remote under name. A name that is already registered, or currently
// being connected, is rejected with *DuplicateNameError before dialing
func (o *Orchestrator) AddRemote(ctx context.Context, name string, params remote.Params) (*remote.Remote, error) {
	if err := security.ValidateRemoteName(name); err != nil {
		return nil, fmt.Errorf("invalid remote name: %w", err)
	}

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return nil, ErrShutdown
	case o.remotes[name] != nil || o.pending[name]:
		o.mu.Unlock()
		return nil, &DuplicateNameError{Name: name}
	}
	o.pending[name] = true
	o.mu.Unlock()

	r, err := remote.New(ctx, name, params, o.dialer,
		remote.WithLogger(o.log.Named("remote")),
		remote.WithMetrics(o.metrics),
	)

	o.mu.Lock()
	delete(o.pending, name)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if o.closed {
		o.mu.Unlock()
		_ = r.Shutdown()
		return nil, ErrShutdown
	}
	o.remotes[name] = r
	o.order = append(o.order, name)
	o.mu.Unlock()

	return r, nil
}

// Remote returns the remote registered under name, or nil
func (o *Orchestrator) Remote(name string) *remote.Remote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.remotes[name]
}

// Remotes returns every remote in the order they were added
func (o *Orchestrator) Remotes() []*remote.Remote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*remote.Remote, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.remotes[name])
	}
	return out
}

// Mainloop starts the background poll loop. Only the first call starts
// it; later calls, and calls after Shutdown, do nothing. The loop runs
// until Shutdown is called or ctx is done
func (o *Orchestrator) Mainloop(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.running.CompareAndSwap(false, true) {
		return
	}

	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go o.loop(ctx, o.done)
	o.log.Debug("poll loop started", zap.Duration("interval", o.interval))
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.Tick()
		select {
		case <-ctx.Done():
			o.log.Debug("poll loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one polling pass over every remote. A failure on one remote,
// including a panic, is logged and does not affect the others. After
// Shutdown it does nothing
func (o *Orchestrator) Tick() {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()

	o.mu.RLock()
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return
	}

	start := time.Now()
	for _, r := range o.Remotes() {
		if err := o.check(r); err != nil {
			o.log.Debug("tick finished with errors", zap.String("remote", r.Name()), zap.Error(err))
		}
	}
	o.metrics.Tick(time.Since(start))
}

func (o *Orchestrator) check(r *remote.Remote) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while checking %s: %v", r.Name(), rec)
			o.log.Error("poll failed", zap.String("remote", r.Name()), zap.Any("panic", rec))
		}
	}()
	return r.CheckProcesses()
}

// KillAllProcesses kills every live process, then runs a polling pass so
// the resulting status events are delivered before it returns
func (o *Orchestrator) KillAllProcesses() {
	for _, r := range o.Remotes() {
		r.KillAll()
	}
	o.Tick()
}

// GetProcess looks up a process by id. With a remote name only that
// remote is searched; otherwise every remote is, in insertion order
func (o *Orchestrator) GetProcess(id, remoteName string) *remote.Process {
	if remoteName != "" {
		r := o.Remote(remoteName)
		if r == nil {
			return nil
		}
		return r.Process(id)
	}
	for _, r := range o.Remotes() {
		if p := r.Process(id); p != nil {
			return p
		}
	}
	return nil
}

// HasRunningProcesses reports whether any remote has a live process
func (o *Orchestrator) HasRunningProcesses() bool {
	for _, r := range o.Remotes() {
		if r.HasRunningProcesses() {
			return true
		}
	}
	return false
}

// Wait blocks until no process is running or ctx is done. It relies on
// the poll loop, or on someone calling Tick, to observe exits. When it
// returns nil the tick that saw the last exit has delivered its events,
// including any follow-up process started from them
func (o *Orchestrator) Wait(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if !o.HasRunningProcesses() && o.idleAfterTick() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitProcess blocks until p is terminal and its status has been
// delivered, or ctx is done
func (o *Orchestrator) WaitProcess(ctx context.Context, p *remote.Process) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if !p.Alive() && o.settled(p) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Exclusive runs fn while no polling pass is in progress, so no event
// is delivered during fn. It must not be called from an observer callback
func (o *Orchestrator) Exclusive(fn func()) {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	fn()
}

func (o *Orchestrator) settled(p *remote.Process) bool {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	return !p.Alive()
}

func (o *Orchestrator) idleAfterTick() bool {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	return !o.HasRunningProcesses()
}

// Shutdown stops the poll loop after its current tick and shuts down
// every remote. It must not be called from an observer callback, since
// it waits for the tick delivering that callback. Later calls return the
// result of the first
func (o *Orchestrator) Shutdown() error {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		cancel, done := o.cancel, o.done
		o.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		o.running.Store(false)

		var errs error
		for _, r := range o.Remotes() {
			errs = multierr.Append(errs, r.Shutdown())
		}
		o.shutdownErr = errs
		o.log.Info("shut down", zap.Int("remotes", len(o.Remotes())))
	})
	return o.shutdownErr
}
