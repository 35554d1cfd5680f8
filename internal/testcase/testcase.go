// Package testcase runs experiments on an orchestrator: a fail-fast
// observer with exit handlers, a step runner for testbed files and the
// collection of result files.
package testcase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/orchestrator"
	"github.com/jumbonet/jumbonet/internal/remote"
)

var (
	// ErrFailFast is the cause of a run cancelled by a failing process
	ErrFailFast = errors.New("terminating because of error")
	// ErrStopped is the cause of a run ended through Stop
	ErrStopped = errors.New("test stopped")
	// ErrUnknownRemote is returned when a remote name is not registered
	ErrUnknownRemote = errors.New("unknown remote")
)

// Func is a test body or a post-processing step
type Func func(ctx context.Context, tc *Testcase) error

// Option configures a Testcase
type Option func(*Testcase)

// WithLogger sets the logger for events and escalations
func WithLogger(l *zap.Logger) Option {
	return func(tc *Testcase) {
		if l != nil {
			tc.log = l
		}
	}
}

// WithAllowErrors disables fail-fast escalation
func WithAllowErrors(allow bool) Option {
	return func(tc *Testcase) { tc.allowErrors = allow }
}

// WithInterest sets the events Start subscribes to
func WithInterest(in remote.Interest) Option {
	return func(tc *Testcase) { tc.interest = in }
}

type exitHandler struct {
	args []string
	opts []remote.StartOption
}

// Testcase observes every process it starts. Unless errors are allowed,
// any stderr line or a positive exit code cancels the running test.
// Exit code -1, reported for killed processes, is not a failure
type Testcase struct {
	orch     *orchestrator.Orchestrator
	log      *zap.Logger
	interest remote.Interest

	mu          sync.Mutex
	allowErrors bool
	handlers    map[string]exitHandler
	cancel      context.CancelCauseFunc
	failure     error
}

var _ remote.Observer = (*Testcase)(nil)

// New returns a Testcase driving orch
func New(orch *orchestrator.Orchestrator, opts ...Option) *Testcase {
	tc := &Testcase{
		orch:     orch,
		log:      zap.NewNop(),
		interest: remote.DefaultInterest,
		handlers: make(map[string]exitHandler),
	}
	for _, opt := range opts {
		opt(tc)
	}
	tc.log = tc.log.Named("testcase")
	return tc
}

// Orchestrator returns the orchestrator the test runs on
func (tc *Testcase) Orchestrator() *orchestrator.Orchestrator { return tc.orch }

// Start runs args on the named remote with the testcase as observer
func (tc *Testcase) Start(remoteName string, args []string, opts ...remote.StartOption) (*remote.Process, error) {
	return tc.StartWith(remoteName, args, tc.interest, opts...)
}

// StartWith is Start with an explicit interest
func (tc *Testcase) StartWith(remoteName string, args []string, interest remote.Interest, opts ...remote.StartOption) (*remote.Process, error) {
	r := tc.orch.Remote(remoteName)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRemote, remoteName)
	}
	return r.Start(args, tc, interest, opts...)
}

// ExitHandler registers args to be started on the same remote once p
// reports its exit status. Registering again for p replaces the handler.
// Handlers run once and only if the exit did not escalate. When the
// status of p was delivered before the call, the handler starts right
// away unless the test has already failed. ExitHandler must not be
// called from an observer callback
func (tc *Testcase) ExitHandler(p *remote.Process, args []string, opts ...remote.StartOption) error {
	h := exitHandler{args: append([]string(nil), args...), opts: opts}

	exited := false
	tc.orch.Exclusive(func() {
		if !p.Alive() {
			exited = true
			return
		}
		tc.mu.Lock()
		tc.handlers[p.ID()] = h
		tc.mu.Unlock()
	})

	if !exited {
		tc.log.Debug("exit handler registered", zap.String("process", p.ID()), zap.Strings("args", args))
		return nil
	}
	if err := tc.Err(); err != nil {
		tc.log.Debug("exit handler skipped", zap.String("process", p.ID()), zap.Error(err))
		return nil
	}
	return tc.startHandler(p.Ref(), h)
}

func (tc *Testcase) startHandler(ref remote.ProcessRef, h exitHandler) error {
	tc.log.Info("starting exit handler", zap.String("remote", ref.Remote), zap.Strings("args", ref.Args))
	if _, err := tc.StartWith(ref.Remote, h.args, tc.interest, h.opts...); err != nil {
		return fmt.Errorf("failed to start exit handler: %w", err)
	}
	return nil
}

func (tc *Testcase) ReceiveOut(ref remote.ProcessRef, lines []string) error {
	for _, line := range lines {
		tc.log.Info(line, zap.String("remote", ref.Remote), zap.Strings("args", ref.Args))
	}
	return nil
}

func (tc *Testcase) ReceiveErr(ref remote.ProcessRef, lines []string) error {
	for _, line := range lines {
		tc.log.Error(line, zap.String("remote", ref.Remote), zap.Strings("args", ref.Args))
	}
	if tc.errorsAllowed() {
		return nil
	}
	return tc.fail(fmt.Errorf("%w: stderr from %v on %s", ErrFailFast, ref.Args, ref.Remote))
}

func (tc *Testcase) ReceiveStatus(ref remote.ProcessRef, exitCode int) error {
	tc.log.Debug("exited",
		zap.String("remote", ref.Remote),
		zap.String("process", ref.ID),
		zap.Strings("args", ref.Args),
		zap.Int("exitcode", exitCode),
	)

	if exitCode > 0 {
		tc.log.Error("nonzero exit code",
			zap.String("remote", ref.Remote), zap.Strings("args", ref.Args), zap.Int("exitcode", exitCode))

		tc.mu.Lock()
		escalate := !tc.allowErrors
		// one escalation is enough, the rest would only clutter the output
		tc.allowErrors = true
		tc.mu.Unlock()

		if escalate {
			return tc.fail(fmt.Errorf("%w: %v on %s exited with %d", ErrFailFast, ref.Args, ref.Remote, exitCode))
		}
	}

	tc.mu.Lock()
	h, ok := tc.handlers[ref.ID]
	delete(tc.handlers, ref.ID)
	tc.mu.Unlock()
	if !ok {
		return nil
	}

	return tc.startHandler(ref, h)
}

func (tc *Testcase) errorsAllowed() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.allowErrors
}

// fail records the first failure and cancels the running test with it
func (tc *Testcase) fail(err error) error {
	tc.mu.Lock()
	if tc.failure == nil {
		tc.failure = err
	}
	cancel := tc.cancel
	tc.mu.Unlock()

	if cancel != nil {
		cancel(err)
	}
	return err
}

// Err returns the failure that ended the test, if any
func (tc *Testcase) Err() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.failure
}

// Run starts the poll loop and runs test. When post is set and the test
// succeeded, every process is killed, which delivers the final status
// events and starts pending exit handlers, and post runs. The
// orchestrator is shut down before Run returns, whatever happened
func (tc *Testcase) Run(ctx context.Context, test, post Func) (err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tc.mu.Lock()
	tc.cancel = cancel
	tc.mu.Unlock()

	defer func() {
		tc.mu.Lock()
		tc.cancel = nil
		tc.mu.Unlock()
		err = multierr.Append(err, tc.orch.Shutdown())
	}()

	tc.orch.Mainloop(ctx)

	err = tc.call(ctx, "test", test)
	if err == nil && post != nil {
		tc.orch.KillAllProcesses()
		err = tc.call(ctx, "postprocess", post)
	}

	if failure := tc.Err(); failure != nil {
		if err == nil || errors.Is(err, context.Canceled) {
			return failure
		}
		return multierr.Append(failure, err)
	}
	if err != nil {
		tc.log.Error("test failed", zap.Error(err))
	}
	return err
}

// call runs fn, turning a panic into an error
func (tc *Testcase) call(ctx context.Context, stage string, fn Func) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", stage, rec)
		}
	}()
	if err := fn(ctx, tc); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

// Stop ends the test: the running test is cancelled and the orchestrator
// is shut down. It must not be called from an observer callback
func (tc *Testcase) Stop(reason string) error {
	cause := fmt.Errorf("%w: %s", ErrStopped, reason)
	tc.log.Warn("terminating test", zap.String("reason", reason))

	tc.mu.Lock()
	if tc.failure == nil {
		tc.failure = cause
	}
	cancel := tc.cancel
	tc.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}
	return multierr.Append(cause, tc.orch.Shutdown())
}
