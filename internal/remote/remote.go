package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/metrics"
	"github.com/jumbonet/jumbonet/internal/security"
)

// Inband describes the experiment-network identity of a host. It is
// informational only
type Inband struct {
	IP        string
	MAC       string
	Interface string
}

// Params are the connection parameters of a Remote
type Params struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string
	Inband   Inband
}

// Endpoint returns the dial target for p
func (p Params) Endpoint() Endpoint {
	port := p.Port
	if port == 0 {
		port = constants.DefaultSSHPort
	}
	return Endpoint{
		Host:     p.Host,
		Port:     port,
		User:     p.User,
		KeyPath:  p.KeyPath,
		Password: p.Password,
	}
}

// Option configures a Remote
type Option func(*Remote)

// WithLogger sets the logger used by the remote and its processes
func WithLogger(l *zap.Logger) Option {
	return func(r *Remote) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics sets the recorder for process and delivery counters
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Remote) {
		r.metrics = m
	}
}

// Remote owns one session to a host and every process started on it.
// Processes are never removed, so IDs stay resolvable for the lifetime
// of the Remote
type Remote struct {
	name   string
	host   string
	port   int
	user   string
	inband Inband

	session Session
	log     *zap.Logger
	metrics *metrics.Recorder

	mu        sync.RWMutex
	processes []*Process
	byID      map[string]*Process
	connected bool
}

// New dials the host described by params. A failed handshake is returned
// as a *ConnectionError
func New(ctx context.Context, name string, params Params, dialer Dialer, opts ...Option) (*Remote, error) {
	ep := params.Endpoint()
	r := &Remote{
		name:   name,
		host:   ep.Host,
		port:   ep.Port,
		user:   ep.User,
		inband: params.Inband,
		log:    zap.NewNop(),
		byID:   make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("remote", name))

	session, err := dialer.Dial(ctx, ep)
	if err != nil {
		return nil, &ConnectionError{Remote: name, Addr: ep.Addr(), Err: err}
	}
	r.session = session
	r.connected = true

	r.log.Info("connected", zap.String("addr", ep.Addr()), zap.String("user", ep.User))
	return r, nil
}

// Name returns the name the remote is registered under
func (r *Remote) Name() string { return r.name }

// Host returns the address that was dialed
func (r *Remote) Host() string { return r.host }

// Port returns the port that was dialed
func (r *Remote) Port() int { return r.port }

// User returns the login user
func (r *Remote) User() string { return r.user }

// Inband returns the descriptive experiment-network metadata
func (r *Remote) Inband() Inband { return r.inband }

// Connected reports whether the session is still open
func (r *Remote) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// StartOption configures a single Start call
type StartOption func(*startConfig)

type startConfig struct {
	workingDir string
	pty        bool
}

// WithWorkingDir runs the command after changing into dir
func WithWorkingDir(dir string) StartOption {
	return func(c *startConfig) {
		c.workingDir = dir
	}
}

// WithPty requests a pseudo-terminal for the command
func WithPty() StartOption {
	return func(c *startConfig) {
		c.pty = true
	}
}

// BuildCommand joins args into the command line sent to the remote,
// prefixed with a directory change when dir is set. Args are passed
// verbatim so callers may use shell syntax
func BuildCommand(args []string, dir string) string {
	cmd := strings.Join(args, " ")
	if dir == "" {
		return cmd
	}
	return fmt.Sprintf("cd %s && %s", security.ShellEscape(dir), cmd)
}

// Start runs args on the remote and registers observer for the events
// selected by interest. The new process is observed from the next call
// to CheckProcesses
func (r *Remote) Start(args []string, observer Observer, interest Interest, opts ...StartOption) (*Process, error) {
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	command := BuildCommand(args, cfg.workingDir)
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}

	ch, err := r.openChannel()
	if err != nil {
		return nil, err
	}
	if cfg.pty {
		if err := ch.RequestPty(); err != nil {
			_ = ch.Close()
			return nil, &TransportIOError{Remote: r.name, Op: "request pty", Err: err}
		}
	}
	if err := ch.Exec(command); err != nil {
		_ = ch.Close()
		return nil, &TransportIOError{Remote: r.name, Op: "exec", Err: err}
	}

	var regs []registration
	if observer != nil {
		regs = append(regs, registration{observer: observer, interest: interest})
	}
	p := newProcess(r.name, ch, args, command, regs, r.log)

	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		_ = p.Kill()
		return nil, ErrNotConnected
	}
	r.processes = append(r.processes, p)
	r.byID[p.id] = p
	r.mu.Unlock()

	r.metrics.ProcessStarted(r.name)
	r.log.Info("started",
		zap.String("process", p.id),
		zap.String("command", security.SanitizeCommandForLog(command)),
	)
	return p, nil
}

func (r *Remote) openChannel() (Channel, error) {
	r.mu.RLock()
	connected, session := r.connected, r.session
	r.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}

	ch, err := session.OpenChannel()
	if err != nil {
		return nil, &TransportIOError{Remote: r.name, Op: "open channel", Err: err}
	}
	return ch, nil
}

// Process returns the process with the given id, or nil
func (r *Remote) Process(id string) *Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Processes returns every process in start order
func (r *Remote) Processes() []*Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Process(nil), r.processes...)
}

// CheckProcesses drains every non-terminal process once and delivers the
// resulting events: output, then error, then status on the exit tick.
// Read and delivery failures are logged and returned combined; they never
// stop the remaining deliveries
func (r *Remote) CheckProcesses() error {
	var errs error
	for _, p := range r.Processes() {
		if !p.Alive() {
			continue
		}

		delta, err := p.Drain()
		if err != nil {
			r.metrics.ReadError(r.name)
			r.log.Warn("read failed", zap.String("process", p.id), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
		if delta.Exited {
			r.metrics.ProcessExited(r.name)
			r.log.Debug("exited", zap.String("process", p.id), zap.Int("exitcode", delta.ExitCode))
		}

		errs = multierr.Append(errs, r.deliver(p, delta))
	}
	return errs
}

func (r *Remote) deliver(p *Process, delta Delta) error {
	if len(p.regs) == 0 {
		return nil
	}
	ref := p.Ref()

	var errs error
	for _, reg := range p.regs {
		obs := reg.observer
		if reg.interest.Output && len(delta.Out) > 0 {
			errs = multierr.Append(errs, r.call(p, "out", func() error { return obs.ReceiveOut(ref, delta.Out) }))
		}
		if reg.interest.Error && len(delta.Err) > 0 {
			errs = multierr.Append(errs, r.call(p, "err", func() error { return obs.ReceiveErr(ref, delta.Err) }))
		}
		if reg.interest.Status && delta.Exited {
			errs = multierr.Append(errs, r.call(p, "status", func() error { return obs.ReceiveStatus(ref, delta.ExitCode) }))
		}
	}
	return errs
}

// call runs one observer callback, turning errors and panics into a
// *DeliveryError
func (r *Remote) call(p *Process, event string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("observer panicked: %v", rec)
		}
		if err != nil {
			err = &DeliveryError{Remote: r.name, ProcessID: p.id, Event: event, Err: err}
			r.metrics.DeliveryError(r.name, event)
			r.log.Error("delivery failed", zap.String("process", p.id), zap.String("event", event), zap.Error(err))
		}
	}()
	return fn()
}

// Kill closes the channel of process id. It reports false when no such
// process exists
func (r *Remote) Kill(id string) bool {
	p := r.Process(id)
	if p == nil {
		return false
	}
	if err := p.Kill(); err != nil {
		r.log.Warn("kill failed", zap.String("process", id), zap.Error(err))
	}
	return true
}

// KillAll kills every process that is still alive
func (r *Remote) KillAll() {
	for _, p := range r.Processes() {
		if !p.Alive() {
			continue
		}
		if err := p.Kill(); err != nil {
			r.log.Warn("kill failed", zap.String("process", p.id), zap.Error(err))
		}
	}
}

// HasRunningProcesses reports whether any process has no exit code yet
func (r *Remote) HasRunningProcesses() bool {
	for _, p := range r.Processes() {
		if p.Alive() {
			return true
		}
	}
	return false
}

// Shutdown kills every live process and closes the session. Calling it
// again is a no-op
func (r *Remote) Shutdown() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	processes := append([]*Process(nil), r.processes...)
	r.mu.Unlock()

	var errs error
	for _, p := range processes {
		if !p.Alive() {
			continue
		}
		if err := p.Kill(); err != nil {
			errs = multierr.Append(errs, &TransportIOError{Remote: r.name, ProcessID: p.id, Op: "close", Err: err})
		}
	}
	if err := r.session.Close(); err != nil {
		errs = multierr.Append(errs, &TransportIOError{Remote: r.name, Op: "close session", Err: err})
	}

	r.log.Info("shut down", zap.Int("processes", len(processes)))
	return errs
}
