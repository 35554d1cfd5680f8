package remote

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/constants"
)

// Delta is what one drain produced
type Delta struct {
	Out      []string
	Err      []string
	Exited   bool
	ExitCode int
}

type registration struct {
	observer Observer
	interest Interest
}

// stream accumulates one output stream of a process
type stream struct {
	name    string
	ready   func() bool
	read    func(p []byte) (int, error)
	partial []byte
	lines   []string
}

// Process is one command running on a Remote
type Process struct {
	id      string
	remote  string
	args    []string
	command string
	ch      Channel
	regs    []registration
	log     *zap.Logger

	closeOnce sync.Once
	closeErr  error

	mu            sync.Mutex
	alive         bool
	exitCode      *int
	stdout        *stream
	stderr        *stream
	drainFailures int
}

func newProcess(remote string, ch Channel, args []string, command string, regs []registration, log *zap.Logger) *Process {
	p := &Process{
		id:      newProcessID(),
		remote:  remote,
		args:    append([]string(nil), args...),
		command: command,
		ch:      ch,
		regs:    regs,
		alive:   true,
	}
	p.log = log.With(zap.String("process", p.id))
	p.stdout = &stream{name: "stdout", ready: ch.StdoutReady, read: ch.ReadStdout}
	p.stderr = &stream{name: "stderr", ready: ch.StderrReady, read: ch.ReadStderr}
	return p
}

// newProcessID returns a time-ordered identifier
func newProcessID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ID returns the process identifier
func (p *Process) ID() string { return p.id }

// Remote returns the name of the remote the process runs on
func (p *Process) Remote() string { return p.remote }

// Args returns a copy of the argument vector
func (p *Process) Args() []string { return append([]string(nil), p.args...) }

// Command returns the command line sent to the remote
func (p *Process) Command() string { return p.command }

// Ref returns the reference passed to observers
func (p *Process) Ref() ProcessRef {
	return ProcessRef{Remote: p.remote, ID: p.id, Args: p.Args()}
}

// Alive reports whether no exit status has been observed yet
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// ExitCode returns the exit code and whether the process has exited
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// Stdout returns every complete stdout line read so far
func (p *Process) Stdout() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stdout.lines...)
}

// Stderr returns every complete stderr line read so far
func (p *Process) Stderr() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stderr.lines...)
}

// Kill asks the far end to stop by closing the channel. It never sets the
// exit code; that is only learned by the next drain. Repeated calls are
// no-ops
func (p *Process) Kill() error {
	p.closeOnce.Do(func() {
		p.log.Debug("closing channel")
		p.closeErr = p.ch.Close()
	})
	return p.closeErr
}

// Drain reads whatever the channel has available and returns the new
// lines. While the process runs it only reads streams reported ready and
// never waits. On the tick the exit status shows up it reads both
// streams to the end and flushes trailing partial lines, so the terminal
// delta carries all remaining output. Terminal processes return an empty
// Delta.
//
// A read failure is reported through the returned error and the call
// yields no lines; whatever was read stays buffered for the next call.
// If it happens during the final drain the terminal transition is
// retried on the next call, up to constants.MaxFinalDrainAttempts times
func (p *Process) Drain() (Delta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exitCode != nil {
		return Delta{}, nil
	}

	exited := p.ch.ExitStatusReady()
	outErr := p.fill(p.stdout, exited)
	errErr := p.fill(p.stderr, exited)
	readErr := errors.Join(outErr, errErr)

	commit := exited
	if exited && readErr != nil {
		p.drainFailures++
		if p.drainFailures < constants.MaxFinalDrainAttempts {
			commit = false
			p.log.Warn("final drain failed, retrying next tick",
				zap.Int("attempt", p.drainFailures), zap.Error(readErr))
		} else {
			p.log.Error("final drain failed, giving up", zap.Error(readErr))
		}
	}

	var delta Delta
	if readErr == nil || commit {
		delta.Out = p.stdout.take(commit)
		delta.Err = p.stderr.take(commit)
	}

	if commit {
		code := p.ch.ExitStatus()
		p.exitCode = &code
		p.alive = false
		delta.Exited = true
		delta.ExitCode = code
	}

	if len(delta.Out) > 0 || len(delta.Err) > 0 || delta.Exited {
		p.log.Debug("drained",
			zap.Strings("stdout", delta.Out),
			zap.Strings("stderr", delta.Err),
			zap.Bool("exited", delta.Exited),
		)
	}

	if readErr != nil {
		return delta, &TransportIOError{Remote: p.remote, ProcessID: p.id, Op: "read", Err: readErr}
	}
	return delta, nil
}

// fill reads s into its partial buffer. Unless final, a stream that is
// not ready is skipped entirely
func (p *Process) fill(s *stream, final bool) error {
	if !final && !s.ready() {
		return nil
	}

	buf := make([]byte, constants.ReadChunkSize)
	for {
		n, err := s.read(buf)
		if n > 0 {
			s.partial = append(s.partial, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, ErrReadTimeout) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// take moves complete lines out of the partial buffer. With flush, a
// trailing fragment without newline becomes a line too
func (s *stream) take(flush bool) []string {
	var lines []string
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, decodeLine(s.partial[:i]))
		s.partial = s.partial[i+1:]
	}
	if flush && len(s.partial) > 0 {
		lines = append(lines, decodeLine(s.partial))
		s.partial = nil
	}
	if len(s.partial) == 0 {
		s.partial = nil
	}
	s.lines = append(s.lines, lines...)
	return lines
}

func decodeLine(b []byte) string {
	line := strings.TrimSuffix(string(b), "\r")
	return strings.ToValidUTF8(line, "�")
}
