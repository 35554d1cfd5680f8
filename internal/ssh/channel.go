package ssh

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/remote"
)

// pollBuffer collects what the session copies from the remote and hands
// it out without blocking
type pollBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *pollBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *pollBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return 0, remote.ErrReadTimeout
	}
	return b.buf.Read(p)
}

func (b *pollBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// channel adapts an *ssh.Session to remote.Channel. The session's own
// copy goroutines fill the buffers; the exit status is published only
// after session.Wait returned, so by then every byte is buffered
type channel struct {
	session *ssh.Session
	grace   time.Duration

	stdout pollBuffer
	stderr pollBuffer
	done   chan struct{}

	mu      sync.Mutex
	started bool
	exited  bool
	code    int

	closeOnce sync.Once
	closeErr  error
}

func newChannel(session *ssh.Session) *channel {
	return &channel{
		session: session,
		grace:   constants.KillGrace,
		done:    make(chan struct{}),
	}
}

func (c *channel) RequestPty() error {
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	return c.session.RequestPty(constants.PtyTerm, constants.PtyRows, constants.PtyCols, modes)
}

func (c *channel) Exec(command string) error {
	c.session.Stdout = &c.stdout
	c.session.Stderr = &c.stderr
	if err := c.session.Start(command); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go c.wait()
	return nil
}

func (c *channel) wait() {
	code := exitCode(c.session.Wait())
	c.mu.Lock()
	if !c.exited {
		c.exited = true
		c.code = code
	}
	c.mu.Unlock()
	close(c.done)
}

// exitCode maps the result of session.Wait to an exit code. A session
// that ended without an exit status yields -1
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

func (c *channel) StdoutReady() bool { return c.stdout.Len() > 0 }

func (c *channel) StderrReady() bool { return c.stderr.Len() > 0 }

func (c *channel) ReadStdout(p []byte) (int, error) { return c.stdout.Read(p) }

func (c *channel) ReadStderr(p []byte) (int, error) { return c.stderr.Read(p) }

func (c *channel) ExitStatusReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

func (c *channel) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Close closes the session and waits up to the grace period for Wait to
// return. Afterwards the channel always reports an exit status
func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		if err := c.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			c.closeErr = err
		}

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()

		if started {
			select {
			case <-c.done:
			case <-time.After(c.grace):
			}
		}

		c.mu.Lock()
		if !c.exited {
			c.exited = true
			c.code = -1
		}
		c.mu.Unlock()
	})
	return c.closeErr
}
