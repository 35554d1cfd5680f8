// Package remotetest provides an in-memory transport for tests of code
// built on package remote.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/jumbonet/jumbonet/internal/remote"
)

// ExecFunc decides what a channel does when a command is executed on it.
// It runs synchronously inside Channel.Exec
type ExecFunc func(ch *Channel, command string)

// Dialer hands out fake sessions keyed by host
type Dialer struct {
	// Errors makes Dial fail for the given hosts
	Errors map[string]error
	// OnExec is installed on every session created by Dial. Shell is
	// used when nil
	OnExec ExecFunc

	mu       sync.Mutex
	sessions map[string]*Session
	dialed   []remote.Endpoint
}

// Dial records ep and returns a new session, or the configured error
func (d *Dialer) Dial(ctx context.Context, ep remote.Endpoint) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialed = append(d.dialed, ep)
	if err, ok := d.Errors[ep.Host]; ok {
		return nil, err
	}
	if d.sessions == nil {
		d.sessions = make(map[string]*Session)
	}
	s := &Session{OnExec: d.OnExec}
	d.sessions[ep.Host] = s
	return s, nil
}

// Session returns the most recent session dialed for host
func (d *Dialer) Session(host string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[host]
}

// Dialed returns every endpoint Dial was called with
func (d *Dialer) Dialed() []remote.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]remote.Endpoint(nil), d.dialed...)
}

// Session is an in-memory remote.Session
type Session struct {
	OnExec  ExecFunc
	OpenErr error
	// Files backs the cat command understood by Shell
	Files map[string]string

	mu       sync.Mutex
	channels []*Channel
	closed   int
}

// OpenChannel returns a new channel, or OpenErr
func (s *Session) OpenChannel() (remote.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.closed > 0 {
		return nil, errors.New("session closed")
	}
	ch := &Channel{session: s}
	s.channels = append(s.channels, ch)
	return ch, nil
}

// Close counts the call
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Closed returns how many times Close was called
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Channels returns every channel opened so far
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Channel(nil), s.channels...)
}

// Last returns the most recently opened channel, or nil
func (s *Session) Last() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return nil
	}
	return s.channels[len(s.channels)-1]
}

// Channel is an in-memory remote.Channel. Output is written by the test
// (or an ExecFunc) and read back by the code under test
type Channel struct {
	session *Session

	mu        sync.Mutex
	command   string
	dir       string
	pty       bool
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	exited    bool
	code      int
	closes    int
	stdoutErr error
	stderrErr error
}

func (c *Channel) RequestPty() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pty = true
	return nil
}

func (c *Channel) Exec(command string) error {
	c.mu.Lock()
	c.command = command
	c.mu.Unlock()

	fn := c.session.OnExec
	if fn == nil {
		fn = Shell
	}
	fn(c, command)
	return nil
}

func (c *Channel) StdoutReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.Len() > 0 || c.stdoutErr != nil
}

func (c *Channel) StderrReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderr.Len() > 0 || c.stderrErr != nil
}

func (c *Channel) ReadStdout(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stdoutErr; err != nil {
		c.stdoutErr = nil
		return 0, err
	}
	if c.stdout.Len() == 0 {
		return 0, remote.ErrReadTimeout
	}
	return c.stdout.Read(p)
}

func (c *Channel) ReadStderr(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.stderrErr; err != nil {
		c.stderrErr = nil
		return 0, err
	}
	if c.stderr.Len() == 0 {
		return 0, nil
	}
	return c.stderr.Read(p)
}

func (c *Channel) ExitStatusReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

func (c *Channel) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Close marks the channel closed. A channel closed before it exited
// reports exit status -1, like a session torn down without status
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if !c.exited {
		c.exited = true
		c.code = -1
	}
	return nil
}

// WriteStdout appends s to the pending stdout bytes
func (c *Channel) WriteStdout(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdout.WriteString(s)
}

// WriteStderr appends s to the pending stderr bytes
func (c *Channel) WriteStderr(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderr.WriteString(s)
}

// Exit makes the exit status available
func (c *Channel) Exit(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return
	}
	c.exited = true
	c.code = code
}

// FailNextStdoutRead makes the next stdout read return err
func (c *Channel) FailNextStdoutRead(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdoutErr = err
}

// FailNextStderrRead makes the next stderr read return err
func (c *Channel) FailNextStderrRead(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stderrErr = err
}

// Command returns the command line passed to Exec
func (c *Channel) Command() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command
}

// Pty reports whether a pseudo-terminal was requested
func (c *Channel) Pty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pty
}

// Closes returns how many times Close was called
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

var cdPrefix = regexp.MustCompile(`^cd '((?:[^']|'\\'')*)' && `)

// Shell is a tiny command interpreter for fake channels:
//
//	echo ARGS...          prints ARGS and exits 0
//	fail CODE [MSG...]    prints MSG on stderr and exits CODE
//	cat 'PATH'            prints Session.Files[PATH] or fails
//	sleep ...             keeps running until closed
//	anything else         exits 0 silently
func Shell(ch *Channel, command string) {
	if m := cdPrefix.FindStringSubmatch(command); m != nil {
		ch.mu.Lock()
		ch.dir = strings.ReplaceAll(m[1], `'\''`, "'")
		ch.mu.Unlock()
		command = command[len(m[0]):]
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		ch.Exit(0)
		return
	}

	switch fields[0] {
	case "echo":
		ch.WriteStdout(strings.Join(fields[1:], " ") + "\n")
		ch.Exit(0)
	case "fail":
		code := 1
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				code = n
			}
		}
		if len(fields) > 2 {
			ch.WriteStderr(strings.Join(fields[2:], " ") + "\n")
		}
		ch.Exit(code)
	case "cat":
		path := strings.Trim(strings.TrimPrefix(command, "cat "), "'")
		ch.session.mu.Lock()
		content, ok := ch.session.Files[path]
		ch.session.mu.Unlock()
		if !ok {
			ch.WriteStderr(fmt.Sprintf("cat: %s: No such file or directory\n", path))
			ch.Exit(1)
			return
		}
		ch.WriteStdout(content)
		ch.Exit(0)
	case "sleep":
	default:
		ch.Exit(0)
	}
}

// Dir returns the working directory parsed by Shell
func (c *Channel) Dir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}
