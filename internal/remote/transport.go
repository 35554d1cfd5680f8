package remote

import (
	"context"
	"net"
	"strconv"
)

// Endpoint holds what a Dialer needs to open a Session to one host.
// At least one of KeyPath or Password is expected; dialers may fall back
// to an agent or default key locations when both are empty
type Endpoint struct {
	Host     string
	Port     int
	User     string
	KeyPath  string
	Password string
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Dialer opens authenticated sessions
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}

// Session is one authenticated connection to a host
type Session interface {
	OpenChannel() (Channel, error)
	Close() error
}

// Channel carries exactly one remote command.
//
// Reads never block: when nothing is buffered they return (0, nil) or
// (0, ErrReadTimeout). Once ExitStatusReady reports true the far end can
// produce no more bytes, so reading until empty yields the complete
// remaining output. Close must be idempotent
type Channel interface {
	RequestPty() error
	Exec(command string) error
	StdoutReady() bool
	StderrReady() bool
	ReadStdout(p []byte) (int, error)
	ReadStderr(p []byte) (int, error)
	ExitStatusReady() bool
	ExitStatus() int
	Close() error
}
