// Package ssh is the transport of jumbonet: it connects to remotes with
// golang.org/x/crypto/ssh and exposes sessions whose channels can be
// polled without blocking.
package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/jumbonet/jumbonet/internal/constants"
)

// Connection defaults
const (
	DefaultTimeout      = constants.DefaultDialTimeout
	DefaultMaxRetries   = constants.DefaultMaxRetries
	DefaultInitialDelay = constants.DefaultInitialDelay
	DefaultMaxDelay     = constants.DefaultMaxDelay
)

type clientOptions struct {
	timeout      time.Duration
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	password     string
	insecure     bool
	log          *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*clientOptions)

// WithTimeout sets the TCP connect and handshake timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithRetries sets how many times a failed connect is retried
func WithRetries(n int) ClientOption {
	return func(o *clientOptions) { o.maxRetries = n }
}

// WithInitialDelay sets the delay before the first retry
func WithInitialDelay(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.initialDelay = d }
}

// WithMaxDelay caps the exponential backoff between retries
func WithMaxDelay(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.maxDelay = d }
}

// WithPassword enables password and keyboard-interactive authentication
func WithPassword(password string) ClientOption {
	return func(o *clientOptions) { o.password = password }
}

// WithInsecureIgnoreHostKey disables host key verification
func WithInsecureIgnoreHostKey(insecure bool) ClientOption {
	return func(o *clientOptions) { o.insecure = insecure }
}

// WithLogger sets the logger for connection attempts
func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// Client represents an SSH client connection
type Client struct {
	Host    string
	User    string
	Port    int
	KeyPath string

	opts   clientOptions
	mu     sync.Mutex
	config *ssh.ClientConfig
	client *ssh.Client
	agent  net.Conn
}

// NewClient creates a new SSH client
func NewClient(host, user string, port int, keyPath string, opts ...ClientOption) *Client {
	if port == 0 {
		port = constants.DefaultSSHPort
	}
	o := clientOptions{
		timeout:      DefaultTimeout,
		maxRetries:   DefaultMaxRetries,
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		Host:    host,
		User:    user,
		Port:    port,
		KeyPath: keyPath,
		opts:    o,
	}
}

// Addr returns host:port
func (c *Client) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Connect establishes an SSH connection, retrying with exponential
// backoff when configured to
func (c *Client) Connect(ctx context.Context) error {
	auth, agentConn, err := c.authMethods()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	hostKeyCallback, err := hostKeyCallback(c.Host, c.User, c.Port, c.opts.insecure)
	if err != nil {
		if agentConn != nil {
			agentConn.Close()
		}
		return fmt.Errorf("host key verification failed: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.opts.timeout,
	}

	c.mu.Lock()
	c.config = config
	c.agent = agentConn
	c.mu.Unlock()

	return c.connectWithRetry(ctx)
}

func (c *Client) connectWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			c.opts.log.Debug("retrying connection",
				zap.String("addr", c.Addr()), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		client, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.client = client
			c.mu.Unlock()
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	config := c.config
	c.mu.Unlock()

	addr := c.Addr()
	d := net.Dialer{Timeout: c.opts.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	deadline := time.Now().Add(c.opts.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// backoffDelay returns initialDelay * 2^(attempt-1), capped at maxDelay
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.opts.initialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.maxDelay {
			return c.opts.maxDelay
		}
	}
	if delay > c.opts.maxDelay {
		return c.opts.maxDelay
	}
	return delay
}

// Close closes the SSH connection
func (c *Client) Close() error {
	c.mu.Lock()
	client, agentConn := c.client, c.agent
	c.client, c.agent = nil, nil
	c.mu.Unlock()

	if agentConn != nil {
		agentConn.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) sshClient() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// NewSession creates a new SSH session
func (c *Client) NewSession() (*ssh.Session, error) {
	client := c.sshClient()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return client.NewSession()
}
