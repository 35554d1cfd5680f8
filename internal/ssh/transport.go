package ssh

import (
	"context"

	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/remote"
)

// Session is a remote.Session backed by one SSH connection. Every
// command gets its own SSH session, multiplexed over the connection
type Session struct {
	client *Client
}

// NewSession wraps a connected client
func NewSession(c *Client) *Session {
	return &Session{client: c}
}

// OpenChannel opens a new SSH session for one command
func (s *Session) OpenChannel() (remote.Channel, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	return newChannel(sess), nil
}

// Close closes the underlying connection
func (s *Session) Close() error {
	return s.client.Close()
}

// Dialer connects remotes over SSH. It implements remote.Dialer
type Dialer struct {
	opts     []ClientOption
	resolver *Resolver
	log      *zap.Logger
}

// DialerOption configures a Dialer
type DialerOption func(*Dialer)

// WithClientOptions applies opts to every client the dialer creates
func WithClientOptions(opts ...ClientOption) DialerOption {
	return func(d *Dialer) { d.opts = append(d.opts, opts...) }
}

// WithResolver sets the ssh_config resolver used before dialing
func WithResolver(r *Resolver) DialerOption {
	return func(d *Dialer) { d.resolver = r }
}

// WithDialerLogger sets the logger of the dialer and its clients
func WithDialerLogger(l *zap.Logger) DialerOption {
	return func(d *Dialer) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDialer returns a Dialer resolving hosts through the user's
// ~/.ssh/config unless another resolver is set
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.resolver == nil {
		d.resolver = DefaultResolver()
	}
	return d
}

// Dial resolves ep and connects to it
func (d *Dialer) Dial(ctx context.Context, ep remote.Endpoint) (remote.Session, error) {
	resolved := d.resolver.Resolve(ep)
	if resolved.Host != ep.Host {
		d.log.Debug("resolved host alias", zap.String("alias", ep.Host), zap.String("host", resolved.Host))
	}

	opts := append([]ClientOption{WithLogger(d.log)}, d.opts...)
	if resolved.Password != "" {
		opts = append(opts, WithPassword(resolved.Password))
	}

	c := NewClient(resolved.Host, resolved.User, resolved.Port, resolved.KeyPath, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return NewSession(c), nil
}
