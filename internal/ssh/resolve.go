package ssh

import (
	"fmt"
	"io"
	"strconv"

	sshconfig "github.com/kevinburke/ssh_config"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/remote"
)

// Resolver fills endpoint fields from an OpenSSH client configuration,
// so testbed hosts may be ~/.ssh/config aliases
type Resolver struct {
	get func(alias, key string) string
}

// DefaultResolver reads ~/.ssh/config and /etc/ssh/ssh_config
func DefaultResolver() *Resolver {
	return &Resolver{get: sshconfig.Get}
}

// NewResolver parses an ssh_config file from r
func NewResolver(r io.Reader) (*Resolver, error) {
	cfg, err := sshconfig.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config: %w", err)
	}
	return &Resolver{get: func(alias, key string) string {
		v, _ := cfg.Get(alias, key)
		return v
	}}, nil
}

// Resolve returns ep with HostName, User, Port and IdentityFile applied
// from the configuration. Explicit values win, except port 22, which is
// indistinguishable from unset
func (r *Resolver) Resolve(ep remote.Endpoint) remote.Endpoint {
	alias := ep.Host
	out := ep

	if h := r.get(alias, "HostName"); h != "" {
		out.Host = h
	}
	if out.User == "" {
		out.User = r.get(alias, "User")
	}
	if out.Port == 0 || out.Port == constants.DefaultSSHPort {
		out.Port = constants.DefaultSSHPort
		if p, err := strconv.Atoi(r.get(alias, "Port")); err == nil && p > 0 {
			out.Port = p
		}
	}
	if out.KeyPath == "" {
		// ~/.ssh/identity is what the library reports when nothing is set
		if kf := r.get(alias, "IdentityFile"); kf != "" && kf != "~/.ssh/identity" {
			out.KeyPath = expandPath(kf)
		}
	}
	return out
}
