package cmd

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/orchestrator"
	"github.com/jumbonet/jumbonet/internal/ssh"
)

// loadTestbed loads and validates the testbed file. Without an explicit
// path the current and parent directories are searched
func loadTestbed(path string) (*config.Testbed, error) {
	if path == "" {
		if found, err := config.Find(); err == nil {
			path = found
		}
	}

	tb, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(tb); errs.HasErrors() {
		return nil, fmt.Errorf("invalid testbed: %w", errs)
	}
	return tb, nil
}

// remotePassword returns the password of rc from its environment
// variable, or asks for it when the remote is configured to
func remotePassword(rc config.RemoteConfig, prompt passwordPrompt) (string, error) {
	if rc.PasswordEnv != "" {
		if pw := os.Getenv(rc.PasswordEnv); pw != "" {
			return pw, nil
		}
	}
	if !rc.AskPassword {
		return "", nil
	}
	if prompt == nil {
		return "", fmt.Errorf("remote '%s' needs a password but stdin is not a terminal", rc.Name)
	}
	return prompt(fmt.Sprintf("Password for %s@%s: ", rc.User, rc.Host))
}

// clientOptions maps the connection settings of the testbed
func clientOptions(tb *config.Testbed) []ssh.ClientOption {
	opts := []ssh.ClientOption{
		ssh.WithInsecureIgnoreHostKey(tb.InsecureIgnoreHostKey),
		ssh.WithRetries(tb.ConnectRetries),
	}
	if tb.ConnectBackoff > 0 {
		opts = append(opts, ssh.WithInitialDelay(tb.ConnectBackoff))
	}
	if tb.ConnectMaxBackoff > 0 {
		opts = append(opts, ssh.WithMaxDelay(tb.ConnectMaxBackoff))
	}
	return opts
}

// newDialer returns the SSH dialer for the testbed
func newDialer(tb *config.Testbed, log *zap.Logger) *ssh.Dialer {
	return ssh.NewDialer(
		ssh.WithDialerLogger(log.Named("ssh")),
		ssh.WithClientOptions(clientOptions(tb)...),
	)
}

// connectRemotes adds every remote of the testbed to orch, in file order.
// It stops at the first remote that cannot be connected
func connectRemotes(ctx context.Context, orch *orchestrator.Orchestrator, tb *config.Testbed, prompt passwordPrompt) error {
	for _, rc := range tb.Remotes {
		password, err := remotePassword(rc, prompt)
		if err != nil {
			return err
		}
		params := rc.Params()
		params.Password = password

		PrintVerbose("Connecting %s (%s@%s)", rc.Name, rc.User, rc.Host)
		if _, err := orch.AddRemote(ctx, rc.Name, params); err != nil {
			return err
		}
	}
	return nil
}
