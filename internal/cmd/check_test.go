package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/ssh"
)

func TestCheckRemotes(t *testing.T) {
	tb := &config.Testbed{Remotes: []config.RemoteConfig{
		{Name: "h1", Host: "10.0.0.1", User: "alice"},
		{Name: "h2", Host: "10.0.0.2", User: "bob"},
		{Name: "h3", Host: "10.0.0.3", User: "carol"},
	}}

	mocks := map[string]*ssh.MockExecutor{
		"h1": {ExecFunc: func(ctx context.Context, command string) (*ssh.ExecResult, error) {
			return &ssh.ExecResult{Stdout: "lab-1\n"}, nil
		}},
		"h3": {ExecFunc: func(ctx context.Context, command string) (*ssh.ExecResult, error) {
			return &ssh.ExecResult{Stderr: "uname: not found", ExitCode: 127}, nil
		}},
	}
	connect := func(ctx context.Context, rc config.RemoteConfig, password string) (ssh.Executor, error) {
		m, ok := mocks[rc.Name]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return m, nil
	}

	var out bytes.Buffer
	err := checkRemotes(context.Background(), tb, connect, nil, &out)
	if err == nil || !strings.Contains(err.Error(), "remote 'h2'") {
		t.Fatalf("expected the first failure to be h2, got %v", err)
	}

	output := out.String()
	for _, want := range []string{
		"✓ h1: alice@10.0.0.1 (lab-1)",
		"✗ h2: failed to connect: connection refused",
		"✗ h3: command failed (exit 127): uname: not found",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}

	for name, m := range mocks {
		if cmds := m.Commands(); len(cmds) != 1 || cmds[0] != "uname -n" {
			t.Errorf("%s: unexpected commands %v", name, cmds)
		}
		if !m.Closed() {
			t.Errorf("%s: executor was not closed", name)
		}
	}
}

func TestCheckRemotes_AllReachable(t *testing.T) {
	tb := &config.Testbed{Remotes: []config.RemoteConfig{{Name: "h1", Host: "10.0.0.1", User: "alice", AskPassword: true}}}

	var gotPassword string
	connect := func(ctx context.Context, rc config.RemoteConfig, password string) (ssh.Executor, error) {
		gotPassword = password
		return &ssh.MockExecutor{}, nil
	}
	prompt := func(string) (string, error) { return "pw", nil }

	var out bytes.Buffer
	if err := checkRemotes(context.Background(), tb, connect, prompt, &out); err != nil {
		t.Fatalf("checkRemotes() error = %v", err)
	}
	if gotPassword != "pw" {
		t.Errorf("password = %q, want pw", gotPassword)
	}
}

func TestSSHConnector_RetriesWithBackoff(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv(ssh.EnvSSHKey, "")

	tb := &config.Testbed{
		InsecureIgnoreHostKey: true,
		ConnectRetries:        2,
		ConnectBackoff:        40 * time.Millisecond,
		ConnectMaxBackoff:     60 * time.Millisecond,
	}
	// nothing listens on port 1 of the loopback address
	rc := config.RemoteConfig{Name: "h1", Host: "127.0.0.1", User: "alice", Port: 1}

	start := time.Now()
	_, err := sshConnector(tb, time.Second)(context.Background(), rc, "pw")
	if err == nil {
		t.Fatal("expected connection error")
	}
	// two retries wait 40ms then 60ms
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("gave up after %v, expected the configured retries to wait", elapsed)
	}
}
