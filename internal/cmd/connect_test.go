package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/orchestrator"
	"github.com/jumbonet/jumbonet/internal/remote"
	"github.com/jumbonet/jumbonet/internal/remote/remotetest"
)

const sampleTestbedYAML = `poll_interval: 10ms
remotes:
  - name: h1
    host: 10.0.0.1
    user: alice
steps:
  - id: ping
    remote: h1
    run: [ping, localhost, -c, "20"]
  - sleep: 10ms
  - kill: ping
`

func TestLoadTestbed(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte(sampleTestbedYAML), 0600); err != nil {
		t.Fatal(err)
	}
	tb, err := loadTestbed(valid)
	if err != nil {
		t.Fatalf("loadTestbed() error = %v", err)
	}
	if len(tb.Remotes) != 1 || len(tb.Steps) != 3 {
		t.Errorf("unexpected testbed %+v", tb)
	}
	if tb.PollInterval != 10*time.Millisecond {
		t.Errorf("PollInterval = %v", tb.PollInterval)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("remotes: []\nsteps:\n  - kill: nope\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err = loadTestbed(invalid)
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 validation errors, got %v", verrs)
	}

	if _, err := loadTestbed(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRemotePassword(t *testing.T) {
	t.Setenv("JUMBONET_TEST_PW", "from-env")
	t.Setenv("JUMBONET_EMPTY_PW", "")

	prompted := func(msg string) (string, error) { return "typed", nil }
	failing := func(msg string) (string, error) { return "", errors.New("no tty") }

	tests := []struct {
		name    string
		rc      config.RemoteConfig
		prompt  passwordPrompt
		want    string
		wantErr bool
	}{
		{"nothing configured", config.RemoteConfig{Name: "h1"}, prompted, "", false},
		{"from environment", config.RemoteConfig{Name: "h1", PasswordEnv: "JUMBONET_TEST_PW", AskPassword: true}, prompted, "from-env", false},
		{"empty environment falls back to prompt", config.RemoteConfig{Name: "h1", PasswordEnv: "JUMBONET_EMPTY_PW", AskPassword: true}, prompted, "typed", false},
		{"prompt", config.RemoteConfig{Name: "h1", AskPassword: true}, prompted, "typed", false},
		{"prompt fails", config.RemoteConfig{Name: "h1", AskPassword: true}, failing, "", true},
		{"no terminal", config.RemoteConfig{Name: "h1", AskPassword: true}, nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := remotePassword(tt.rc, tt.prompt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("remotePassword() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("remotePassword() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectRemotes(t *testing.T) {
	tb := &config.Testbed{Remotes: []config.RemoteConfig{
		{Name: "h1", Host: "10.0.0.1", User: "alice", KeyPath: "/keys/h1"},
		{Name: "h2", Host: "10.0.0.2", User: "bob", Port: 2222, AskPassword: true,
			Inband: config.InbandConfig{IP: "192.168.0.2"}},
	}}

	d := &remotetest.Dialer{}
	orch := orchestrator.New(d)
	defer orch.Shutdown()

	prompt := func(msg string) (string, error) {
		if !strings.Contains(msg, "bob@10.0.0.2") {
			t.Errorf("unexpected prompt %q", msg)
		}
		return "secret", nil
	}
	if err := connectRemotes(context.Background(), orch, tb, prompt); err != nil {
		t.Fatalf("connectRemotes() error = %v", err)
	}

	dialed := d.Dialed()
	want := []remote.Endpoint{
		{Host: "10.0.0.1", Port: 22, User: "alice", KeyPath: "/keys/h1"},
		{Host: "10.0.0.2", Port: 2222, User: "bob", Password: "secret"},
	}
	if len(dialed) != len(want) {
		t.Fatalf("dialed %v", dialed)
	}
	for i := range want {
		if dialed[i] != want[i] {
			t.Errorf("endpoint %d = %+v, want %+v", i, dialed[i], want[i])
		}
	}
	if got := orch.Remote("h2").Inband().IP; got != "192.168.0.2" {
		t.Errorf("inband IP = %q", got)
	}
}

func TestConnectRemotes_StopsAtFirstFailure(t *testing.T) {
	tb := &config.Testbed{Remotes: []config.RemoteConfig{
		{Name: "h1", Host: "10.0.0.1"},
		{Name: "h2", Host: "10.0.0.2"},
	}}
	d := &remotetest.Dialer{Errors: map[string]error{"10.0.0.1": errors.New("connection refused")}}
	orch := orchestrator.New(d)
	defer orch.Shutdown()

	err := connectRemotes(context.Background(), orch, tb, nil)
	var connErr *remote.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if n := len(d.Dialed()); n != 1 {
		t.Errorf("expected to stop after the first failure, dialed %d", n)
	}
}
