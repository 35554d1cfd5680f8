package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jumbonet/jumbonet/internal/remote"
)

const sampleTestbed = `
experiment_root: ./out
connect_retries: 2
connect_backoff: 250ms
remotes:
  - name: h1
    host: 10.0.0.1
    user: alice
    key_path: ~/.ssh/id_ed25519
    inband: {ip: 192.168.1.1, mac: "00:00:00:00:00:01", interface: eth1}
  - name: h2
    host: lab-2
    password_env: H2_PASSWORD
steps:
  - id: ping
    remote: h1
    run: [ping, 192.168.1.2, -c, "20"]
    listen: {output: true}
    on_exit: [echo, done]
  - sleep: 1500ms
  - kill: ping
  - wait: ping
    timeout: 30s
collect:
  - {remote: h1, dir: /tmp, file: ping.log}
`

func TestParse(t *testing.T) {
	tb, err := Parse([]byte(sampleTestbed))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if tb.ExperimentRoot != "./out" {
		t.Errorf("unexpected experiment root %q", tb.ExperimentRoot)
	}
	if tb.PollInterval != 500*time.Millisecond {
		t.Errorf("expected default poll interval, got %v", tb.PollInterval)
	}
	if tb.ConnectRetries != 2 || tb.ConnectBackoff != 250*time.Millisecond || tb.ConnectMaxBackoff != 0 {
		t.Errorf("unexpected connect settings %d, %v, %v", tb.ConnectRetries, tb.ConnectBackoff, tb.ConnectMaxBackoff)
	}
	if diff := cmp.Diff([]string{"h1", "h2"}, tb.RemoteNames()); diff != "" {
		t.Errorf("remote names mismatch (-want +got):\n%s", diff)
	}
	if tb.Remotes[0].Inband.Interface != "eth1" {
		t.Errorf("unexpected inband %+v", tb.Remotes[0].Inband)
	}
	if tb.Steps[1].Sleep != 1500*time.Millisecond {
		t.Errorf("unexpected sleep %v", tb.Steps[1].Sleep)
	}
	if tb.Steps[3].Timeout != 30*time.Second {
		t.Errorf("unexpected timeout %v", tb.Steps[3].Timeout)
	}

	want := remote.Interest{Output: true, Error: true, Status: true}
	if got := tb.Steps[0].Interest(); got != want {
		t.Errorf("Interest() = %+v, want %+v", got, want)
	}
	if errs := Validate(tb); errs.HasErrors() {
		t.Errorf("expected sample to validate, got %v", errs)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("remotes: [")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Parse([]byte("poll_interval: soon")); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bed.yaml")

	tb := DefaultTestbed()
	tb.Remotes = []RemoteConfig{{Name: "h1", Host: "10.0.0.1", User: "alice"}}
	tb.Steps = []Step{{ID: "x", Remote: "h1", Run: []string{"true"}}}

	if err := Save(tb, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(tb, loaded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGetRemote(t *testing.T) {
	tb := &Testbed{Remotes: []RemoteConfig{{Name: "h1", Host: "a"}, {Name: "h2", Host: "b"}}}

	r, err := tb.GetRemote("h2")
	if err != nil {
		t.Fatalf("GetRemote() error = %v", err)
	}
	if r.Host != "b" {
		t.Errorf("unexpected host %q", r.Host)
	}
	if _, err := tb.GetRemote("h3"); err == nil {
		t.Error("expected error for unknown remote")
	}
}

func TestStepAction(t *testing.T) {
	tests := []struct {
		step Step
		want string
	}{
		{Step{Run: []string{"ls"}}, ActionRun},
		{Step{Sleep: time.Second}, ActionSleep},
		{Step{Kill: "a"}, ActionKill},
		{Step{Wait: "a"}, ActionWait},
		{Step{}, ""},
		{Step{Kill: "a", Wait: "a"}, ""},
	}
	for _, tt := range tests {
		if got := tt.step.Action(); got != tt.want {
			t.Errorf("Action() of %+v = %q, want %q", tt.step, got, tt.want)
		}
	}
}

func TestRemoteConfigParams(t *testing.T) {
	rc := RemoteConfig{Name: "h1", Host: "10.0.0.1", User: "alice", Port: 2222, KeyPath: "/k",
		Inband: InbandConfig{IP: "192.168.0.1"}}
	p := rc.Params()
	if p.Endpoint().Addr() != "10.0.0.1:2222" || p.KeyPath != "/k" || p.Inband.IP != "192.168.0.1" {
		t.Errorf("unexpected params %+v", p)
	}
}
