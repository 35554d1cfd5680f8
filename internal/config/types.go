package config

import (
	"time"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/remote"
)

// Testbed represents the jumbonet.yaml configuration
type Testbed struct {
	ExperimentRoot        string           `yaml:"experiment_root,omitempty"`
	PollInterval          time.Duration    `yaml:"poll_interval,omitempty"`
	AllowErrors           bool             `yaml:"allow_errors,omitempty"`
	InsecureIgnoreHostKey bool             `yaml:"insecure_ignore_host_key,omitempty"`
	ConnectRetries        int              `yaml:"connect_retries,omitempty"`
	ConnectBackoff        time.Duration    `yaml:"connect_backoff,omitempty"`
	ConnectMaxBackoff     time.Duration    `yaml:"connect_max_backoff,omitempty"`
	Remotes               []RemoteConfig   `yaml:"remotes"`
	Steps                 []Step           `yaml:"steps,omitempty"`
	Collect               []ArtifactConfig `yaml:"collect,omitempty"`
}

// RemoteConfig represents one host of the testbed
type RemoteConfig struct {
	Name        string       `yaml:"name"`
	Host        string       `yaml:"host"`
	User        string       `yaml:"user,omitempty"`
	Port        int          `yaml:"port,omitempty"`
	KeyPath     string       `yaml:"key_path,omitempty"`
	PasswordEnv string       `yaml:"password_env,omitempty"`
	AskPassword bool         `yaml:"ask_password,omitempty"`
	Inband      InbandConfig `yaml:"inband,omitempty"`
}

// InbandConfig holds the experiment-network identity of a remote
type InbandConfig struct {
	IP        string `yaml:"ip,omitempty"`
	MAC       string `yaml:"mac,omitempty"`
	Interface string `yaml:"interface,omitempty"`
}

// Step is one scenario action. Exactly one of Run, Sleep, Kill and Wait
// is set
type Step struct {
	ID      string        `yaml:"id,omitempty"`
	Remote  string        `yaml:"remote,omitempty"`
	Run     []string      `yaml:"run,omitempty"`
	Dir     string        `yaml:"dir,omitempty"`
	Pty     bool          `yaml:"pty,omitempty"`
	Listen  *Listen       `yaml:"listen,omitempty"`
	OnExit  []string      `yaml:"on_exit,omitempty"`
	Sleep   time.Duration `yaml:"sleep,omitempty"`
	Kill    string        `yaml:"kill,omitempty"`
	Wait    string        `yaml:"wait,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Listen selects the events reported for a run step. Unset fields keep
// the defaults: output off, error and status on
type Listen struct {
	Output *bool `yaml:"output,omitempty"`
	Error  *bool `yaml:"error,omitempty"`
	Status *bool `yaml:"status,omitempty"`
}

// ArtifactConfig marks a remote file for collection after the run
type ArtifactConfig struct {
	Remote string `yaml:"remote"`
	Dir    string `yaml:"dir"`
	File   string `yaml:"file"`
}

// Step actions
const (
	ActionRun   = "run"
	ActionSleep = "sleep"
	ActionKill  = "kill"
	ActionWait  = "wait"
)

// Actions returns every action set on the step
func (s Step) Actions() []string {
	var actions []string
	if len(s.Run) > 0 {
		actions = append(actions, ActionRun)
	}
	if s.Sleep > 0 {
		actions = append(actions, ActionSleep)
	}
	if s.Kill != "" {
		actions = append(actions, ActionKill)
	}
	if s.Wait != "" {
		actions = append(actions, ActionWait)
	}
	return actions
}

// Action returns the single action of the step, or "" when the step
// has none or several
func (s Step) Action() string {
	actions := s.Actions()
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

// Interest converts Listen into the events an observer subscribes to
func (s Step) Interest() remote.Interest {
	in := remote.DefaultInterest
	if s.Listen == nil {
		return in
	}
	if s.Listen.Output != nil {
		in.Output = *s.Listen.Output
	}
	if s.Listen.Error != nil {
		in.Error = *s.Listen.Error
	}
	if s.Listen.Status != nil {
		in.Status = *s.Listen.Status
	}
	return in
}

// Params converts the remote into connection parameters. The password is
// resolved by the caller
func (r RemoteConfig) Params() remote.Params {
	return remote.Params{
		Host:    r.Host,
		Port:    r.Port,
		User:    r.User,
		KeyPath: r.KeyPath,
		Inband: remote.Inband{
			IP:        r.Inband.IP,
			MAC:       r.Inband.MAC,
			Interface: r.Inband.Interface,
		},
	}
}

// DefaultTestbed returns an empty testbed with defaults applied
func DefaultTestbed() *Testbed {
	return &Testbed{
		ExperimentRoot: constants.DefaultExperimentRoot,
		PollInterval:   constants.DefaultPollInterval,
	}
}

// ApplyDefaults fills unset top-level fields
func (t *Testbed) ApplyDefaults() {
	if t.ExperimentRoot == "" {
		t.ExperimentRoot = constants.DefaultExperimentRoot
	}
	if t.PollInterval == 0 {
		t.PollInterval = constants.DefaultPollInterval
	}
}
