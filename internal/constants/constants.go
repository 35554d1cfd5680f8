package constants

import (
	"path/filepath"
	"time"
)

// Poll loop
const (
	DefaultPollInterval = 500 * time.Millisecond
	MinPollInterval     = 10 * time.Millisecond
)

// Channel I/O
const (
	ReadChunkSize = 1024
	// MaxFinalDrainAttempts bounds how many ticks a process may stay
	// non-terminal because its final drain keeps failing
	MaxFinalDrainAttempts = 3
	KillGrace             = 2 * time.Second
	FetchPollInterval     = 50 * time.Millisecond
)

// SSH defaults
const (
	DefaultSSHPort      = 22
	DefaultDialTimeout  = 30 * time.Second
	DefaultMaxRetries   = 0
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 10 * time.Second
	PtyTerm             = "xterm"
	PtyRows             = 40
	PtyCols             = 80
)

// Experiment layout
const (
	DefaultTestbedFile    = "jumbonet.yaml"
	DefaultExperimentRoot = "results"
	RunDirLayout          = "06-01-02_15-04-05"
)

// RunDir returns the directory a collection run writes into
func RunDir(root string, started time.Time) string {
	return filepath.Join(root, started.Format(RunDirLayout))
}

// ArtifactName returns the local file name of an artifact collected from a remote
func ArtifactName(remote, file string) string {
	return remote + "_" + filepath.Base(file)
}
