package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jumbonet/jumbonet/internal/constants"
)

// Load loads the testbed from the given path
func Load(path string) (*Testbed, error) {
	if path == "" {
		path = constants.DefaultTestbedFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("testbed file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read testbed file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a testbed and applies defaults
func Parse(data []byte) (*Testbed, error) {
	var tb Testbed
	if err := yaml.Unmarshal(data, &tb); err != nil {
		return nil, fmt.Errorf("failed to parse testbed file: %w", err)
	}
	tb.ApplyDefaults()
	return &tb, nil
}

// Save saves the testbed to the given path
func Save(tb *Testbed, path string) error {
	if path == "" {
		path = constants.DefaultTestbedFile
	}

	data, err := yaml.Marshal(tb)
	if err != nil {
		return fmt.Errorf("failed to marshal testbed: %w", err)
	}

	// SECURITY: 0600, the file names hosts, users and key paths
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write testbed file: %w", err)
	}

	return nil
}

// Find searches for the testbed file in current and parent directories
func Find() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	dir := cwd
	for {
		path := filepath.Join(dir, constants.DefaultTestbedFile)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no %s found in current or parent directories", constants.DefaultTestbedFile)
}

// GetRemote retrieves a remote configuration by name
func (t *Testbed) GetRemote(name string) (*RemoteConfig, error) {
	for i := range t.Remotes {
		if t.Remotes[i].Name == name {
			return &t.Remotes[i], nil
		}
	}
	return nil, fmt.Errorf("remote '%s' not found (available: %s)", name, strings.Join(t.RemoteNames(), ", "))
}

// RemoteNames returns all remote names in file order
func (t *Testbed) RemoteNames() []string {
	names := make([]string, 0, len(t.Remotes))
	for _, r := range t.Remotes {
		names = append(names, r.Name)
	}
	return names
}
