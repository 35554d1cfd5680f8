package ssh

import (
	"context"
	"sync"
)

// MockExecutor is a test double that records commands and returns configured results
type MockExecutor struct {
	ExecFunc func(ctx context.Context, command string) (*ExecResult, error)

	mu       sync.Mutex
	commands []string
	closed   bool
}

// Exec records the command and delegates to ExecFunc
func (m *MockExecutor) Exec(ctx context.Context, command string) (*ExecResult, error) {
	m.mu.Lock()
	m.commands = append(m.commands, command)
	m.mu.Unlock()
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, command)
	}
	return &ExecResult{Stdout: "", Stderr: "", ExitCode: 0}, nil
}

// Close records the call
func (m *MockExecutor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Commands returns every command passed to Exec
func (m *MockExecutor) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Closed reports whether Close was called
func (m *MockExecutor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
