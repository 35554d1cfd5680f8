package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ExecResult holds the result of a command execution
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a command to completion on the remote. A non-zero exit code
// is reported in the result, not as an error. Cancelling ctx closes the
// session
func (c *Client) Exec(ctx context.Context, command string) (*ExecResult, error) {
	session, err := c.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	errc := make(chan error, 1)
	go func() { errc <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		<-errc
		return nil, ctx.Err()
	case err = <-errc:
	}

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	return result, nil
}

// ExecWithOutput runs a command and returns its trimmed stdout. A
// non-zero exit code is returned as *ExitError
func ExecWithOutput(ctx context.Context, e Executor, command string) (string, error) {
	result, err := e.Exec(ctx, command)
	if err != nil {
		return "", err
	}

	output := strings.TrimSpace(result.Stdout)
	if result.ExitCode != 0 {
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = output
		}
		return output, &ExitError{Command: command, Status: result.ExitCode, Message: msg}
	}

	return output, nil
}

// ExitError represents a command that exited with a non-zero status
type ExitError struct {
	Command string
	Status  int
	Message string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command failed (exit %d): %s", e.Status, e.Message)
}

// ExitStatus returns the remote exit code
func (e *ExitError) ExitStatus() int {
	return e.Status
}
