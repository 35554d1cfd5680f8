package cmd

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// passwordPrompt asks the user for a secret
type passwordPrompt func(msg string) (string, error)

// PromptPassword reads a password from the terminal without echo
func PromptPassword(msg string) (string, error) {
	fmt.Fprint(os.Stderr, msg)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// IsInteractive returns true if stdin is a terminal
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// defaultPrompt returns PromptPassword when a terminal is available
func defaultPrompt() passwordPrompt {
	if !IsInteractive() {
		return nil
	}
	return PromptPassword
}
