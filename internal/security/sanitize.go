package security

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// remoteNameRegex validates remote and step identifiers
	// Allows: letters, numbers, underscores, hyphens, dots
	// Length: 1-64 characters
	remoteNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_.-]{0,62}[a-zA-Z0-9])?$`)

	// unixUserRegex validates Unix usernames
	// Standard POSIX username rules
	// Length: 1-32 characters
	unixUserRegex = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

	// envKeyRegex validates environment variable keys
	envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// sensitiveLogPatterns are masked by SanitizeCommandForLog
	sensitiveLogPatterns = []string{
		"PASSWORD=",
		"PASSWD=",
		"TOKEN=",
		"SECRET=",
	}

	// sensitiveFlags take the secret as the following argument
	sensitiveFlags = []string{
		"--password ",
		"sshpass -p ",
	}
)

// ValidateRemoteName validates the name a remote is registered under
func ValidateRemoteName(name string) error {
	if name == "" {
		return fmt.Errorf("remote name cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("remote name too long (max 64 characters)")
	}
	if !remoteNameRegex.MatchString(name) {
		return fmt.Errorf("remote name must contain only letters, numbers, dots, underscores, and hyphens")
	}
	return nil
}

// ValidateStepID validates a scenario step identifier
func ValidateStepID(id string) error {
	if id == "" {
		return fmt.Errorf("step id cannot be empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("step id too long (max 64 characters)")
	}
	if !remoteNameRegex.MatchString(id) {
		return fmt.Errorf("step id must contain only letters, numbers, dots, underscores, and hyphens")
	}
	return nil
}

// ValidateUnixUser validates a Unix username
func ValidateUnixUser(user string) error {
	if user == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(user) > 32 {
		return fmt.Errorf("username too long (max 32 characters)")
	}
	if !unixUserRegex.MatchString(user) {
		return fmt.Errorf("username must start with a lowercase letter or underscore, followed by lowercase letters, numbers, underscores, or hyphens")
	}
	return nil
}

// ValidateEnvKey validates an environment variable key
func ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("environment variable key cannot be empty")
	}
	if len(key) > 256 {
		return fmt.Errorf("environment variable key too long (max 256 characters)")
	}
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("environment variable key must start with a letter or underscore, followed by letters, numbers, or underscores")
	}
	return nil
}

// ValidateRemotePath validates a path on a remote host used for
// working directories and artifact collection
func ValidateRemotePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if len(path) > 4096 {
		return fmt.Errorf("path too long (max 4096 characters)")
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return fmt.Errorf("path contains control characters")
	}
	return nil
}

// ValidateArtifactName validates the file name of an artifact to collect.
// It must be a plain file name, no directory components
func ValidateArtifactName(name string) error {
	if err := ValidateRemotePath(name); err != nil {
		return err
	}
	if strings.Contains(name, "/") || name == "." || name == ".." {
		return fmt.Errorf("artifact name must be a plain file name, got: %s", name)
	}
	return nil
}

// ShellEscape escapes a string for safe use in shell commands by wrapping it
// in single quotes and escaping any internal single quotes using the POSIX
// pattern: ' → '\''
func ShellEscape(s string) string {
	// Replace single quotes with the POSIX escape sequence: end quote, escaped quote, start quote
	escaped := strings.ReplaceAll(s, "'", "'\\''")
	return "'" + escaped + "'"
}

// SanitizeCommandForLog masks sensitive values in commands before logging.
// This prevents secrets from leaking into verbose output or log files
func SanitizeCommandForLog(cmd string) string {
	result := cmd

	for _, pattern := range sensitiveLogPatterns {
		result = maskAfter(result, pattern)
	}
	for _, flag := range sensitiveFlags {
		result = maskAfter(result, flag)
	}

	return result
}

// maskAfter replaces the value following every occurrence of marker
func maskAfter(s, marker string) string {
	result := s
	searchFrom := 0
	for {
		idx := strings.Index(result[searchFrom:], marker)
		if idx == -1 {
			break
		}
		valueStart := searchFrom + idx + len(marker)
		valueEnd := findValueEnd(result, valueStart)
		masked := "****"
		result = result[:valueStart] + masked + result[valueEnd:]
		// Advance past the replacement to avoid infinite loop
		searchFrom = valueStart + len(masked)
	}
	return result
}

// findValueEnd finds where a shell value ends (handles quoted and unquoted values)
func findValueEnd(s string, start int) int {
	if start >= len(s) {
		return start
	}

	// Handle single-quoted value
	if s[start] == '\'' {
		end := strings.Index(s[start+1:], "'")
		if end == -1 {
			return len(s)
		}
		return start + end + 2
	}

	// Handle double-quoted value
	if s[start] == '"' {
		end := strings.Index(s[start+1:], "\"")
		if end == -1 {
			return len(s)
		}
		return start + end + 2
	}

	// Unquoted: find next whitespace
	for i := start; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' || s[i] == '\n' {
			return i
		}
	}
	return len(s)
}
