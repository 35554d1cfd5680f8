package config

import (
	"fmt"
	"strings"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/security"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate validates the whole testbed
func Validate(tb *Testbed) ValidationErrors {
	var errors ValidationErrors

	if tb.PollInterval != 0 && tb.PollInterval < constants.MinPollInterval {
		errors.add("poll_interval", "must be at least %s", constants.MinPollInterval)
	}

	if tb.ConnectRetries < 0 {
		errors.add("connect_retries", "must not be negative")
	}
	if tb.ConnectBackoff < 0 {
		errors.add("connect_backoff", "must not be negative")
	}
	if tb.ConnectMaxBackoff < 0 || (tb.ConnectMaxBackoff > 0 && tb.ConnectMaxBackoff < tb.ConnectBackoff) {
		errors.add("connect_max_backoff", "must not be below connect_backoff")
	}

	if len(tb.Remotes) == 0 {
		errors.add("remotes", "at least one remote is required")
	}

	remotes := make(map[string]bool)
	for i := range tb.Remotes {
		field := fmt.Sprintf("remotes[%d]", i)
		errors = append(errors, ValidateRemoteConfig(field, &tb.Remotes[i])...)

		name := tb.Remotes[i].Name
		if name == "" {
			continue
		}
		if remotes[name] {
			errors.add(field+".name", "remote '%s' already exists", name)
		}
		remotes[name] = true
	}

	errors = append(errors, validateSteps(tb.Steps, remotes)...)

	for i, a := range tb.Collect {
		field := fmt.Sprintf("collect[%d]", i)
		if !remotes[a.Remote] {
			errors.add(field+".remote", "unknown remote '%s'", a.Remote)
		}
		if err := security.ValidateRemotePath(a.Dir); err != nil {
			errors.add(field+".dir", "%v", err)
		}
		if err := security.ValidateArtifactName(a.File); err != nil {
			errors.add(field+".file", "%v", err)
		}
	}

	return errors
}

// ValidateRemoteConfig validates a single remote. field prefixes the
// reported field names
func ValidateRemoteConfig(field string, r *RemoteConfig) ValidationErrors {
	var errors ValidationErrors

	if err := security.ValidateRemoteName(r.Name); err != nil {
		errors.add(field+".name", "%v", err)
	}

	if r.Host == "" {
		errors.add(field+".host", "remote host is required")
	}

	if r.User != "" {
		if err := security.ValidateUnixUser(r.User); err != nil {
			errors.add(field+".user", "%v", err)
		}
	}

	if r.Port != 0 && (r.Port < 1 || r.Port > 65535) {
		errors.add(field+".port", "port must be between 1 and 65535")
	}

	if r.PasswordEnv != "" {
		if err := security.ValidateEnvKey(r.PasswordEnv); err != nil {
			errors.add(field+".password_env", "%v", err)
		}
	}

	return errors
}

func validateSteps(steps []Step, remotes map[string]bool) ValidationErrors {
	var errors ValidationErrors
	runIDs := make(map[string]bool)
	seen := make(map[string]bool)

	for i, s := range steps {
		field := fmt.Sprintf("steps[%d]", i)

		if s.ID != "" {
			if err := security.ValidateStepID(s.ID); err != nil {
				errors.add(field+".id", "%v", err)
			}
			if seen[s.ID] {
				errors.add(field+".id", "step id '%s' is used twice", s.ID)
			}
			seen[s.ID] = true
		}

		actions := s.Actions()
		switch len(actions) {
		case 0:
			errors.add(field, "step needs one of run, sleep, kill or wait")
			continue
		case 1:
		default:
			errors.add(field, "step sets several actions (%s)", strings.Join(actions, ", "))
			continue
		}

		if s.Action() != ActionRun {
			if len(s.OnExit) > 0 {
				errors.add(field+".on_exit", "only run steps can have an exit handler")
			}
			if s.Remote != "" {
				errors.add(field+".remote", "only run steps target a remote")
			}
		}
		if s.Action() != ActionWait && s.Timeout != 0 {
			errors.add(field+".timeout", "only wait steps have a timeout")
		}

		switch s.Action() {
		case ActionRun:
			if !remotes[s.Remote] {
				errors.add(field+".remote", "unknown remote '%s'", s.Remote)
			}
			if strings.TrimSpace(strings.Join(s.Run, " ")) == "" {
				errors.add(field+".run", "command cannot be empty")
			}
			if s.Dir != "" {
				if err := security.ValidateRemotePath(s.Dir); err != nil {
					errors.add(field+".dir", "%v", err)
				}
			}
			if s.ID != "" {
				runIDs[s.ID] = true
			}
		case ActionKill:
			if !runIDs[s.Kill] {
				errors.add(field+".kill", "no earlier run step with id '%s'", s.Kill)
			}
		case ActionWait:
			if !runIDs[s.Wait] {
				errors.add(field+".wait", "no earlier run step with id '%s'", s.Wait)
			}
			if s.Timeout < 0 {
				errors.add(field+".timeout", "timeout cannot be negative")
			}
		}
	}

	return errors
}
