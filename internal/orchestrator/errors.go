package orchestrator

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned by AddRemote once Shutdown has been called
var ErrShutdown = errors.New("orchestrator is shut down")

// DuplicateNameError is returned by AddRemote when the name is taken
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("remote '%s' already exists", e.Name)
}
