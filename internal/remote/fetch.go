package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/security"
)

// Fetch copies the remote file at path into w. It runs cat over a
// dedicated channel that is not tracked as a Process, and blocks until
// the command exits or ctx is done
func (r *Remote) Fetch(ctx context.Context, path string, w io.Writer) error {
	if err := security.ValidateRemotePath(path); err != nil {
		return fmt.Errorf("invalid remote path: %w", err)
	}

	ch, err := r.openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Exec("cat " + security.ShellEscape(path)); err != nil {
		return &TransportIOError{Remote: r.name, Op: "exec", Err: err}
	}
	r.log.Debug("fetching", zap.String("path", path))

	var stderr strings.Builder
	ticker := time.NewTicker(constants.FetchPollInterval)
	defer ticker.Stop()

	for {
		exited := ch.ExitStatusReady()
		if err := copyAvailable(w, ch.ReadStdout); err != nil {
			return &TransportIOError{Remote: r.name, Op: "read " + path, Err: err}
		}
		if err := copyAvailable(&stderr, ch.ReadStderr); err != nil {
			return &TransportIOError{Remote: r.name, Op: "read " + path, Err: err}
		}
		if exited {
			if code := ch.ExitStatus(); code != 0 {
				return fmt.Errorf("cat %s on %s failed (exit %d): %s", path, r.name, code, strings.TrimSpace(stderr.String()))
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// copyAvailable moves everything read currently returns into w
func copyAvailable(w io.Writer, read func([]byte) (int, error)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, ErrReadTimeout) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
