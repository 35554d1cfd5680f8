package testcase

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jumbonet/jumbonet/internal/constants"
	"github.com/jumbonet/jumbonet/internal/orchestrator"
)

type mark struct {
	remote string
	dir    string
	file   string
}

// Collector copies result files from the remotes into a per-run
// directory below the experiment root
type Collector struct {
	orch    *orchestrator.Orchestrator
	root    string
	started time.Time
	log     *zap.Logger

	mu    sync.Mutex
	marks []mark
}

// NewCollector returns a collector writing below root. The run directory
// is named after the time the collector was created
func NewCollector(orch *orchestrator.Orchestrator, root string, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("experiment root", zap.String("path", root))
	return &Collector{
		orch:    orch,
		root:    root,
		started: time.Now(),
		log:     log.Named("collector"),
	}
}

// RunDir returns the directory Collect writes into
func (c *Collector) RunDir() string {
	return constants.RunDir(c.root, c.started)
}

// Mark schedules dir/file on the named remote for collection
func (c *Collector) Mark(remoteName, dir, file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = append(c.marks, mark{remote: remoteName, dir: dir, file: file})
	c.log.Debug("marked for collection", zap.String("remote", remoteName), zap.String("file", path.Join(dir, file)))
}

// Collect fetches every marked file in parallel and blocks until all
// are done. Each file is stored as <remote>_<file>. The remotes must
// still be connected
func (c *Collector) Collect(ctx context.Context) (string, error) {
	c.mu.Lock()
	marks := append([]mark(nil), c.marks...)
	c.mu.Unlock()

	dir := c.RunDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, m := range marks {
		g.Go(func() error {
			if err := c.fetch(ctx, dir, m); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		return dir, errs
	}
	c.log.Info("collection done", zap.String("dir", dir), zap.Int("files", len(marks)))
	return dir, nil
}

func (c *Collector) fetch(ctx context.Context, dir string, m mark) error {
	r := c.orch.Remote(m.remote)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRemote, m.remote)
	}

	src := path.Join(m.dir, m.file)
	dst := filepath.Join(dir, constants.ArtifactName(m.remote, m.file))
	c.log.Info("collecting",
		zap.String("file", src),
		zap.String("from", r.User()+"@"+r.Host()),
		zap.String("to", dst),
	)

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	if err := r.Fetch(ctx, src, f); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("failed to collect %s from %s: %w", src, m.remote, err)
	}
	return f.Close()
}
