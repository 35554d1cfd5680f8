package testcase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/remote"
)

// Scenario returns a test body that executes steps in order. Steps are
// expected to have passed config.Validate
func Scenario(steps []config.Step) Func {
	return func(ctx context.Context, tc *Testcase) error {
		started := make(map[string]*remote.Process)
		for i, step := range steps {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := runStep(ctx, tc, step, started); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, stepName(step), err)
			}
		}
		return nil
	}
}

func stepName(s config.Step) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Action()
}

func runStep(ctx context.Context, tc *Testcase, step config.Step, started map[string]*remote.Process) error {
	switch step.Action() {
	case config.ActionRun:
		var opts []remote.StartOption
		if step.Dir != "" {
			opts = append(opts, remote.WithWorkingDir(step.Dir))
		}
		if step.Pty {
			opts = append(opts, remote.WithPty())
		}
		p, err := tc.StartWith(step.Remote, step.Run, step.Interest(), opts...)
		if err != nil {
			return err
		}
		if len(step.OnExit) > 0 {
			if err := tc.ExitHandler(p, step.OnExit, opts...); err != nil {
				return err
			}
		}
		if step.ID != "" {
			started[step.ID] = p
		}
		return nil

	case config.ActionSleep:
		tc.log.Debug("sleeping", zap.Duration("duration", step.Sleep))
		t := time.NewTimer(step.Sleep)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}

	case config.ActionKill:
		p, ok := started[step.Kill]
		if !ok {
			return fmt.Errorf("no process started as %q", step.Kill)
		}
		tc.log.Info("killing", zap.String("step", step.Kill), zap.String("process", p.ID()))
		if !tc.orch.Remote(p.Remote()).Kill(p.ID()) {
			return fmt.Errorf("process %s not found on %s", p.ID(), p.Remote())
		}
		return nil

	case config.ActionWait:
		p, ok := started[step.Wait]
		if !ok {
			return fmt.Errorf("no process started as %q", step.Wait)
		}
		waitCtx := ctx
		if step.Timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}
		if err := tc.orch.WaitProcess(waitCtx, p); err != nil {
			return fmt.Errorf("waiting for %s: %w", step.Wait, err)
		}
		return nil

	default:
		return errors.New("step must have exactly one of run, sleep, kill or wait")
	}
}
