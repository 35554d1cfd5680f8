package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/orchestrator"
	"github.com/jumbonet/jumbonet/internal/remote"
	"github.com/jumbonet/jumbonet/internal/security"
	"github.com/jumbonet/jumbonet/internal/ssh"
)

var execCmd = &cobra.Command{
	Use:   "exec <remote> -- <command>",
	Short: "Run one command on a remote and stream its output",
	Long: `Runs a single command on a remote of the testbed, prints its
output as it arrives and exits with an error if the command fails.

Example:
  jumbonet exec h1 -- ping -c 3 10.0.0.2
  jumbonet exec h1 --dir /tmp -- ls -la`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

var (
	execDir string
	execPty bool
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execDir, "dir", "", "Working directory on the remote")
	execCmd.Flags().BoolVar(&execPty, "pty", false, "Request a pseudo-terminal")
}

func runExec(cmd *cobra.Command, args []string) error {
	remoteName := args[0]
	if err := security.ValidateRemoteName(remoteName); err != nil {
		return fmt.Errorf("invalid remote name: %w", err)
	}
	if execDir != "" {
		if err := security.ValidateRemotePath(execDir); err != nil {
			return fmt.Errorf("invalid directory: %w", err)
		}
	}

	tb, err := loadTestbed(GetConfigFile())
	if err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []remote.StartOption
	if execDir != "" {
		opts = append(opts, remote.WithWorkingDir(execDir))
	}
	if execPty {
		opts = append(opts, remote.WithPty())
	}

	PrintVerboseCommand(remote.BuildCommand(args[1:], execDir))
	return execRemote(ctx, tb, newDialer(tb, log), remoteName, args[1:], execStreams{
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
		prompt: defaultPrompt(),
		log:    log,
	}, opts...)
}

// execStreams is where execRemote writes the command output
type execStreams struct {
	stdout io.Writer
	stderr io.Writer
	prompt passwordPrompt
	log    *zap.Logger
}

// execRemote connects only the named remote and runs args on it until
// it exits or ctx is done. A non-zero exit is returned as *ssh.ExitError
func execRemote(ctx context.Context, tb *config.Testbed, dialer remote.Dialer, name string, args []string, s execStreams, opts ...remote.StartOption) (err error) {
	rc, err := tb.GetRemote(name)
	if err != nil {
		return err
	}
	password, err := remotePassword(*rc, s.prompt)
	if err != nil {
		return err
	}
	log := s.log
	if log == nil {
		log = zap.NewNop()
	}

	orch := orchestrator.New(dialer, orchestrator.WithLogger(log), orchestrator.WithPollInterval(tb.PollInterval))
	defer func() {
		err = multierr.Append(err, orch.Shutdown())
	}()

	params := rc.Params()
	params.Password = password
	r, err := orch.AddRemote(ctx, rc.Name, params)
	if err != nil {
		return err
	}

	var code int
	obs := remote.Funcs{
		Out: func(_ remote.ProcessRef, lines []string) error {
			return writeLines(s.stdout, lines)
		},
		Err: func(_ remote.ProcessRef, lines []string) error {
			return writeLines(s.stderr, lines)
		},
		Status: func(_ remote.ProcessRef, exitCode int) error {
			code = exitCode
			return nil
		},
	}

	p, err := r.Start(args, obs, remote.AllEvents, opts...)
	if err != nil {
		return err
	}
	orch.Mainloop(ctx)

	if err := orch.WaitProcess(ctx, p); err != nil {
		return err
	}
	if code != 0 {
		return &ssh.ExitError{Command: strings.Join(args, " "), Status: code, Message: "remote command failed"}
	}
	return nil
}

func writeLines(w io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
