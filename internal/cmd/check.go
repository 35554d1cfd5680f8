package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/ssh"
)

var checkCmd = &cobra.Command{
	Use:   "check [testbed]",
	Short: "Validate the testbed and test every connection",
	Long: `Validates the testbed file, then connects to every remote and runs
"uname -n" to make sure commands can be started.

Example:
  jumbonet check
  jumbonet check ping.yaml --offline`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

var (
	checkOffline bool
	checkTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkOffline, "offline", false, "Only validate the file")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 10*time.Second, "Connection timeout per remote")
}

// connector opens a one-shot command executor on a remote
type connector func(ctx context.Context, rc config.RemoteConfig, password string) (ssh.Executor, error)

func runCheck(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if len(args) == 1 {
		path = args[0]
	}
	tb, err := loadTestbed(path)
	if err != nil {
		return err
	}
	PrintSuccess("Testbed is valid: %d remotes, %d steps", len(tb.Remotes), len(tb.Steps))
	if checkOffline {
		return nil
	}

	return checkRemotes(cmd.Context(), tb, sshConnector(tb, checkTimeout), defaultPrompt(), cmd.OutOrStdout())
}

// sshConnector connects with the same host resolution as the run command
func sshConnector(tb *config.Testbed, timeout time.Duration) connector {
	resolver := ssh.DefaultResolver()
	return func(ctx context.Context, rc config.RemoteConfig, password string) (ssh.Executor, error) {
		ep := rc.Params().Endpoint()
		ep.Password = password
		ep = resolver.Resolve(ep)

		opts := append(clientOptions(tb), ssh.WithPassword(ep.Password), ssh.WithTimeout(timeout))
		client := ssh.NewClient(ep.Host, ep.User, ep.Port, ep.KeyPath, opts...)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// checkRemotes reaches every remote and reports its host name. All
// remotes are tried; the first failure is returned
func checkRemotes(ctx context.Context, tb *config.Testbed, connect connector, prompt passwordPrompt, out io.Writer) error {
	var firstErr error
	for _, rc := range tb.Remotes {
		if err := checkRemote(ctx, rc, connect, prompt, out); err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", rc.Name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("remote '%s': %w", rc.Name, err)
			}
		}
	}
	return firstErr
}

func checkRemote(ctx context.Context, rc config.RemoteConfig, connect connector, prompt passwordPrompt, out io.Writer) error {
	password, err := remotePassword(rc, prompt)
	if err != nil {
		return err
	}
	exec, err := connect(ctx, rc, password)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer exec.Close()

	hostname, err := ssh.ExecWithOutput(ctx, exec, "uname -n")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s: %s@%s (%s)\n", rc.Name, rc.User, rc.Host, hostname)
	return nil
}
