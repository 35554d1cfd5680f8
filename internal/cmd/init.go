package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/constants"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a sample testbed file",
	Long: `Writes a jumbonet.yaml with one remote and a short scenario: ping
for 20 seconds, cut it short after 10 and collect nothing.

Example:
  jumbonet init
  jumbonet init --host 192.168.56.11 --user vagrant`,
	RunE: runInit,
}

var (
	initName  string
	initHost  string
	initUser  string
	initForce bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVarP(&initName, "name", "n", "localhost", "Remote name")
	initCmd.Flags().StringVar(&initHost, "host", "127.0.0.1", "Remote host or ssh_config alias")
	initCmd.Flags().StringVarP(&initUser, "user", "u", os.Getenv("USER"), "Remote user")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing testbed file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = constants.DefaultTestbedFile
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	tb := sampleTestbed(initName, initHost, initUser)
	if errs := config.Validate(tb); errs.HasErrors() {
		return fmt.Errorf("invalid sample testbed: %w", errs)
	}
	if err := config.Save(tb, path); err != nil {
		return err
	}

	PrintSuccess("Created %s", path)
	PrintInfo("Next: jumbonet check, then jumbonet run --postprocess")
	return nil
}

// sampleTestbed pings localhost on one remote and stops it halfway
func sampleTestbed(name, host, user string) *config.Testbed {
	tb := config.DefaultTestbed()
	tb.Remotes = []config.RemoteConfig{{
		Name:        name,
		Host:        host,
		User:        user,
		Port:        constants.DefaultSSHPort,
		AskPassword: true,
		Inband: config.InbandConfig{
			IP:        "10.0.0.1",
			MAC:       "00:00:00:00:00:01",
			Interface: "eth0",
		},
	}}
	tb.Steps = []config.Step{
		{ID: "ping", Remote: name, Run: []string{"ping", "localhost", "-c", "20"}},
		{Sleep: 10 * time.Second},
		{Kill: "ping"},
	}
	return tb
}
