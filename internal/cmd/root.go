package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/logging"
	"github.com/jumbonet/jumbonet/internal/security"
)

var (
	// Version is set at build time
	Version = "dev"

	// Global flags
	verbose bool
	cfgFile string
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "jumbonet",
	Short: "Run network experiments on remote hosts over SSH",
	Long: `Jumbonet starts commands on a set of remote hosts over SSH, watches
their output and exit codes, and collects the result files once the
experiment is over.

Quick start:
  jumbonet init              # Write a sample jumbonet.yaml
  jumbonet check             # Validate the testbed and reach every host
  jumbonet run               # Run the steps of the testbed

Commands:
  init          Create a sample testbed file
  check         Validate the testbed and test every connection
  run           Run the testbed scenario
  exec          Run one command on a remote and stream its output

Environment Variables:
  JUMBONET_SSH_KEY              SSH private key content
  JUMBONET_KNOWN_HOSTS          SSH known_hosts content
  JUMBONET_SKIP_HOST_KEY_CHECK  Skip host key verification (true/false)`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		PrintError("%v", err)
	}
	return err
}

// GetRootCmd returns the root command, used to generate documentation
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed logs")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Testbed file (default: jumbonet.yaml)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")

	rootCmd.SetVersionTemplate(`Jumbonet {{.Version}}
`)
}

// IsVerbose returns true if verbose mode is enabled
func IsVerbose() bool {
	return verbose
}

// GetConfigFile returns the testbed file path
func GetConfigFile() string {
	return cfgFile
}

// newLogger builds the logger for the engine from the global flags
func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Options{Verbose: verbose, JSON: logJSON})
}

// PrintError prints a formatted error message
func PrintError(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "❌ "+msg+"\n", args...)
}

// PrintSuccess prints a success message
func PrintSuccess(msg string, args ...interface{}) {
	fmt.Printf("✅ "+msg+"\n", args...)
}

// PrintInfo prints an info message
func PrintInfo(msg string, args ...interface{}) {
	fmt.Printf("ℹ️  "+msg+"\n", args...)
}

// PrintWarning prints a warning message
func PrintWarning(msg string, args ...interface{}) {
	fmt.Printf("⚠️  "+msg+"\n", args...)
}

// PrintVerbose prints a message only in verbose mode
func PrintVerbose(msg string, args ...interface{}) {
	if verbose {
		fmt.Printf("   "+msg+"\n", args...)
	}
}

// PrintVerboseCommand prints a command in verbose mode with sensitive values masked
func PrintVerboseCommand(command string) {
	if verbose {
		fmt.Printf("   Running: %s\n", security.SanitizeCommandForLog(command))
	}
}
