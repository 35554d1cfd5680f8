package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jumbonet/jumbonet/internal/config"
	"github.com/jumbonet/jumbonet/internal/metrics"
	"github.com/jumbonet/jumbonet/internal/orchestrator"
	"github.com/jumbonet/jumbonet/internal/remote"
	"github.com/jumbonet/jumbonet/internal/testcase"
)

var runCmd = &cobra.Command{
	Use:   "run [testbed]",
	Short: "Run the testbed scenario",
	Long: `Connects every remote of the testbed, runs its steps and shuts
everything down afterwards.

Any output on stderr or a non-zero exit code stops the run unless
errors are allowed. With --postprocess, every process still running
after the last step is killed, exit handlers run, and the marked files
are collected.

Example:
  jumbonet run
  jumbonet run ping.yaml --postprocess
  jumbonet run --allow-errors --metrics-addr :9100`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runAllowErrors bool
	runPostprocess bool
	runCollect     bool
	runMetricsAddr string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runAllowErrors, "allow-errors", false, "Do not stop on stderr output or non-zero exit codes")
	runCmd.Flags().BoolVar(&runPostprocess, "postprocess", false, "Kill remaining processes and run exit handlers after the last step")
	runCmd.Flags().BoolVar(&runCollect, "collect", true, "Collect the files listed under collect (implies --postprocess)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

// runOptions are the knobs of one testbed run
type runOptions struct {
	allowErrors bool
	postprocess bool
	collect     bool
	prompt      passwordPrompt
	log         *zap.Logger
	metrics     *metrics.Recorder
}

func runRun(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if len(args) == 1 {
		path = args[0]
	}
	tb, err := loadTestbed(path)
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

	opts := runOptions{
		allowErrors: runAllowErrors,
		postprocess: runPostprocess,
		collect:     runCollect,
		prompt:      defaultPrompt(),
		log:         log,
	}

	if runMetricsAddr != "" {
		opts.metrics = metrics.New()
		srv := serveMetrics(runMetricsAddr, opts.metrics, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	PrintInfo("Running testbed with %d remotes and %d steps", len(tb.Remotes), len(tb.Steps))
	dir, err := runTestbed(ctx, tb, newDialer(tb, log), opts)
	if err != nil {
		return err
	}
	if dir != "" {
		PrintSuccess("Results collected in %s", dir)
	}
	PrintSuccess("Testbed finished")
	return nil
}

// serveMetrics starts the metrics endpoint in the background
func serveMetrics(addr string, rec *metrics.Recorder, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	rec.RegisterMetrics(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// runTestbed connects the remotes, runs the steps and, when asked to,
// kills what is left and collects the marked files. It returns the
// directory files were collected into, if any
func runTestbed(ctx context.Context, tb *config.Testbed, dialer remote.Dialer, opts runOptions) (string, error) {
	log := opts.log
	if log == nil {
		log = zap.NewNop()
	}

	orch := orchestrator.New(dialer,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(opts.metrics),
		orchestrator.WithPollInterval(tb.PollInterval),
	)
	if err := connectRemotes(ctx, orch, tb, opts.prompt); err != nil {
		return "", multierr.Append(err, orch.Shutdown())
	}

	tc := testcase.New(orch,
		testcase.WithLogger(log),
		testcase.WithAllowErrors(tb.AllowErrors || opts.allowErrors),
	)

	var collector *testcase.Collector
	if opts.collect && len(tb.Collect) > 0 {
		collector = testcase.NewCollector(orch, tb.ExperimentRoot, log)
		for _, a := range tb.Collect {
			collector.Mark(a.Remote, a.Dir, a.File)
		}
	}

	var dir string
	var post testcase.Func
	if opts.postprocess || collector != nil {
		post = func(ctx context.Context, tc *testcase.Testcase) error {
			if collector == nil {
				return nil
			}
			var err error
			dir, err = collector.Collect(ctx)
			if err != nil {
				return fmt.Errorf("collection failed: %w", err)
			}
			return nil
		}
	}

	if err := tc.Run(ctx, testcase.Scenario(tb.Steps), post); err != nil {
		return dir, err
	}
	return dir, nil
}
