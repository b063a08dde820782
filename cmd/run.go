package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"go.nextest.dev/nextest/errext"
	"go.nextest.dev/nextest/errext/exitcodes"
	"go.nextest.dev/nextest/lib/testlist"
	"go.nextest.dev/nextest/reporter"
	"go.nextest.dev/nextest/runner"
)

// fileConfig is the on-disk configuration document: the run policy plus
// the setup scripts to run before any test.
type fileConfig struct {
	runner.Config
	SetupScripts []runner.SetupScript `json:"setupScripts"`
}

func getRunCmd(gs *globalState) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [test-list file]",
		Short: "Run tests from a discovery document",
		Long: `Run tests from a discovery document.

The argument is a JSON test list produced by a discovery step, or "-" to
read it from stdin. Tests run concurrently as child processes under the
configured policy; progress is reported as it happens.`,
		Example: `
  # Run everything in the list with default settings.
  nextest run tests.json

  # Run at most 4 tests at once, retrying failures twice.
  nextest run -j 4 --retries 2 tests.json

  # Mark tests slow after 30s and kill them after 4 slow periods.
  nextest run --slow-timeout 30s --slow-terminate-after 4 tests.json`[1:],
		Args: exactArgsWithMsg(1, "arg should either be \"-\", if reading the test list from stdin, or a path to a test list file"),
		RunE: func(cmd *cobra.Command, args []string) error {
			gs.logger.Debug("Loading the test list...")
			list, err := loadTestList(gs, args[0])
			if err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
			}

			conf, err := getConsolidatedConfig(gs, cmd.Flags())
			if err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
			}

			gs.logger.Debug("Initializing the runner...")
			rep := reporter.New(gs.stdOut,
				reporter.WithNoColor(gs.flags.noColor || !gs.stdOutTTY),
				reporter.WithVerbose(gs.flags.verbose),
				reporter.WithQuiet(gs.flags.quiet),
			)

			r, err := runner.New(list, conf.Config,
				runner.WithLogger(gs.logger),
				runner.WithSetupScripts(conf.SetupScripts...),
				runner.WithEnv(envToSlice(gs.envVars)),
				runner.WithCLIArgs(gs.args),
				runner.WithFs(gs.fs),
				runner.WithPassthroughWriters(gs.stdOut, gs.stdErr),
				runner.WithSignalSource(runner.SignalSource{
					Notify: gs.signalNotify,
					Stop:   gs.signalStop,
				}),
			)
			if err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.SetupError)
			}

			// The runner winds down gracefully on the first interrupt. If
			// we get a second one, the user means it: exit immediately.
			sigC := make(chan os.Signal, 2)
			gs.signalNotify(sigC, os.Interrupt, syscall.SIGTERM)
			defer gs.signalStop(sigC)
			go func() {
				<-sigC
				sig := <-sigC
				gs.logger.WithField("sig", sig).Error("Aborting nextest in response to signal")
				gs.osExit(int(exitcodes.CancelledByInterrupt))
			}()

			gs.logger.Debug("Starting the test run...")
			final, err := r.Run(gs.ctx, rep)
			if err != nil {
				return errext.WithExitCodeIfNone(err, exitcodes.InternalError)
			}

			if code := exitCodeFor(final, r.CancelReasonFinal()); code != exitcodes.Success {
				return errext.WithExitCodeIfNone(
					fmt.Errorf("test run %s", final.Outcome),
					code,
				)
			}
			return nil
		},
	}

	runCmd.Flags().SortFlags = false
	runCmd.Flags().AddFlagSet(runCmdFlagSet())
	return runCmd
}

func runCmdFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false

	flags.Int64P("concurrency", "j", 0, "number of units to run simultaneously")
	flags.Int64("retries", 0, "number of retries for failing tests")
	flags.String("retry-backoff", "", "retry backoff strategy, \"fixed\" or \"exponential\"")
	flags.Duration("retry-delay", 0, "delay before a retry")
	flags.Duration("retry-max-delay", 0, "cap on the retry delay")
	flags.Duration("slow-timeout", 0, "mark tests as slow after this period, repeating")
	flags.Int64("slow-terminate-after", 0, "terminate a test after this many slow periods")
	flags.Duration("leak-timeout", 0, "grace period for leaked handles after exit")
	flags.Duration("terminate-grace-period", 0, "time between polite termination and forceful kill")
	flags.Bool("fail-fast", false, "stop admitting new tests after the first failure")
	flags.Bool("no-capture", false, "pass child output through instead of capturing it")
	flags.Int64("max-output-bytes", 0, "cap on each captured output stream")

	return flags
}

func configFromFlags(flags *pflag.FlagSet) runner.Config {
	return runner.Config{
		Concurrency:          getNullInt64(flags, "concurrency"),
		Retries:              getNullInt64(flags, "retries"),
		RetryBackoff:         getNullString(flags, "retry-backoff"),
		RetryDelay:           getNullDuration(flags, "retry-delay"),
		RetryMaxDelay:        getNullDuration(flags, "retry-max-delay"),
		SlowTimeout:          getNullDuration(flags, "slow-timeout"),
		SlowTerminateAfter:   getNullInt64(flags, "slow-terminate-after"),
		LeakTimeout:          getNullDuration(flags, "leak-timeout"),
		TerminateGracePeriod: getNullDuration(flags, "terminate-grace-period"),
		FailFast:             getNullBool(flags, "fail-fast"),
		NoCapture:            getNullBool(flags, "no-capture"),
		MaxOutputBytes:       getNullInt64(flags, "max-output-bytes"),
	}
}

// getConsolidatedConfig merges the configuration layers: the config file
// first, CLI flags on top.
func getConsolidatedConfig(gs *globalState, flags *pflag.FlagSet) (fileConfig, error) {
	conf := fileConfig{}

	data, err := afero.ReadFile(gs.fs, gs.flags.configFilePath)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &conf); jsonErr != nil {
			return conf, fmt.Errorf("could not parse config file %s: %w", gs.flags.configFilePath, jsonErr)
		}
	case os.IsNotExist(err):
		// Only complain about a missing config file if it was set
		// explicitly.
		if gs.flags.configFilePath != gs.defaultFlags.configFilePath {
			return conf, fmt.Errorf("could not read config file: %w", err)
		}
	default:
		return conf, fmt.Errorf("could not read config file: %w", err)
	}

	conf.Config = conf.Config.Apply(configFromFlags(flags))
	return conf, nil
}

func loadTestList(gs *globalState, arg string) (*testlist.Summary, error) {
	var src io.Reader
	if arg == "-" {
		src = gs.stdIn
	} else {
		f, err := gs.fs.Open(arg)
		if err != nil {
			return nil, fmt.Errorf("could not open test list: %w", err)
		}
		defer func() { _ = f.Close() }()
		src = f
	}
	list, err := testlist.Parse(src)
	if err != nil {
		return nil, errext.WithHint(err, "is this really a test list document?")
	}
	return list, nil
}

// exitCodeFor maps the outcome of a run to the process exit code.
func exitCodeFor(final runner.FinalRunStats, cancel *runner.CancelReason) exitcodes.ExitCode {
	switch final.Outcome {
	case runner.FinalSuccess:
		return exitcodes.Success
	case runner.FinalNoTestsRun:
		return exitcodes.NoTestsRun
	case runner.FinalCancelled:
		if cancel != nil {
			switch *cancel {
			case runner.CancelReasonInterrupt:
				return exitcodes.CancelledByInterrupt
			case runner.CancelReasonSignal:
				return exitcodes.CancelledBySignal
			}
		}
		if final.Phase == runner.PhaseSetupScript {
			return exitcodes.SetupScriptFailed
		}
		return exitcodes.TestRunFailed
	case runner.FinalFailed:
		if final.Phase == runner.PhaseSetupScript {
			return exitcodes.SetupScriptFailed
		}
		return exitcodes.TestRunFailed
	}
	return exitcodes.InternalError
}
