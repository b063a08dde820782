// Package cmd implements the command line interface of nextest.
package cmd

import (
	"context"
	"errors"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"go.nextest.dev/nextest/errext"
)

const defaultConfigFileName = "config.json"

// globalFlags contains global config values that apply for all nextest
// sub-commands.
type globalFlags struct {
	configFilePath string
	quiet          bool
	noColor        bool
	verbose        bool
	logFormat      string
}

// globalState contains the globalFlags and accessors for most of the global
// process-external state like CLI arguments, env vars, standard input,
// output and error, etc.
//
// We group them here so we can prevent direct access to them from the rest
// of the codebase. This gives us the ability to mock them and have robust
// and easy-to-write integration-like tests to check the nextest end-to-end
// behavior in any simulated conditions.
//
// `newGlobalState()` returns a globalState object with the real `os`
// parameters, while tests can construct simulated environments.
type globalState struct {
	ctx context.Context

	fs      afero.Fs
	getwd   func() (string, error)
	args    []string
	envVars map[string]string

	defaultFlags, flags globalFlags

	stdOut, stdErr io.Writer
	stdIn          io.Reader
	stdOutTTY      bool

	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)

	osExit func(int)

	logger *logrus.Logger
}

// Ideally, this should be the only function in the whole codebase where we
// use global variables and functions from the os package.
func newGlobalState(ctx context.Context) *globalState {
	isDumbTerm := os.Getenv("TERM") == "dumb"
	stdoutTTY := !isDumbTerm && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	stderrTTY := !isDumbTerm && (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()))

	envVars := buildEnvMap(os.Environ())
	_, noColorsSet := envVars["NO_COLOR"] // even empty values disable colors
	logger := &logrus.Logger{
		Out: colorable.NewColorable(os.Stderr),
		Formatter: &logrus.TextFormatter{
			ForceColors:   stderrTTY,
			DisableColors: !stderrTTY || noColorsSet,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	confDir, err := os.UserConfigDir()
	if err != nil {
		logger.WithError(err).Warn("could not get config directory")
		confDir = ".config"
	}

	defaultFlags := getDefaultFlags(confDir)

	return &globalState{
		ctx:          ctx,
		fs:           afero.NewOsFs(),
		getwd:        os.Getwd,
		args:         append(make([]string, 0, len(os.Args)), os.Args...), // copy
		envVars:      envVars,
		defaultFlags: defaultFlags,
		flags:        getFlags(defaultFlags, envVars),
		stdOut:       colorable.NewColorable(os.Stdout),
		stdErr:       colorable.NewColorable(os.Stderr),
		stdIn:        os.Stdin,
		stdOutTTY:    stdoutTTY,
		signalNotify: signal.Notify,
		signalStop:   signal.Stop,
		osExit:       os.Exit,
		logger:       logger,
	}
}

func getDefaultFlags(homeFolder string) globalFlags {
	return globalFlags{
		configFilePath: filepath.Join(homeFolder, "nextest", defaultConfigFileName),
	}
}

func getFlags(defaultFlags globalFlags, env map[string]string) globalFlags {
	result := defaultFlags
	if val, ok := env["NEXTEST_CONFIG"]; ok {
		result.configFilePath = val
	}
	if val, ok := env["NEXTEST_LOG_FORMAT"]; ok {
		result.logFormat = val
	}
	// Support https://no-color.org/, even an empty value should disable
	// the color output.
	if _, ok := env["NO_COLOR"]; ok {
		result.noColor = true
	}
	return result
}

func parseEnvKeyValue(kv string) (string, string) {
	if idx := strings.IndexRune(kv, '='); idx != -1 {
		return kv[:idx], kv[idx+1:]
	}
	return kv, ""
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v := parseEnvKeyValue(kv)
		env[k] = v
	}
	return env
}

func envToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// This is to keep all fields needed for the main/root nextest command
type rootCommand struct {
	globalState *globalState
	cmd         *cobra.Command
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{
		globalState: gs,
	}
	// the base command when called without any subcommands.
	rootCmd := &cobra.Command{
		Use:               "nextest",
		Short:             "a parallel runner for compiled test binaries",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}

	rootCmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	rootCmd.SetArgs(gs.args[1:])
	rootCmd.SetOut(gs.stdOut)
	rootCmd.SetErr(gs.stdErr)
	rootCmd.SetIn(gs.stdIn)

	rootCmd.AddCommand(getRunCmd(gs), getVersionCmd(gs))

	c.cmd = rootCmd
	return c
}

func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	c.setupLoggers()
	stdlog.SetOutput(c.globalState.logger.Writer())
	c.globalState.logger.Debugf("nextest version: v%s", version)
	return nil
}

func (c *rootCommand) setupLoggers() {
	if c.globalState.flags.verbose {
		c.globalState.logger.SetLevel(logrus.DebugLevel)
	}
	switch c.globalState.flags.logFormat {
	case "json":
		c.globalState.logger.SetFormatter(&logrus.JSONFormatter{})
		c.globalState.logger.Debug("Logger format: JSON")
	default:
		c.globalState.logger.SetFormatter(&logrus.TextFormatter{
			DisableColors: c.globalState.flags.noColor,
		})
		c.globalState.logger.Debug("Logger format: TEXT")
	}
}

// Execute adds all child commands to the root command sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := newGlobalState(ctx)
	newRootCommand(gs).execute()
}

func (c *rootCommand) execute() {
	gs := c.globalState
	if err := c.cmd.Execute(); err != nil {
		exitCode := -1
		var ecerr errext.HasExitCode
		if errors.As(err, &ecerr) {
			exitCode = int(ecerr.ExitCode())
		}

		errText, fields := errext.Format(err)
		gs.logger.WithFields(fields).Error(errText)
		gs.osExit(exitCode)
	}
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	// We need to use `gs.flags.<value>` both as the destination and as
	// the value here, since the config values could have already been set
	// by their respective environment variables. However, we then also
	// have to explicitly set the DefValue to the respective default value
	// from `gs.defaultFlags.<value>`, so that the help message is not
	// messed up.

	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format")
	flags.Lookup("log-format").DefValue = gs.defaultFlags.logFormat

	flags.StringVarP(&gs.flags.configFilePath, "config", "c", gs.flags.configFilePath, "JSON config file")
	flags.Lookup("config").DefValue = gs.defaultFlags.configFilePath
	must(cobra.MarkFlagFilename(flags, "config"))

	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.Lookup("no-color").DefValue = strconv.FormatBool(gs.defaultFlags.noColor)

	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable verbose logging")
	flags.BoolVarP(&gs.flags.quiet, "quiet", "q", gs.defaultFlags.quiet, "disable progress updates")

	return flags
}
