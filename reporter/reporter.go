// Package reporter renders the runner's event stream for a terminal.
package reporter

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"go.nextest.dev/nextest/runner"
)

// Terminal is an EventHandler that writes human-readable progress lines.
// It holds no state beyond formatting configuration: every event it
// receives is self-contained.
type Terminal struct {
	out     io.Writer
	noColor bool
	verbose bool
	quiet   bool

	pass    *color.Color
	fail    *color.Color
	skip    *color.Color
	warn    *color.Color
	heading *color.Color
}

// Option configures a Terminal reporter.
type Option func(*Terminal)

// WithNoColor disables colored output.
func WithNoColor(noColor bool) Option {
	return func(t *Terminal) { t.noColor = noColor }
}

// WithVerbose also replays the captured output of passing tests.
func WithVerbose(verbose bool) Option {
	return func(t *Terminal) { t.verbose = verbose }
}

// WithQuiet suppresses the run start, setup script start, skipped test and
// passing test lines. Slow, retry, setup script result, cancel, pause and
// info notices and the final summary are still printed.
func WithQuiet(quiet bool) Option {
	return func(t *Terminal) { t.quiet = quiet }
}

// New builds a Terminal reporter writing to out.
func New(out io.Writer, options ...Option) *Terminal {
	t := &Terminal{out: out}
	for _, opt := range options {
		opt(t)
	}
	t.pass = t.style(color.FgGreen, color.Bold)
	t.fail = t.style(color.FgRed, color.Bold)
	t.skip = t.style(color.FgYellow)
	t.warn = t.style(color.FgMagenta, color.Bold)
	t.heading = t.style(color.Bold)
	return t
}

func (t *Terminal) style(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if t.noColor {
		c.DisableColor()
	}
	return c
}

func (t *Terminal) printf(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(t.out, format, args...)
	return err
}

// HandleEvent implements runner.EventHandler.
func (t *Terminal) HandleEvent(ev *runner.Event) error {
	switch kind := ev.Kind.(type) {
	case runner.RunStarted:
		if t.quiet {
			return nil
		}
		return t.printf("%s %d tests across run %s\n",
			t.heading.Sprint("Starting"), kind.InitialRunCount, kind.RunID)

	case runner.SetupScriptStarted:
		if t.quiet {
			return nil
		}
		return t.printf("%s [%d/%d] %s\n",
			t.heading.Sprint("SETUP"), kind.Index+1, kind.Total, kind.ScriptID)

	case runner.SetupScriptSlow:
		label := t.warn.Sprint("SLOW")
		if kind.WillTerminate {
			label = t.fail.Sprint("TERMINATING")
		}
		return t.printf("%s [%8s] setup script %s\n", label, shortDuration(kind.Elapsed), kind.ScriptID)

	case runner.SetupScriptFinished:
		return t.scriptFinished(kind)

	case runner.TestStarted, runner.TestRetryStarted:
		return nil

	case runner.TestSlow:
		label := t.warn.Sprint("SLOW")
		if kind.WillTerminate {
			label = t.fail.Sprint("TERMINATING")
		}
		return t.printf("%s [%8s] %s\n", label, shortDuration(kind.Elapsed), kind.TestInstance.ID())

	case runner.TestAttemptFailedWillRetry:
		return t.printf("%s [%8s] %s (attempt %d/%d failed: %s, retrying in %s)\n",
			t.warn.Sprint("RETRY"),
			shortDuration(kind.RunStatus.TimeTaken),
			kind.TestInstance.ID(),
			kind.RunStatus.Retry.Attempt,
			kind.RunStatus.Retry.TotalAttempts,
			kind.RunStatus.Result,
			kind.DelayBeforeNextAttempt,
		)

	case runner.TestFinished:
		return t.testFinished(kind)

	case runner.TestSkipped:
		if t.quiet {
			return nil
		}
		return t.printf("%s [        ] %s (%s)\n",
			t.skip.Sprint("SKIP"), kind.TestInstance.ID(), kind.Reason)

	case runner.InfoStarted:
		return t.printf("%s %d units running\n", t.heading.Sprint("info:"), kind.Total)

	case runner.InfoResponse:
		return t.infoResponse(kind)

	case runner.InfoFinished:
		if kind.Missing > 0 {
			return t.printf("%s %d units did not respond\n", t.warn.Sprint("info:"), kind.Missing)
		}
		return nil

	case runner.RunBeginCancel:
		return t.printf("%s due to %s (%d setup scripts, %d tests still running)\n",
			t.fail.Sprint("Cancelling"), kind.Reason, kind.SetupScriptsRunning, kind.Running)

	case runner.RunPaused:
		return t.printf("%s (%d tests running)\n", t.warn.Sprint("Paused"), kind.Running)

	case runner.RunContinued:
		return t.printf("%s (%d tests running)\n", t.heading.Sprint("Continuing"), kind.Running)

	case runner.RunFinished:
		return t.summary(kind)
	}
	return nil
}

func (t *Terminal) scriptFinished(kind runner.SetupScriptFinished) error {
	status := kind.RunStatus
	label := t.pass.Sprint("PASS")
	if !status.Result.IsSuccess() {
		label = t.fail.Sprint("FAIL")
	}
	if err := t.printf("%s [%8s] setup script %s\n",
		label, shortDuration(status.TimeTaken), kind.ScriptID); err != nil {
		return err
	}
	if !status.Result.IsSuccess() && !kind.NoCapture {
		return t.replayOutput(status.Output)
	}
	return nil
}

func (t *Terminal) testFinished(kind runner.TestFinished) error {
	last := kind.RunStatuses.Last()
	var label string
	switch {
	case last.Result.Kind == runner.ResultLeak:
		label = t.warn.Sprint("LEAK")
	case last.Result.IsSuccess() && len(kind.RunStatuses) > 1:
		label = t.warn.Sprint("FLAKY")
	case last.Result.IsSuccess():
		label = t.pass.Sprint("PASS")
	case last.Result.Kind == runner.ResultTimeout:
		label = t.fail.Sprint("TIMEOUT")
	default:
		label = t.fail.Sprint("FAIL")
	}
	if t.quiet && last.Result.IsSuccess() {
		return nil
	}
	if err := t.printf("%s [%8s] %s\n",
		label, shortDuration(last.TimeTaken), kind.TestInstance.ID()); err != nil {
		return err
	}
	if !last.Result.IsSuccess() || t.verbose {
		return t.replayOutput(last.Output)
	}
	return nil
}

func (t *Terminal) infoResponse(kind runner.InfoResponse) error {
	name := "unit"
	if kind.Info.Test != nil {
		name = kind.Info.Test.TestInstance.ID()
	} else if kind.Info.Script != nil {
		name = "setup script " + kind.Info.Script.ScriptID
	}
	return t.printf("  [%d/%d] %s: %s\n",
		kind.Index+1, kind.Total, name, describeState(kind.Info.State))
}

func describeState(state runner.UnitState) string {
	switch s := state.(type) {
	case runner.StateRunning:
		if s.SlowAfter > 0 {
			return fmt.Sprintf("running for %s (slow after %s)", shortDuration(s.TimeTaken), s.SlowAfter)
		}
		return fmt.Sprintf("running for %s", shortDuration(s.TimeTaken))
	case runner.StateExiting:
		return fmt.Sprintf("exited as %s, waiting %s for I/O to close", s.TentativeResult, s.Remaining)
	case runner.StateTerminating:
		return fmt.Sprintf("terminating (%s via %s), killing in %s", s.Reason, string(s.Method), s.Remaining)
	case runner.StateExited:
		return fmt.Sprintf("exited as %s after %s", s.Result, shortDuration(s.TimeTaken))
	case runner.StateDelayBeforeNextAttempt:
		return fmt.Sprintf("retrying in %s (last attempt: %s)", s.Remaining, s.PreviousResult)
	}
	return "unknown"
}

func (t *Terminal) replayOutput(out runner.CapturedOutput) error {
	if len(out.Stdout) > 0 {
		if err := t.printf("--- stdout ---\n%s", ensureNewline(out.Stdout)); err != nil {
			return err
		}
		if out.StdoutTruncated {
			if err := t.printf("(stdout truncated)\n"); err != nil {
				return err
			}
		}
	}
	if len(out.Stderr) > 0 {
		if err := t.printf("--- stderr ---\n%s", ensureNewline(out.Stderr)); err != nil {
			return err
		}
		if out.StderrTruncated {
			if err := t.printf("(stderr truncated)\n"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Terminal) summary(kind runner.RunFinished) error {
	stats := kind.Stats
	label := t.pass.Sprint("Summary")
	if stats.HasFailures() {
		label = t.fail.Sprint("Summary")
	}
	line := fmt.Sprintf("%s [%8s] %d tests run: %d passed",
		label, shortDuration(kind.Elapsed), stats.FinishedCount, stats.Passed)
	for _, extra := range []struct {
		count int
		text  string
	}{
		{stats.PassedSlow, "slow"},
		{stats.Flaky, "flaky"},
		{stats.Leaky, "leaky"},
		{stats.Failed, "failed"},
		{stats.TimedOut, "timed out"},
		{stats.ExecFailed, "exec failed"},
		{stats.Skipped, "skipped"},
	} {
		if extra.count > 0 {
			line += fmt.Sprintf(", %d %s", extra.count, extra.text)
		}
	}
	if notRun := stats.InitialRunCount - stats.FinishedCount; notRun > 0 {
		line += fmt.Sprintf(", %d not run", notRun)
	}
	return t.printf("%s\n", line)
}

func ensureNewline(b []byte) string {
	if len(b) == 0 || b[len(b)-1] == '\n' {
		return string(b)
	}
	return string(b) + "\n"
}

func shortDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
