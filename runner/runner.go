// Package runner contains the execution engine of nextest: the scheduler
// that runs setup scripts and test processes concurrently under a policy,
// drives each unit through its lifecycle, and emits a structured event
// stream describing progress and outcomes.
package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"go.nextest.dev/nextest/lib/envfile"
	"go.nextest.dev/nextest/lib/testlist"
)

// How long an info snapshot waits for unit responses before declaring the
// rest missing.
const infoResponseTimeout = time.Second

// cancelCell holds the run-wide cancellation state. Writes are monotonic
// over the severity order; reads happen from every unit goroutine.
type cancelCell struct {
	mu     sync.Mutex
	reason CancelReason
}

func (c *cancelCell) get() CancelReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// escalate raises the cancel reason. It returns true if the cell changed;
// a lower or equal reason never supersedes a higher one.
func (c *cancelCell) escalate(r CancelReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r <= c.reason {
		return false
	}
	c.reason = r
	return true
}

// Runner executes a test list under a run policy. A Runner is built with
// New and used for exactly one Run.
//
// The dispatcher goroutine (the one inside Run) exclusively owns all
// mutable run state: stats, the admission queue, the unit registry and
// event emission. Units communicate with it over channels only.
type Runner struct {
	list    *testlist.Summary
	cfg     Config
	scripts []SetupScript
	cliArgs []string

	logger  logrus.FieldLogger
	clock   Clock
	spawner Spawner
	fs      afero.Fs
	sigSrc  *SignalSource

	baseEnv           []string
	testEnv           []string
	passthroughStdout io.Writer
	passthroughStderr io.Writer

	runID     uuid.UUID
	cancel    *cancelCell
	msgCh     chan unitMsg
	commandCh chan engineCommand

	// Dispatcher-owned state below; only touched inside Run.
	handler        EventHandler
	ctxDone        <-chan struct{}
	stats          RunStats
	watch          *stopwatch
	paused         bool
	emitBroken     bool
	runningTests   map[*testUnit]struct{}
	runningScripts map[*scriptUnit]struct{}
	deferredMsgs   []unitMsg
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithSpawner substitutes the process spawner, for tests.
func WithSpawner(spawner Spawner) Option {
	return func(r *Runner) { r.spawner = spawner }
}

// WithFs substitutes the filesystem used for setup script env files.
func WithFs(fs afero.Fs) Option {
	return func(r *Runner) { r.fs = fs }
}

// WithSetupScripts declares the setup scripts to run before any test.
func WithSetupScripts(scripts ...SetupScript) Option {
	return func(r *Runner) { r.scripts = scripts }
}

// WithEnv sets the base environment for spawned units. Defaults to the
// runner process's own environment.
func WithEnv(env []string) Option {
	return func(r *Runner) { r.baseEnv = env }
}

// WithSignalSource wires OS signal handling. Without it the engine is only
// controllable through Control and context cancellation.
func WithSignalSource(src SignalSource) Option {
	return func(r *Runner) { r.sigSrc = &src }
}

// WithPassthroughWriters sets the destinations for child output when
// capture is disabled.
func WithPassthroughWriters(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.passthroughStdout = stdout
		r.passthroughStderr = stderr
	}
}

// WithCLIArgs records the command line for the RunStarted event.
func WithCLIArgs(args []string) Option {
	return func(r *Runner) { r.cliArgs = args }
}

// New builds a Runner for the given list and consolidated config.
func New(list *testlist.Summary, cfg Config, options ...Option) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	nopLogger := logrus.New()
	nopLogger.SetOutput(io.Discard)

	r := &Runner{
		list:           list,
		cfg:            cfg,
		logger:         nopLogger,
		clock:          SystemClock{},
		spawner:        OSSpawner{},
		fs:             afero.NewOsFs(),
		baseEnv:        os.Environ(),
		runID:          uuid.New(),
		cancel:         &cancelCell{},
		msgCh:          make(chan unitMsg),
		commandCh:      make(chan engineCommand, 8),
		runningTests:   make(map[*testUnit]struct{}),
		runningScripts: make(map[*scriptUnit]struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// RunID returns the unique ID of this run.
func (r *Runner) RunID() uuid.UUID { return r.runID }

func (r *Runner) sendMsg(m unitMsg) { r.msgCh <- m }

// emit timestamps the kind and hands it to the handler. A handler error
// cancels the run with a reporting-error reason; once that happens the
// stream is broken and nothing further is emitted.
func (r *Runner) emit(kind EventKind) {
	if r.emitBroken {
		return
	}
	ev := &Event{
		Timestamp: r.clock.Now(),
		Elapsed:   r.watch.Elapsed(),
		Kind:      kind,
	}
	if err := r.handler.HandleEvent(ev); err != nil {
		r.logger.WithError(err).Error("event handler failed, cancelling run")
		r.emitBroken = true
		r.escalateCancel(CancelReasonReport)
	}
}

func (r *Runner) cancelState() *CancelReason {
	if reason := r.cancel.get(); reason != 0 {
		return &reason
	}
	return nil
}

// escalateCancel raises the run-wide cancel reason. The first (or an
// escalated) cancellation emits RunBeginCancel; reasons at signal severity
// or above also terminate every running unit.
func (r *Runner) escalateCancel(reason CancelReason) {
	if !r.cancel.escalate(reason) {
		return
	}
	r.logger.WithField("reason", reason.String()).Debug("run cancelled")
	r.emit(RunBeginCancel{
		SetupScriptsRunning: len(r.runningScripts),
		Running:             len(r.runningTests),
		Reason:              reason,
	})

	if reason >= CancelReasonSignal {
		termReason := TerminateReasonSignal
		if reason == CancelReasonInterrupt {
			termReason = TerminateReasonInterrupt
		}
		r.broadcast(cmdTerminate{reason: termReason})
	}
}

// broadcast sends a command to every running unit. Command channels are
// buffered far beyond the number of distinct commands a unit can receive,
// so the non-blocking send only ever drops on a unit that is already
// draining towards exit.
func (r *Runner) broadcast(cmd unitCommand) {
	for u := range r.runningScripts {
		select {
		case u.cmdCh <- cmd:
		default:
		}
	}
	for u := range r.runningTests {
		select {
		case u.cmdCh <- cmd:
		default:
		}
	}
}

// Run executes the whole test run and blocks until it is finished. The
// handler receives every event in a total order from this goroutine.
//
// The returned FinalRunStats classifies the run; the error is only
// non-nil for internal failures, not for test failures.
func (r *Runner) Run(ctx context.Context, handler EventHandler) (FinalRunStats, error) {
	if handler == nil {
		return FinalRunStats{}, errors.New("an event handler is required")
	}
	r.handler = handler
	r.ctxDone = ctx.Done()
	r.watch = newStopwatch(r.clock)
	startTime := r.clock.Now()

	sigStop := make(chan struct{})
	if r.sigSrc != nil {
		go r.handleSignals(*r.sigSrc, sigStop)
	}
	defer close(sigStop)

	instances := r.list.Instances()
	selected := 0
	for _, ti := range instances {
		if ti.Case.FilterMatch.Matches {
			selected++
		}
	}
	r.stats.InitialRunCount = selected
	r.stats.SetupScriptsInitialCount = len(r.scripts)

	r.emit(RunStarted{
		RunID:           r.runID,
		InitialRunCount: selected,
		SetupScripts:    len(r.scripts),
		CLIArgs:         r.cliArgs,
	})

	scriptEnv := r.runSetupPhase()
	r.buildTestEnv(scriptEnv)
	r.runTestPhase(instances)

	r.emit(RunFinished{
		RunID:     r.runID,
		StartTime: startTime,
		Elapsed:   r.watch.Elapsed(),
		Stats:     r.stats,
	})

	final := r.stats.SummarizeFinal()
	r.logger.WithFields(logrus.Fields{
		"outcome":  final.Outcome.String(),
		"finished": r.stats.FinishedCount,
		"initial":  r.stats.InitialRunCount,
	}).Debug("run finished")
	return final, nil
}

// CancelReasonFinal returns the cancel reason the run ended with, if any.
// Only meaningful after Run returns.
func (r *Runner) CancelReasonFinal() *CancelReason {
	return r.cancelState()
}

// runSetupPhase runs all declared setup scripts before any test is
// admitted. Scripts run in declared order; runs of consecutive scripts
// declared independent share the concurrency quota in parallel, everything
// else is sequential. The merged exported environment is returned.
func (r *Runner) runSetupPhase() map[string]string {
	merged := make(map[string]string)
	next := 0
	concurrency := int(r.cfg.Concurrency.Int64)

	for {
		// Admission: the next script starts if the quota has room and
		// ordering allows it. A dependent script is a barrier both ways.
		for next < len(r.scripts) && !r.paused && r.cancel.get() == 0 &&
			len(r.runningScripts) < concurrency {
			script := r.scripts[next]
			if len(r.runningScripts) > 0 && !r.canRunConcurrently(script) {
				break
			}
			u := newScriptUnit(r, script, next)
			r.runningScripts[u] = struct{}{}
			r.emit(SetupScriptStarted{
				Index:     next,
				Total:     len(r.scripts),
				ScriptID:  script.ID,
				Command:   script.Command,
				Args:      script.Args,
				NoCapture: r.cfg.NoCapture.Bool,
			})
			go u.run(r.paused)
			next++
		}

		done := next >= len(r.scripts) || r.cancel.get() != 0
		if done && len(r.runningScripts) == 0 {
			return merged
		}

		r.dispatchOne(func(env map[string]string) {
			for k, v := range env {
				merged[k] = v
			}
		})
	}
}

// canRunConcurrently reports whether script may run alongside the scripts
// currently running.
func (r *Runner) canRunConcurrently(script SetupScript) bool {
	if !script.Independent {
		return false
	}
	for u := range r.runningScripts {
		if !u.script.Independent {
			return false
		}
	}
	return true
}

// buildTestEnv assembles the environment every test process is spawned
// with: the base environment, then setup script exports, then the
// runner's own reserved variables.
func (r *Runner) buildTestEnv(scriptEnv map[string]string) {
	env := make([]string, 0, len(r.baseEnv)+len(scriptEnv)+2)
	env = append(env, r.baseEnv...)
	for k, v := range scriptEnv {
		env = append(env, k+"="+v)
	}
	env = append(env,
		envfile.ReservedPrefix+"=1",
		envfile.ReservedPrefix+"_RUN_ID="+r.runID.String(),
	)
	r.testEnv = env
}

// runTestPhase admits tests from the selection queue in discovery order
// and processes unit messages until everything has finished or the run is
// cancelled and drained.
func (r *Runner) runTestPhase(instances []testlist.TestInstance) {
	queue := instances
	concurrency := int(r.cfg.Concurrency.Int64)

	for {
		for len(queue) > 0 && !r.paused && r.cancel.get() == 0 {
			ti := queue[0]
			if !ti.Case.FilterMatch.Matches {
				// Filtered-out tests are announced but consume no slot.
				queue = queue[1:]
				r.stats.Skipped++
				r.emit(TestSkipped{TestInstance: ti, Reason: ti.Case.FilterMatch.Reason})
				continue
			}
			if len(r.runningTests) >= concurrency {
				break
			}
			queue = queue[1:]
			u := newTestUnit(r, ti)
			r.runningTests[u] = struct{}{}
			r.emit(TestStarted{
				TestInstance: ti,
				CurrentStats: r.stats,
				Running:      len(r.runningTests),
				CancelState:  r.cancelState(),
			})
			go u.run(r.paused)
		}

		done := len(queue) == 0 || r.cancel.get() != 0
		if done && len(r.runningTests) == 0 {
			return
		}

		r.dispatchOne(nil)
	}
}

// dispatchOne processes a single wakeup: a unit message, an engine command
// or context cancellation. Deferred messages queued during an info
// snapshot are drained first.
func (r *Runner) dispatchOne(onScriptEnv func(map[string]string)) {
	if len(r.deferredMsgs) > 0 {
		m := r.deferredMsgs[0]
		r.deferredMsgs = r.deferredMsgs[1:]
		r.handleMsg(m, onScriptEnv)
		return
	}

	select {
	case m := <-r.msgCh:
		r.handleMsg(m, onScriptEnv)
	case cmd := <-r.commandCh:
		r.handleCommand(cmd)
	case <-r.ctxDone:
		// A done channel stays ready; disarm it so the drain below
		// doesn't spin.
		r.ctxDone = nil
		r.escalateCancel(CancelReasonInterrupt)
	}
}

func (r *Runner) handleMsg(m unitMsg, onScriptEnv func(map[string]string)) {
	switch msg := m.(type) {
	case msgScriptSlow:
		r.emit(SetupScriptSlow{
			ScriptID:      msg.unit.script.ID,
			Command:       msg.unit.script.Command,
			Args:          msg.unit.script.Args,
			Elapsed:       msg.elapsed,
			WillTerminate: msg.willTerminate,
		})

	case msgScriptFinished:
		delete(r.runningScripts, msg.unit)
		r.stats.onSetupScriptFinished(msg.status)
		r.emit(SetupScriptFinished{
			Index:     msg.unit.index,
			Total:     len(r.scripts),
			ScriptID:  msg.unit.script.ID,
			Command:   msg.unit.script.Command,
			Args:      msg.unit.script.Args,
			NoCapture: r.cfg.NoCapture.Bool,
			RunStatus: msg.status,
		})
		if msg.status.Result.IsSuccess() {
			if onScriptEnv != nil {
				onScriptEnv(msg.status.EnvMap)
			}
		} else if r.cfg.FailFast.Bool {
			r.escalateCancel(CancelReasonSetupScriptFailure)
		}

	case msgTestSlow:
		r.emit(TestSlow{
			TestInstance:  msg.unit.test,
			Retry:         msg.retry,
			Elapsed:       msg.elapsed,
			WillTerminate: msg.willTerminate,
		})

	case msgTestAttemptFailedWillRetry:
		r.emit(TestAttemptFailedWillRetry{
			TestInstance:           msg.unit.test,
			RunStatus:              msg.status,
			DelayBeforeNextAttempt: msg.delay,
		})

	case msgTestRetryStarted:
		r.emit(TestRetryStarted{TestInstance: msg.unit.test, Retry: msg.retry})

	case msgTestFinished:
		delete(r.runningTests, msg.unit)
		r.stats.onTestFinished(msg.statuses)
		r.emit(TestFinished{
			TestInstance: msg.unit.test,
			RunStatuses:  msg.statuses,
			CurrentStats: r.stats,
			Running:      len(r.runningTests),
			CancelState:  r.cancelState(),
		})
		if !msg.statuses.Last().Result.IsSuccess() && r.cfg.FailFast.Bool {
			r.escalateCancel(CancelReasonTestFailure)
		}
	}
}

func (r *Runner) handleCommand(cmd engineCommand) {
	switch cmd {
	case commandInterrupt:
		r.escalateCancel(CancelReasonInterrupt)
	case commandTerminate:
		r.escalateCancel(CancelReasonSignal)
	case commandPause:
		if r.paused {
			return
		}
		r.paused = true
		r.broadcast(cmdPause{})
		r.emit(RunPaused{
			SetupScriptsRunning: len(r.runningScripts),
			Running:             len(r.runningTests),
		})
		r.watch.Pause()
	case commandContinue:
		if !r.paused {
			return
		}
		r.paused = false
		r.watch.Resume()
		r.broadcast(cmdResume{})
		r.emit(RunContinued{
			SetupScriptsRunning: len(r.runningScripts),
			Running:             len(r.runningTests),
		})
	case commandInfo:
		r.infoSnapshot()
	}
}

// infoSnapshot emits InfoStarted, one InfoResponse per unit that answers
// in time, and InfoFinished with the count of units that disappeared (or
// stayed silent) during the snapshot. Unit messages arriving mid-snapshot
// are deferred, not dropped, so the rest of the stream stays intact.
func (r *Runner) infoSnapshot() {
	total := len(r.runningScripts) + len(r.runningTests)
	r.emit(InfoStarted{Total: total, Stats: r.stats})

	respCh := make(chan UnitInfo, total)
	r.broadcast(cmdInfo{respCh: respCh})

	deadline := r.clock.NewTimer(infoResponseTimeout)
	defer deadline.Stop()

	received := 0
collect:
	for received < total {
		select {
		case info := <-respCh:
			r.emit(InfoResponse{Index: received, Total: total, Info: info})
			received++
		case m := <-r.msgCh:
			r.deferredMsgs = append(r.deferredMsgs, m)
		case <-deadline.C():
			break collect
		}
	}

	r.emit(InfoFinished{Missing: total - received})
}
