package runner

import (
	"time"

	"github.com/sirupsen/logrus"

	"go.nextest.dev/nextest/lib/testlist"
)

// Commands sent from the dispatcher to a running unit. Each unit has a
// buffered command channel; the dispatcher never blocks on it.
type unitCommand interface{ unitCommand() }

type cmdTerminate struct{ reason UnitTerminateReason }
type cmdPause struct{}
type cmdResume struct{}
type cmdInfo struct{ respCh chan<- UnitInfo }

func (cmdTerminate) unitCommand() {}
func (cmdPause) unitCommand()     {}
func (cmdResume) unitCommand()    {}
func (cmdInfo) unitCommand()      {}

// Messages sent from units to the dispatcher, which turns them into events
// and bookkeeping. All events about a unit flow through here, so the
// dispatcher observes a total order.
type unitMsg interface{ unitMsg() }

type msgTestSlow struct {
	unit          *testUnit
	retry         RetryData
	elapsed       time.Duration
	willTerminate bool
}

type msgTestAttemptFailedWillRetry struct {
	unit   *testUnit
	status ExecuteStatus
	delay  time.Duration
}

type msgTestRetryStarted struct {
	unit  *testUnit
	retry RetryData
}

type msgTestFinished struct {
	unit     *testUnit
	statuses ExecutionStatuses
}

type msgScriptSlow struct {
	unit          *scriptUnit
	elapsed       time.Duration
	willTerminate bool
}

type msgScriptFinished struct {
	unit   *scriptUnit
	status SetupScriptExecuteStatus
}

func (msgTestSlow) unitMsg()                   {}
func (msgTestAttemptFailedWillRetry) unitMsg() {}
func (msgTestRetryStarted) unitMsg()           {}
func (msgTestFinished) unitMsg()               {}
func (msgScriptSlow) unitMsg()                 {}
func (msgScriptFinished) unitMsg()             {}

// unitExec drives the lifecycle of one process execution:
//
//	Running -> Exiting -> Exited
//	Running -> Terminating -> Exiting -> Exited
//
// All waits go through the engine Clock and respond to dispatcher commands,
// so the unit stays pausable and inspectable in every state.
type unitExec struct {
	r     *Runner
	cmdCh chan unitCommand

	// identify builds the unit's identity half of an info response.
	identify func() UnitInfo

	// onSlow reports a crossed slow threshold to the dispatcher.
	onSlow func(elapsed time.Duration, willTerminate bool)

	// Set while the run is paused before this unit was spawned.
	startPaused bool
}

type execOutcome struct {
	result    ExecutionResult
	startTime time.Time
	timeTaken time.Duration
	isSlow    bool
	slowAfter time.Duration
	output    CapturedOutput
}

// respondInfo answers an info request with the unit's current state.
func (x *unitExec) respondInfo(req cmdInfo, state UnitState, output CapturedOutput) {
	info := x.identify()
	info.State = state
	if state.HasValidOutput() {
		info.Output = output
	}
	// The response channel is sized by the dispatcher; if the snapshot has
	// already moved on, the response is counted as missing instead.
	select {
	case req.respCh <- info:
	default:
	}
}

// checkCancel looks at the run-wide cancel cell, as every suspension-point
// wakeup must. It returns the termination reason implied by the current
// cancel state, or nil if the unit should keep running.
func (x *unitExec) checkCancel() *UnitTerminateReason {
	switch x.r.cancel.get() {
	case CancelReasonInterrupt:
		reason := TerminateReasonInterrupt
		return &reason
	case CancelReasonSignal:
		reason := TerminateReasonSignal
		return &reason
	}
	return nil
}

// execute runs one process to completion and classifies the outcome.
func (x *unitExec) execute(spec ProcessSpec) execOutcome {
	out := execOutcome{startTime: x.r.clock.Now()}
	watch := newStopwatch(x.r.clock)
	if x.startPaused {
		watch.Pause()
	}

	proc, err := x.r.spawner.Spawn(spec)
	if err != nil {
		x.r.logger.WithError(err).WithField("command", spec.Command).Debug("spawn failed")
		out.result = ExecutionResult{Kind: ResultExecFail}
		return out
	}

	slowTimeout := x.r.cfg.SlowTimeout.ValueOrZero()
	terminateAfter := int(x.r.cfg.SlowTerminateAfter.Int64)

	var (
		slowCount int
		slowTimer Timer = neverTimer{}
	)
	if slowTimeout > 0 {
		slowTimer = x.r.clock.NewTimer(slowTimeout)
		defer slowTimer.Stop()
	}

	runningState := func() UnitState {
		return StateRunning{PID: proc.PID(), TimeTaken: watch.Elapsed(), SlowAfter: out.slowAfter}
	}

	var exitStatus *ExitStatus
	var terminateReason *UnitTerminateReason

	if x.startPaused {
		terminateReason = x.awaitResume(proc, watch, runningState)
		if terminateReason == nil {
			// Re-arm the slow deadline against the unpaused elapsed time.
			if slowTimeout > 0 {
				slowTimer.Reset(slowTimeout - watch.Elapsed())
			}
		}
	} else if tr := x.checkCancel(); tr != nil {
		terminateReason = tr
	}

running:
	for terminateReason == nil {
		select {
		case st := <-proc.Exited():
			exitStatus = &st
			break running

		case <-slowTimer.C():
			slowCount++
			out.isSlow = true
			out.slowAfter = time.Duration(slowCount) * slowTimeout
			willTerminate := terminateAfter > 0 && slowCount >= terminateAfter
			x.onSlow(watch.Elapsed(), willTerminate)
			if willTerminate {
				reason := TerminateReasonTimeout
				terminateReason = &reason
				break running
			}
			slowTimer.Reset(time.Duration(slowCount+1)*slowTimeout - watch.Elapsed())

		case cmd := <-x.cmdCh:
			switch c := cmd.(type) {
			case cmdTerminate:
				terminateReason = &c.reason
			case cmdInfo:
				x.respondInfo(c, runningState(), proc.Output())
			case cmdPause:
				slowTimer.Stop()
				if tr := x.awaitResume(proc, watch, runningState); tr != nil {
					terminateReason = tr
				} else if slowTimeout > 0 {
					slowTimer.Reset(time.Duration(slowCount+1)*slowTimeout - watch.Elapsed())
				}
			case cmdResume:
				// Not paused; stale resume, ignore.
			}
			if terminateReason == nil {
				if tr := x.checkCancel(); tr != nil {
					terminateReason = tr
				}
			}
		}
	}

	var tentative ExecutionResult
	switch {
	case exitStatus != nil:
		tentative = exitStatus.result()
	default:
		tentative = x.terminate(proc, watch, *terminateReason)
	}

	out.result = x.awaitOutput(proc, watch, tentative, &out)
	out.timeTaken = watch.Elapsed()
	out.output = proc.Output()
	return out
}

// terminate drives the Terminating state: signal the process group, wait
// out the grace period, then kill. For a timeout the result is ResultTimeout
// whatever the exit status; otherwise it is the result of the exit status,
// with a clean exit recorded as a failure carrying the termination method
// as its signal.
func (x *unitExec) terminate(
	proc Process, watch *stopwatch, reason UnitTerminateReason,
) ExecutionResult {
	method := proc.Terminate(reason)
	x.r.logger.WithFields(logrus.Fields{
		"pid": proc.PID(), "reason": reason.String(), "method": string(method),
	}).Debug("terminating unit")

	grace := x.r.cfg.TerminateGracePeriod.ValueOrZero()
	waitStart := watch.Elapsed()
	graceTimer := x.r.clock.NewTimer(grace)
	defer graceTimer.Stop()

	terminatingState := func() UnitState {
		waited := watch.Elapsed() - waitStart
		return StateTerminating{
			PID:             proc.PID(),
			TimeTaken:       watch.Elapsed(),
			Reason:          reason,
			Method:          method,
			WaitingDuration: waited,
			Remaining:       grace - waited,
		}
	}

	var st ExitStatus
	killed := false
waiting:
	for {
		select {
		case st = <-proc.Exited():
			break waiting
		case <-graceTimer.C():
			if !killed {
				killed = true
				proc.Kill()
			}
		case cmd := <-x.cmdCh:
			switch c := cmd.(type) {
			case cmdInfo:
				x.respondInfo(c, terminatingState(), proc.Output())
			case cmdPause:
				// A terminating unit is already on its way out; the kill
				// deadline keeps running.
			case cmdTerminate, cmdResume:
			}
		}
	}

	if reason == TerminateReasonTimeout {
		return ExecutionResult{Kind: ResultTimeout}
	}
	result := st.result()
	if result.Kind == ResultPass {
		// The child won the race and exited cleanly before the signal
		// landed; the unit was still cut short, record the signal.
		result = ExecutionResult{Kind: ResultFail, Signal: string(method)}
	}
	return result
}

// awaitOutput drives the Exiting state: the process is gone, but handles to
// its output may not be. If they stay open past the leak deadline, a pass
// becomes a leak.
func (x *unitExec) awaitOutput(
	proc Process, watch *stopwatch, tentative ExecutionResult, out *execOutcome,
) ExecutionResult {
	leakTimeout := x.r.cfg.LeakTimeout.ValueOrZero()
	waitStart := watch.Elapsed()
	leakTimer := x.r.clock.NewTimer(leakTimeout)
	defer leakTimer.Stop()

	exitingState := func() UnitState {
		waited := watch.Elapsed() - waitStart
		return StateExiting{
			PID:             proc.PID(),
			TimeTaken:       watch.Elapsed(),
			SlowAfter:       out.slowAfter,
			TentativeResult: tentative,
			WaitingDuration: waited,
			Remaining:       leakTimeout - waited,
		}
	}

	for {
		select {
		case <-proc.OutputDone():
			return tentative
		case <-leakTimer.C():
			if tentative.Kind == ResultPass {
				return ExecutionResult{Kind: ResultLeak}
			}
			return tentative
		case cmd := <-x.cmdCh:
			switch c := cmd.(type) {
			case cmdInfo:
				x.respondInfo(c, exitingState(), proc.Output())
			case cmdPause:
				// The process is already gone here, so a terminate that
				// arrives while paused just lets the leak wait continue.
				leakTimer.Stop()
				_ = x.awaitResume(proc, watch, exitingState)
				leakTimer.Reset(leakTimeout - (watch.Elapsed() - waitStart))
			}
		}
	}
}

// awaitResume parks the unit while the run is paused. The stopwatch stops,
// so every deadline computed against it stops too; the child process keeps
// running unless the OS paused it alongside us. Returns a termination
// reason if one arrives while paused.
func (x *unitExec) awaitResume(
	proc Process, watch *stopwatch, state func() UnitState,
) *UnitTerminateReason {
	watch.Pause()
	defer watch.Resume()
	// The exit channel is buffered, so a child that dies while we are
	// paused just parks its status there until the caller resumes.
	for cmd := range x.cmdCh {
		switch c := cmd.(type) {
		case cmdResume:
			return nil
		case cmdTerminate:
			return &c.reason
		case cmdInfo:
			x.respondInfo(c, state(), proc.Output())
		case cmdPause:
		}
	}
	return nil
}

// testUnit owns all attempts of a single test.
type testUnit struct {
	r     *Runner
	test  testlist.TestInstance
	cmdCh chan unitCommand

	// retry is updated between attempts; reads from other goroutines only
	// happen via info responses served by the unit itself.
	retry RetryData
}

func newTestUnit(r *Runner, test testlist.TestInstance) *testUnit {
	return &testUnit{
		r:     r,
		test:  test,
		cmdCh: make(chan unitCommand, 16),
	}
}

func (u *testUnit) exec(startPaused bool) *unitExec {
	return &unitExec{
		r:           u.r,
		cmdCh:       u.cmdCh,
		startPaused: startPaused,
		identify: func() UnitInfo {
			return UnitInfo{Test: &TestInfo{TestInstance: u.test, Retry: u.retry}}
		},
		onSlow: func(elapsed time.Duration, willTerminate bool) {
			u.r.sendMsg(msgTestSlow{
				unit: u, retry: u.retry, elapsed: elapsed, willTerminate: willTerminate,
			})
		},
	}
}

func (u *testUnit) spec() ProcessSpec {
	args := []string{u.test.Name, "--exact"}
	if u.test.Case.Ignored {
		args = append(args, "--ignored")
	}
	return ProcessSpec{
		Command:        u.test.Suite.BinaryPath,
		Args:           args,
		Dir:            u.test.Suite.Cwd,
		Env:            u.r.testEnv,
		PassThrough:    u.r.cfg.NoCapture.Bool,
		Stdout:         u.r.passthroughStdout,
		Stderr:         u.r.passthroughStderr,
		MaxOutputBytes: int(u.r.cfg.MaxOutputBytes.Int64),
	}
}

// run is the unit goroutine: all attempts of one test, retry delays
// included. It reports progress to the dispatcher and always ends with a
// msgTestFinished.
func (u *testUnit) run(startPaused bool) {
	totalAttempts := 1 + int(u.r.cfg.Retries.Int64)
	var statuses ExecutionStatuses
	delayBefore := time.Duration(0)

	for attempt := 1; ; attempt++ {
		u.retry = RetryData{Attempt: attempt, TotalAttempts: totalAttempts}
		x := u.exec(startPaused)
		startPaused = false
		outcome := x.execute(u.spec())
		statuses = append(statuses, ExecuteStatus{
			Retry:            u.retry,
			Output:           outcome.output,
			Result:           outcome.result,
			StartTime:        outcome.startTime,
			TimeTaken:        outcome.timeTaken,
			IsSlow:           outcome.isSlow,
			DelayBeforeStart: delayBefore,
		})

		last := statuses.Last()
		if last.Result.IsSuccess() || u.retry.IsLastAttempt() || u.r.cancel.get() != 0 {
			break
		}

		delay := u.r.cfg.retryDelayFor(attempt + 1)
		u.r.sendMsg(msgTestAttemptFailedWillRetry{unit: u, status: last, delay: delay})
		if !u.delayBeforeNextAttempt(last, delay) {
			// Cancelled mid-delay: the last attempt's status stands.
			break
		}
		delayBefore = delay
		u.r.sendMsg(msgTestRetryStarted{
			unit:  u,
			retry: RetryData{Attempt: attempt + 1, TotalAttempts: totalAttempts},
		})
	}

	u.r.sendMsg(msgTestFinished{unit: u, statuses: statuses})
}

// delayBeforeNextAttempt waits out the retry delay. Returns false if the
// delay was cut short by cancellation.
func (u *testUnit) delayBeforeNextAttempt(prev ExecuteStatus, delay time.Duration) bool {
	watch := newStopwatch(u.r.clock)
	timer := u.r.clock.NewTimer(delay)
	defer timer.Stop()

	delayState := func() UnitState {
		return StateDelayBeforeNextAttempt{
			PreviousResult:  prev.Result,
			PreviousSlow:    prev.IsSlow,
			WaitingDuration: watch.Elapsed(),
			Remaining:       delay - watch.Elapsed(),
		}
	}

	for {
		select {
		case <-timer.C():
			return u.r.cancel.get() == 0
		case cmd := <-u.cmdCh:
			switch c := cmd.(type) {
			case cmdTerminate:
				return false
			case cmdInfo:
				info := UnitInfo{
					Test:  &TestInfo{TestInstance: u.test, Retry: u.retry},
					State: delayState(),
				}
				select {
				case c.respCh <- info:
				default:
				}
			case cmdPause:
				watch.Pause()
				timer.Stop()
			case cmdResume:
				watch.Resume()
				timer.Reset(delay - watch.Elapsed())
			}
			if u.r.cancel.get() != 0 {
				return false
			}
		}
	}
}
