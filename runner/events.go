package runner

import (
	"time"

	"github.com/google/uuid"

	"go.nextest.dev/nextest/lib/testlist"
)

// Event is a single entry in the run's event stream. Events are produced by
// the dispatcher and handed to a single EventHandler in a total order; each
// event is self-contained, so the handler does not need to remember prior
// events.
//
// Events may reference dispatcher-owned data. Handlers must not retain an
// event or anything reachable from it past the HandleEvent call.
type Event struct {
	// The wall-clock time at which the event was generated, including the
	// local UTC offset.
	Timestamp time.Time

	// The amount of time elapsed since the start of the run.
	Elapsed time.Duration

	// The kind of event this is.
	Kind EventKind
}

// EventKind is the closed set of event payloads. New kinds require explicit
// changes everywhere events are consumed.
type EventKind interface {
	eventKind()
}

// RunStarted is emitted exactly once, before all other events.
type RunStarted struct {
	RunID           uuid.UUID
	InitialRunCount int
	SetupScripts    int
	CLIArgs         []string
}

// SetupScriptStarted reports a setup script being spawned.
type SetupScriptStarted struct {
	Index     int
	Total     int
	ScriptID  string
	Command   string
	Args      []string
	NoCapture bool
}

// SetupScriptSlow reports a setup script crossing the slow threshold.
type SetupScriptSlow struct {
	ScriptID      string
	Command       string
	Args          []string
	Elapsed       time.Duration
	WillTerminate bool
}

// SetupScriptFinished reports a setup script completing execution.
type SetupScriptFinished struct {
	Index     int
	Total     int
	ScriptID  string
	Command   string
	Args      []string
	NoCapture bool
	RunStatus SetupScriptExecuteStatus
}

// TestStarted reports a test being spawned for its first attempt.
type TestStarted struct {
	TestInstance testlist.TestInstance

	// Current run statistics so far.
	CurrentStats RunStats

	// The number of tests currently running, including this one.
	Running int

	// The cancel status of the run, nil while the run is ongoing.
	CancelState *CancelReason
}

// TestSlow reports a test attempt crossing the slow threshold.
type TestSlow struct {
	TestInstance  testlist.TestInstance
	Retry         RetryData
	Elapsed       time.Duration
	WillTerminate bool
}

// TestAttemptFailedWillRetry reports a failed attempt that will be retried.
// It is never emitted for the final attempt of a test.
type TestAttemptFailedWillRetry struct {
	TestInstance testlist.TestInstance

	// The status of this attempt. Never a success.
	RunStatus ExecuteStatus

	// The delay before the next attempt starts.
	DelayBeforeNextAttempt time.Duration
}

// TestRetryStarted reports a retry attempt being spawned.
type TestRetryStarted struct {
	TestInstance testlist.TestInstance
	Retry        RetryData
}

// TestFinished reports a test whose attempts are all done.
type TestFinished struct {
	TestInstance testlist.TestInstance

	// All attempts, first to last.
	RunStatuses ExecutionStatuses

	// Current run statistics, including this test.
	CurrentStats RunStats

	// The number of tests still running, excluding this one.
	Running int

	// The cancel status of the run, nil while the run is ongoing.
	CancelState *CancelReason
}

// TestSkipped reports a test excluded by the filter. Skipped tests consume
// no concurrency slot and have no attempts.
type TestSkipped struct {
	TestInstance testlist.TestInstance
	Reason       testlist.MismatchReason
}

// InfoStarted opens an information snapshot. Total is the number of
// InfoResponse events that are expected to follow.
type InfoStarted struct {
	Total int
	Stats RunStats
}

// InfoResponse carries the state of one currently running unit.
type InfoResponse struct {
	Index int
	Total int
	Info  UnitInfo
}

// InfoFinished closes an information snapshot. Missing counts units that
// disappeared between the snapshot and their response.
type InfoFinished struct {
	Missing int
}

// RunBeginCancel reports the first (or an escalated) cancellation of the
// run.
type RunBeginCancel struct {
	SetupScriptsRunning int
	Running             int
	Reason              CancelReason
}

// RunPaused reports that execution was paused in response to a stop signal.
type RunPaused struct {
	SetupScriptsRunning int
	Running             int
}

// RunContinued reports that a paused run was resumed.
type RunContinued struct {
	SetupScriptsRunning int
	Running             int
}

// RunFinished is emitted exactly once, after all other events.
type RunFinished struct {
	RunID     uuid.UUID
	StartTime time.Time
	Elapsed   time.Duration
	Stats     RunStats
}

func (RunStarted) eventKind()                 {}
func (SetupScriptStarted) eventKind()         {}
func (SetupScriptSlow) eventKind()            {}
func (SetupScriptFinished) eventKind()        {}
func (TestStarted) eventKind()                {}
func (TestSlow) eventKind()                   {}
func (TestAttemptFailedWillRetry) eventKind() {}
func (TestRetryStarted) eventKind()           {}
func (TestFinished) eventKind()               {}
func (TestSkipped) eventKind()                {}
func (InfoStarted) eventKind()                {}
func (InfoResponse) eventKind()               {}
func (InfoFinished) eventKind()               {}
func (RunBeginCancel) eventKind()             {}
func (RunPaused) eventKind()                  {}
func (RunContinued) eventKind()               {}
func (RunFinished) eventKind()                {}

// EventHandler consumes the event stream. HandleEvent is called from the
// dispatcher goroutine, so implementations see a total order and must not
// block for long. A returned error cancels the run with CancelReasonReport.
type EventHandler interface {
	HandleEvent(*Event) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(*Event) error

// HandleEvent implements EventHandler.
func (f EventHandlerFunc) HandleEvent(ev *Event) error { return f(ev) }

// CancelReason is why a run is being cancelled, ordered by severity: a
// later, higher reason may supersede an earlier lower one but never the
// other way around.
type CancelReason int

// The cancel reasons, lowest severity first.
const (
	// A setup script failed.
	CancelReasonSetupScriptFailure CancelReason = iota + 1

	// A test failed and fail-fast was requested.
	CancelReasonTestFailure

	// An error occurred while reporting results.
	CancelReasonReport

	// A termination signal (SIGTERM, SIGHUP or SIGQUIT) was received.
	CancelReasonSignal

	// An interrupt (Ctrl-C) was received.
	CancelReasonInterrupt
)

func (c CancelReason) String() string {
	switch c {
	case CancelReasonSetupScriptFailure:
		return "setup script failure"
	case CancelReasonTestFailure:
		return "test failure"
	case CancelReasonReport:
		return "reporting error"
	case CancelReasonSignal:
		return "signal"
	case CancelReasonInterrupt:
		return "interrupt"
	}
	return "unknown"
}
