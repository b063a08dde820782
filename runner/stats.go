package runner

// RunStats holds the monotonically updated counters for a test run. The
// outcome counters are only updated when a setup script or a test finishes,
// so consumers that snapshot it on TestFinished events always see consistent
// totals. Skipped is the exception: it is incremented as each TestSkipped
// event is emitted.
type RunStats struct {
	// The total number of tests that were expected to run at the beginning.
	// If the run is cancelled, this will be more than FinishedCount at the
	// end.
	InitialRunCount int

	// The total number of tests that finished running.
	FinishedCount int

	// Setup script counters, in the same vein.
	SetupScriptsInitialCount  int
	SetupScriptsFinishedCount int
	SetupScriptsPassed        int
	SetupScriptsFailed        int
	SetupScriptsExecFailed    int
	SetupScriptsTimedOut      int

	// The number of tests that passed. Includes PassedSlow, Flaky and Leaky.
	Passed int

	// The number of slow tests that passed.
	PassedSlow int

	// The number of tests that passed on retry.
	Flaky int

	// The number of tests that failed.
	Failed int

	// The number of failed tests that were slow.
	FailedSlow int

	// The number of tests that timed out.
	TimedOut int

	// The number of tests that passed but leaked handles.
	Leaky int

	// The number of tests that could not be spawned at all.
	ExecFailed int

	// The number of tests that were skipped.
	Skipped int
}

// HasFailures returns true if there are any failures recorded in the stats.
func (s *RunStats) HasFailures() bool {
	return s.FailedSetupScriptCount() > 0 || s.FailedCount() > 0
}

// FailedSetupScriptCount returns the count of setup scripts that did not
// pass.
func (s *RunStats) FailedSetupScriptCount() int {
	return s.SetupScriptsFailed + s.SetupScriptsExecFailed + s.SetupScriptsTimedOut
}

// FailedCount returns the count of tests that did not pass.
func (s *RunStats) FailedCount() int {
	return s.Failed + s.ExecFailed + s.TimedOut
}

// FinalOutcome is the broad class of outcome of a whole run.
type FinalOutcome int

// The possible final outcomes.
const (
	// The run was successful.
	FinalSuccess FinalOutcome = iota

	// The run was successful, but no tests were selected to run.
	FinalNoTestsRun

	// The run was cancelled.
	FinalCancelled

	// At least one test or setup script failed.
	FinalFailed
)

func (o FinalOutcome) String() string {
	switch o {
	case FinalSuccess:
		return "success"
	case FinalNoTestsRun:
		return "no tests run"
	case FinalCancelled:
		return "cancelled"
	case FinalFailed:
		return "failed"
	}
	return "unknown"
}

// FailurePhase is the phase during which a run failed or was cancelled.
type FailurePhase int

// The possible failure phases.
const (
	PhaseNone FailurePhase = iota
	PhaseSetupScript
	PhaseTest
)

// FinalRunStats summarizes the possible outcomes of a test run.
type FinalRunStats struct {
	Outcome FinalOutcome

	// The phase the run failed or was cancelled in. PhaseNone for Success
	// and NoTestsRun.
	Phase FailurePhase

	// For PhaseTest: the total number of tests scheduled and the number
	// that never ran.
	InitialRunCount int
	NotRun          int
}

// SummarizeFinal computes the outcome of a run from its stats. Setup script
// failures take precedence over test failures.
func (s *RunStats) SummarizeFinal() FinalRunStats {
	switch {
	case s.FailedSetupScriptCount() > 0:
		return FinalRunStats{Outcome: FinalFailed, Phase: PhaseSetupScript}
	case s.SetupScriptsInitialCount > s.SetupScriptsFinishedCount:
		return FinalRunStats{Outcome: FinalCancelled, Phase: PhaseSetupScript}
	case s.FailedCount() > 0:
		return FinalRunStats{
			Outcome:         FinalFailed,
			Phase:           PhaseTest,
			InitialRunCount: s.InitialRunCount,
			NotRun:          s.InitialRunCount - s.FinishedCount,
		}
	case s.InitialRunCount > s.FinishedCount:
		return FinalRunStats{
			Outcome:         FinalCancelled,
			Phase:           PhaseTest,
			InitialRunCount: s.InitialRunCount,
			NotRun:          s.InitialRunCount - s.FinishedCount,
		}
	case s.FinishedCount == 0:
		return FinalRunStats{Outcome: FinalNoTestsRun}
	default:
		return FinalRunStats{Outcome: FinalSuccess}
	}
}

func (s *RunStats) onSetupScriptFinished(status SetupScriptExecuteStatus) {
	s.SetupScriptsFinishedCount++

	switch status.Result.Kind {
	case ResultPass, ResultLeak:
		s.SetupScriptsPassed++
	case ResultFail:
		s.SetupScriptsFailed++
	case ResultExecFail:
		s.SetupScriptsExecFailed++
	case ResultTimeout:
		s.SetupScriptsTimedOut++
	}
}

// onTestFinished records the outcome of a test whose attempts are all done.
// The classification deliberately uses the last attempt's status, not the
// first: retries exist to produce a definitive outcome.
func (s *RunStats) onTestFinished(statuses ExecutionStatuses) {
	s.FinishedCount++

	last := statuses.Last()
	switch last.Result.Kind {
	case ResultPass:
		s.Passed++
		if last.IsSlow {
			s.PassedSlow++
		}
		if len(statuses) > 1 {
			s.Flaky++
		}
	case ResultLeak:
		s.Passed++
		s.Leaky++
		if last.IsSlow {
			s.PassedSlow++
		}
		if len(statuses) > 1 {
			s.Flaky++
		}
	case ResultFail:
		s.Failed++
		if last.IsSlow {
			s.FailedSlow++
		}
	case ResultTimeout:
		s.TimedOut++
	case ResultExecFail:
		s.ExecFailed++
	}
}
