// Package exitcodes contains the constants of all exit codes the nextest
// process can finish with.
package exitcodes

// ExitCode is the code with which the process exits.
type ExitCode uint8

// The exit codes, distinct per failure class so wrapper tooling can tell
// them apart.
const (
	Success              ExitCode = 0
	NoTestsRun           ExitCode = 4
	SetupError           ExitCode = 96
	InternalError        ExitCode = 97
	TestRunFailed        ExitCode = 100
	SetupScriptFailed    ExitCode = 104
	CancelledByInterrupt ExitCode = 130
	CancelledBySignal    ExitCode = 143
)
