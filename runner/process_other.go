//go:build !unix

package runner

import (
	"errors"
	"os"
	"os/exec"
)

// Platforms without process groups fall back to their closest equivalent;
// the state machine treats all methods identically.

func setProcessGroup(*exec.Cmd) {}

func waitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1}
}

// Terminate implements Process.
func (p *osProcess) Terminate(UnitTerminateReason) UnitTerminateMethod {
	if proc, err := os.FindProcess(p.pid); err == nil {
		_ = proc.Kill()
	}
	return UnitTerminateMethod("kill")
}

// Kill implements Process.
func (p *osProcess) Kill() {
	if proc, err := os.FindProcess(p.pid); err == nil {
		_ = proc.Kill()
	}
}
