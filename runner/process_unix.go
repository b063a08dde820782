//go:build unix

package runner

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group, so termination
// reaches any grandchildren it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func waitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Signal: unix.SignalName(ws.Signal())}
			}
			return ExitStatus{Code: ws.ExitStatus()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	// Wait itself failed; treat as a failure with an unknown code.
	return ExitStatus{Code: -1}
}

func terminateSignal(reason UnitTerminateReason) syscall.Signal {
	if reason == TerminateReasonInterrupt {
		return syscall.SIGINT
	}
	return syscall.SIGTERM
}

// Terminate implements Process by signalling the whole process group.
func (p *osProcess) Terminate(reason UnitTerminateReason) UnitTerminateMethod {
	sig := terminateSignal(reason)
	_ = syscall.Kill(-p.pid, sig)
	return UnitTerminateMethod(unix.SignalName(sig))
}

// Kill implements Process.
func (p *osProcess) Kill() {
	_ = syscall.Kill(-p.pid, syscall.SIGKILL)
}
