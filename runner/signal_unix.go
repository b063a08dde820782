//go:build unix

package runner

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func watchedSignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGHUP,
		syscall.SIGQUIT,
		syscall.SIGTSTP,
		syscall.SIGCONT,
		unix.SIGUSR1,
	}
}

func translateSignal(sig os.Signal) (engineCommand, bool) {
	switch sig {
	case os.Interrupt, syscall.SIGINT:
		return commandInterrupt, true
	case syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT:
		return commandTerminate, true
	case syscall.SIGTSTP:
		return commandPause, true
	case syscall.SIGCONT:
		return commandContinue, true
	case unix.SIGUSR1:
		return commandInfo, true
	}
	return 0, false
}
