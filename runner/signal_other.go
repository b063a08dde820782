//go:build !unix

package runner

import "os"

func watchedSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func translateSignal(sig os.Signal) (engineCommand, bool) {
	if sig == os.Interrupt {
		return commandInterrupt, true
	}
	return 0, false
}
