//go:build unix

package main

import (
	"os"
	"syscall"
)

var lifecycleSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}

func classifySignal(sig os.Signal) lifecycleEvent {
	switch sig {
	case syscall.SIGUSR1:
		return eventBackground
	case syscall.SIGUSR2:
		return eventForeground
	default:
		return eventShutdown
	}
}
