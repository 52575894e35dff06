//go:build !unix

package main

import "os"

var lifecycleSignals []os.Signal

func classifySignal(os.Signal) lifecycleEvent {
	return eventShutdown
}
