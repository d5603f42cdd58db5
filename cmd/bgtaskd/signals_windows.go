//go:build windows

package main

import "bgtask/internal/trigger"

// Lifecycle transitions are not signalled on Windows.
func lifecycleSignals() (<-chan trigger.LifecycleEvent, func()) {
	return nil, func() {}
}
