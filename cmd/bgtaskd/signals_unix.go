//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"bgtask/internal/trigger"
)

// lifecycleSignals maps SIGUSR1 to background and SIGUSR2 to foreground.
func lifecycleSignals() (<-chan trigger.LifecycleEvent, func()) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	out := make(chan trigger.LifecycleEvent, 4)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case s := <-sigs:
				ev := trigger.Foreground
				if s == syscall.SIGUSR1 {
					ev = trigger.Background
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, func() {
		signal.Stop(sigs)
		close(done)
	}
}
