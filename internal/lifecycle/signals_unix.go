//go:build unix

package lifecycle

import (
	"os"
	"syscall"
)

func shutdownSignals() []os.Signal { return []os.Signal{os.Interrupt, syscall.SIGTERM} }

// SIGCONT follows a stop (laptop lid scripts, job control); SIGUSR1 is the
// manual nudge.
func wakeSignals() []os.Signal { return []os.Signal{syscall.SIGCONT, syscall.SIGUSR1} }

func isWakeSignal(s os.Signal) bool { return s == syscall.SIGCONT || s == syscall.SIGUSR1 }

// SIGUSR2 asks a running daemon for a cycle outside the schedule.
func runNowSignals() []os.Signal { return []os.Signal{syscall.SIGUSR2} }

func isRunNowSignal(s os.Signal) bool { return s == syscall.SIGUSR2 }
