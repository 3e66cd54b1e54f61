//go:build !unix

package lifecycle

import "os"

func shutdownSignals() []os.Signal { return []os.Signal{os.Interrupt} }

func wakeSignals() []os.Signal { return nil }

func isWakeSignal(os.Signal) bool { return false }

func runNowSignals() []os.Signal { return nil }

func isRunNowSignal(os.Signal) bool { return false }
