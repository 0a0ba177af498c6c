package health

import (
	"errors"
	"os"
	"syscall"
)

// ProcessChecker answers whether a pid belongs to a live process. Recovery
// and diagnosis take it as an injectable so tests can fake the oracle.
type ProcessChecker func(pid int) bool

// ProcessAlive is the real oracle: signal 0 probes existence without
// delivering anything. EPERM means the process exists but is owned by
// someone else, which still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
