//go:build unix

package apm

import (
	"fmt"
	"sync"
	"syscall"
)

// rlimitMu serializes spawns that temporarily lower this process's own
// RLIMIT_AS before fork/exec (rlimits are inherited by the child at
// fork time) and restore it immediately after Start returns.
var rlimitMu sync.Mutex

// withMemoryLimit runs start with RLIMIT_AS temporarily capped at
// maxBytes, so the forked child inherits the lower limit. A zero
// maxBytes runs start unmodified; a negative one is rejected.
func withMemoryLimit(maxBytes int64, start func() error) error {
	if maxBytes < 0 {
		return fmt.Errorf("negative max_memory_bytes")
	}
	if maxBytes == 0 {
		return start()
	}

	rlimitMu.Lock()
	defer rlimitMu.Unlock()

	var original syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_AS, &original); err != nil {
		return fmt.Errorf("getrlimit RLIMIT_AS: %w", err)
	}

	capped := syscall.Rlimit{Cur: uint64(maxBytes), Max: original.Max}
	if original.Max != syscall.RLIM_INFINITY && capped.Cur > original.Max {
		capped.Cur = original.Max
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_AS, &capped); err != nil {
		return fmt.Errorf("setrlimit RLIMIT_AS: %w", err)
	}
	defer syscall.Setrlimit(syscall.RLIMIT_AS, &original)

	return start()
}

const rlimitEnforced = true
