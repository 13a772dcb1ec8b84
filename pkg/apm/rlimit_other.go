//go:build !unix

package apm

import "fmt"

// withMemoryLimit is a no-op on platforms without rlimit support: the
// cap is recorded on the agent record but not enforced, per §4.2's
// "if Setrlimit is unavailable the cap is recorded but not enforced."
func withMemoryLimit(maxBytes int64, start func() error) error {
	if maxBytes < 0 {
		return fmt.Errorf("negative max_memory_bytes")
	}
	return start()
}

const rlimitEnforced = false
