//go:build unix

package probe

import (
	"math"

	"golang.org/x/sys/unix"
)

// getMaxFDs returns the soft RLIMIT_NOFILE.
func getMaxFDs() int {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return -1
	}
	if rl.Cur > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(rl.Cur) //nolint:gosec // bounded above
}
