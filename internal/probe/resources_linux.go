//go:build linux

package probe

import (
	"os"
	"path/filepath"
	"strings"
)

const fdDir = "/proc/self/fd"

// countFDs returns the number of open descriptors and how many of them
// are sockets (raw capture sockets, API listeners and clients).
func countFDs() (open, sockets int) {
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return -1, -1
	}
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err == nil && strings.HasPrefix(target, "socket:") {
			sockets++
		}
	}
	return len(entries), sockets
}
