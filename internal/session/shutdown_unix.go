//go:build unix

package session

import (
	"os"

	"golang.org/x/sys/unix"
)

// shutdownHalf half-closes f for reading (read=true) or writing.
func shutdownHalf(f *os.File, read bool) error {
	how := unix.SHUT_WR
	if read {
		how = unix.SHUT_RD
	}
	return unix.Shutdown(int(f.Fd()), how)
}
