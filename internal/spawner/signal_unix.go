//go:build unix

package spawner

import "syscall"

var signalTerm = syscall.SIGTERM
