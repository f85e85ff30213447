//go:build !windows

package watcher

import (
	"os"

	"golang.org/x/sys/unix"
)

func backstopFlock(fd *os.File) error {
	return unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func backstopUnlock(fd *os.File) {
	unix.Flock(int(fd.Fd()), unix.LOCK_UN)
}
