//go:build windows

package watcher

import "os"

// backstopFlock is a no-op on Windows: gofrs/flock already uses LockFileEx
// there, and golang.org/x/sys/unix does not build on this platform.
func backstopFlock(fd *os.File) error {
	return nil
}

func backstopUnlock(fd *os.File) {}
