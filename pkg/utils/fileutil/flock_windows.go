//go:build windows

package fileutil

import (
	"os"

	"golang.org/x/sys/windows"
)

type windowsLock struct {
	h windows.Handle
}

var _ Releaser = (*windowsLock)(nil)

func (l *windowsLock) Release() error {
	return windows.UnlockFileEx(l.h, 0, 1, 0, &windows.Overlapped{})
}

func (l *windowsLock) lock() error {
	return windows.LockFileEx(l.h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &windows.Overlapped{})
}

// NewLock takes a non-blocking exclusive LockFileEx lock on f.
func NewLock(f *os.File) (Releaser, error) {
	l := &windowsLock{windows.Handle(f.Fd())}
	return l, l.lock()
}
