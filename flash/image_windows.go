//go:build windows

package flash

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

func mapFile(f *os.File, n int) (mapping, error) {
	return copyMapping(f, n)
}

func lockFile(f *os.File) (func() error, error) {
	h := windows.Handle(f.Fd())
	err := windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &windows.Overlapped{})
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, f.Name())
		}
		return nil, fmt.Errorf("lock image: %w", err)
	}
	return func() error { return windows.UnlockFileEx(h, 0, 1, 0, &windows.Overlapped{}) }, nil
}

// deviceSize only supports regular files on Windows.
func deviceSize(f *os.File) (int64, error) {
	size, err := seekSize(f)
	if err != nil {
		return 0, os.ErrInvalid
	}
	return size, nil
}
