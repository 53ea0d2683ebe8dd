//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package flash

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func mapFile(f *os.File, n int) (mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		// Some block devices refuse shared mappings.
		return copyMapping(f, n)
	}
	return mapping{
		data:    data,
		sync:    func() error { return unix.Msync(data, unix.MS_SYNC) },
		release: func() error { return unix.Munmap(data) },
	}, nil
}

func lockFile(f *os.File) (func() error, error) {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, f.Name())
		}
		return nil, fmt.Errorf("lock image: %w", err)
	}
	return func() error { return unix.Flock(int(f.Fd()), unix.LOCK_UN) }, nil
}

// deviceSize returns the size of a file or block device in bytes.
func deviceSize(f *os.File) (int64, error) {
	// Regular files report their size through seek.
	if size, err := seekSize(f); err == nil && size > 0 {
		return size, nil
	}

	// macOS/BSD disks: DKIOCGETBLOCKSIZE * DKIOCGETBLOCKCOUNT.
	const (
		dkiocGetBlockSize  = 0x40046418 // _IOR('d', 24, uint32)
		dkiocGetBlockCount = 0x40086419 // _IOR('d', 25, uint64)
		blkGetSize64       = 0x80081272 // Linux BLKGETSIZE64
	)
	var blockSize uint32
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), dkiocGetBlockSize, uintptr(unsafe.Pointer(&blockSize))); errno != 0 {
		var sizeBytes uint64
		if _, _, errno = unix.Syscall(unix.SYS_IOCTL, f.Fd(), blkGetSize64, uintptr(unsafe.Pointer(&sizeBytes))); errno != 0 {
			return 0, fmt.Errorf("cannot determine device size: %w", errno)
		}
		return int64(sizeBytes), nil
	}
	var blockCount uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), dkiocGetBlockCount, uintptr(unsafe.Pointer(&blockCount))); errno != 0 {
		return 0, fmt.Errorf("cannot get block count: %w", errno)
	}
	return int64(blockSize) * int64(blockCount), nil
}
