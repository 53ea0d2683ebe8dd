package flash

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Image is a flash device persisted in a regular file or a block device.
// Where the platform allows, the file is memory mapped and Sync flushes the
// mapping; elsewhere the contents are held in memory and written back.
type Image struct {
	*Memory
	f      *os.File
	m      mapping
	unlock func() error
}

// mapping is the in-memory view of an image file.
type mapping struct {
	data    []byte
	sync    func() error
	release func() error
}

// OpenImage opens an existing image. The file must be at least as large as
// the layout; trailing bytes are left alone. The image is locked for
// exclusive use until Close.
func OpenImage(path string, start Addr, page uint32, layout Layout) (*Image, error) {
	if err := layout.Validate(start, page); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	unlock, err := lockFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	size, err := deviceSize(f)
	if err != nil {
		unlock()
		f.Close()
		return nil, fmt.Errorf("get image size: %w", err)
	}
	need := layout.Total()
	if size < 0 || uint64(size) < need {
		unlock()
		f.Close()
		return nil, fmt.Errorf("image too small: has %d bytes, need %d", size, need)
	}
	m, err := mapFile(f, int(need))
	if err != nil {
		unlock()
		f.Close()
		return nil, fmt.Errorf("map image: %w", err)
	}
	return &Image{
		Memory: newMemoryOver(start, page, layout, m.data),
		f:      f,
		m:      m,
		unlock: unlock,
	}, nil
}

// CreateImage creates (or truncates) a fully erased image file and opens it.
func CreateImage(path string, start Addr, page uint32, layout Layout) (*Image, error) {
	if err := layout.Validate(start, page); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	if err := writeErased(f, layout.Total()); err != nil {
		f.Close()
		return nil, fmt.Errorf("write image: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return OpenImage(path, start, page, layout)
}

func writeErased(w io.Writer, n uint64) error {
	bw := bufio.NewWriterSize(w, 64*1024)
	blank := make([]byte, 4096)
	Fill(blank)
	for n > 0 {
		k := uint64(len(blank))
		if n < k {
			k = n
		}
		if _, err := bw.Write(blank[:k]); err != nil {
			return err
		}
		n -= k
	}
	return bw.Flush()
}

// Path returns the name of the backing file.
func (im *Image) Path() string { return im.f.Name() }

// Sync flushes the contents to stable storage.
func (im *Image) Sync() error {
	if err := im.m.sync(); err != nil {
		return fmt.Errorf("sync image: %w", err)
	}
	return nil
}

// Close syncs and releases the image.
func (im *Image) Close() error {
	err := im.Sync()
	if rerr := im.m.release(); err == nil {
		err = rerr
	}
	if uerr := im.unlock(); err == nil {
		err = uerr
	}
	if cerr := im.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// copyMapping reads the first n bytes of f into memory and writes them back
// on sync.
func copyMapping(f *os.File, n int) (mapping, error) {
	data := make([]byte, n)
	if _, err := f.ReadAt(data, 0); err != nil {
		return mapping{}, err
	}
	return mapping{
		data: data,
		sync: func() error {
			if _, err := f.WriteAt(data, 0); err != nil {
				return err
			}
			return f.Sync()
		},
		release: func() error { return nil },
	}, nil
}

// seekSize returns the size of a regular file.
func seekSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, _ = f.Seek(0, io.SeekStart)
	return size, nil
}
