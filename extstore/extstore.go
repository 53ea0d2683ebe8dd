// Package extstore serves reads from external storage, such as an SD card
// image, the way a card driver does: a request is handed to a worker and
// the caller waits for its completion with a deadline. A read that does not
// complete in time fails with ErrTimeout; the late completion lands in a
// private buffer and is dropped.
package extstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"flashjournal/flash"
)

var (
	// ErrTimeout is returned when a read does not complete before its deadline.
	ErrTimeout = errors.New("external storage read timed out")
	// ErrClosed is returned by reads on a closed device.
	ErrClosed = errors.New("external storage closed")
)

// DefaultTimeout bounds a single read.
const DefaultTimeout = 2 * time.Second

type request struct {
	p     []byte
	off   int64
	reply chan result
}

type result struct {
	n   int
	err error
}

// Device is a read-only external storage device.
type Device struct {
	r       io.ReaderAt
	closer  io.Closer
	size    int64
	timeout time.Duration
	log     *slog.Logger

	reqs      chan request
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// Option configures a Device.
type Option func(*Device)

// WithTimeout sets the per-read deadline.
func WithTimeout(d time.Duration) Option {
	return func(dev *Device) {
		if d > 0 {
			dev.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(dev *Device) {
		if l != nil {
			dev.log = l
		}
	}
}

// New returns a device reading from r. size is the number of readable
// bytes, or -1 when unknown.
func New(r io.ReaderAt, size int64, opts ...Option) *Device {
	d := &Device{
		r:       r,
		size:    size,
		timeout: DefaultTimeout,
		log:     slog.New(slog.DiscardHandler),
		reqs:    make(chan request),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens an image file read-only.
func Open(path string, opts ...Option) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sd image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat sd image: %w", err)
	}
	d := New(f, st.Size(), opts...)
	d.closer = f
	return d, nil
}

// Size returns the number of readable bytes, or -1 when unknown.
func (d *Device) Size() int64 { return d.size }

// Init starts the worker. It is safe to call more than once.
func (d *Device) Init() error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}
	d.startOnce.Do(func() { go d.serve() })
	return nil
}

func (d *Device) serve() {
	for {
		select {
		case req := <-d.reqs:
			n, err := d.r.ReadAt(req.p, req.off)
			req.reply <- result{n: n, err: err}
		case <-d.done:
			return
		}
	}
}

// ReadAt fills p from addr, waiting at most the configured timeout.
func (d *Device) ReadAt(p []byte, addr flash.Addr) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	return d.ReadAtContext(ctx, p, addr)
}

// ReadAtContext fills p from addr, waiting until ctx is done.
func (d *Device) ReadAtContext(ctx context.Context, p []byte, addr flash.Addr) error {
	if len(p) == 0 {
		return nil
	}
	if d.size >= 0 && int64(addr)+int64(len(p)) > d.size {
		return fmt.Errorf("%w: %s+%d past end of %d byte card", flash.ErrOutOfRange, addr, len(p), d.size)
	}
	if err := d.Init(); err != nil {
		return err
	}
	req := request{p: make([]byte, len(p)), off: int64(addr), reply: make(chan result, 1)}

	select {
	case d.reqs <- req:
	case <-ctx.Done():
		return d.expired(ctx, addr, len(p))
	case <-d.done:
		return ErrClosed
	}

	select {
	case res := <-req.reply:
		if res.err != nil && !(errors.Is(res.err, io.EOF) && res.n == len(p)) {
			if errors.Is(res.err, io.EOF) {
				return fmt.Errorf("%w: short read at %s", flash.ErrOutOfRange, addr)
			}
			return res.err
		}
		copy(p, req.p)
		return nil
	case <-ctx.Done():
		return d.expired(ctx, addr, len(p))
	case <-d.done:
		return ErrClosed
	}
}

func (d *Device) expired(ctx context.Context, addr flash.Addr, n int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		d.log.Warn("sd read timed out", "addr", addr, "len", n, "timeout", d.timeout)
		return fmt.Errorf("%w: %d bytes at %s", ErrTimeout, n, addr)
	}
	return ctx.Err()
}

// Close stops the worker and closes the underlying file, if any.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		if d.closer != nil {
			err = d.closer.Close()
		}
	})
	return err
}
