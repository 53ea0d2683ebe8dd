package flashscript

import (
	"log/slog"

	"flashjournal/flash"
)

// Config holds the engine configuration.
type Config struct {
	// Logger receives step level diagnostics. Defaults to a discarding logger.
	Logger *slog.Logger

	// BufferSize is the working buffer used to stream step data. It is
	// rounded down to the page size. Default 1024.
	BufferSize int

	// Progress is called for every step, erase, program and commit.
	Progress ProgressFunc

	// JournalBase is the address of the journal MBR in internal flash.
	// Defaults to the start of internal flash.
	JournalBase flash.Addr

	journalBaseSet bool
}

func defaultConfig() Config {
	return Config{
		Logger:     slog.New(slog.DiscardHandler),
		BufferSize: 1024,
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithBufferSize sets the working buffer size.
//
// Example:
//
//	eng, err := flashscript.New(reg, flashscript.WithBufferSize(4096))
func WithBufferSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithProgress sets a callback for progress events. The callback runs on the
// engine's goroutine and should return quickly.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Config) {
		c.Progress = fn
	}
}

// WithJournalBase sets the journal location.
func WithJournalBase(addr flash.Addr) Option {
	return func(c *Config) {
		c.JournalBase = addr
		c.journalBaseSet = true
	}
}
