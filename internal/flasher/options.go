package flasher

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/protocol"
)

// Config holds the host-side protocol parameters.
type Config struct {
	// Reset pulses the board reset line before the handshake
	Reset bool

	// SyncTimeout bounds the wait for the flush byte after reset
	SyncTimeout time.Duration

	// HandshakeTimeout bounds the probe reply and control word echo
	HandshakeTimeout time.Duration

	// DescriptorTimeout bounds each descriptor byte; the device waits before
	// sending it so the host can switch rate
	DescriptorTimeout time.Duration

	// StatusTimeout bounds the wait for each status byte. Programming a
	// sector takes about a second.
	StatusTimeout time.Duration

	// MaxRetries is the number of sends per block before a checksum
	// failure is fatal
	MaxRetries int

	// NegotiationClock is the clock the control word is computed for
	NegotiationClock uint32
}

func defaultConfig() Config {
	return Config{
		Reset:             true,
		SyncTimeout:       5 * time.Second,
		HandshakeTimeout:  time.Second,
		DescriptorTimeout: 2 * time.Second,
		StatusTimeout:     10 * time.Second,
		MaxRetries:        5,
		NegotiationClock:  protocol.NegotiationClock,
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// Option is a functional option for configuring the Flasher.
type Option func(*Flasher)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Flasher) {
		if l != nil {
			f.log = l
		}
	}
}

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(f *Flasher) {
		f.progress = cb
	}
}

// WithReset controls the board reset before the handshake.
func WithReset(reset bool) Option {
	return func(f *Flasher) {
		f.config.Reset = reset
	}
}

// WithSyncTimeout sets how long to wait for the bootloader after reset.
func WithSyncTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.config.SyncTimeout = d
		}
	}
}

// WithStatusTimeout sets the per-status-byte timeout.
func WithStatusTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.config.StatusTimeout = d
		}
	}
}

// WithMaxRetries sets the checksum retry limit per block.
func WithMaxRetries(n int) Option {
	return func(f *Flasher) {
		if n > 0 {
			f.config.MaxRetries = n
		}
	}
}

// WithNegotiationClock sets the clock the control word is computed for.
func WithNegotiationClock(hz uint32) Option {
	return func(f *Flasher) {
		if hz > 0 {
			f.config.NegotiationClock = hz
		}
	}
}
