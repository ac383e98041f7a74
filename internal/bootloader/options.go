package bootloader

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/protocol"
)

// Config holds the bootloader timing and identity parameters.
type Config struct {
	// HandshakeTimeout bounds each read during the handshake
	HandshakeTimeout time.Duration

	// ByteTimeout bounds each read during block transfer
	ByteTimeout time.Duration

	// BlockDelay follows every successful block write; the part browns out
	// if blocks are programmed back to back
	BlockDelay time.Duration

	// EraseSettle precedes each erase-and-verify phase
	EraseSettle time.Duration

	// BaudSettle gives the host time to switch rate after negotiation
	BaudSettle time.Duration

	// FinishDelay precedes the final completion byte
	FinishDelay time.Duration

	// LaunchDelay precedes the hand-off to the application
	LaunchDelay time.Duration

	// NegotiationClock is the clock the host computes the control word for
	NegotiationClock uint32

	// CPUClock is the core clock in Hz, passed to the IAP routine in kHz
	CPUClock uint32

	// ConsoleBaudRate is restored after the update for the serial console
	ConsoleBaudRate int

	// FlashClocksPerAccess is the accelerator wait-state setting used while
	// programming
	FlashClocksPerAccess int

	// DumpSize is the number of application bytes printed in diagnostic mode
	DumpSize int

	// Descriptor is announced to the host after negotiation
	Descriptor protocol.Descriptor
}

// defaultConfig returns the configuration of an LPC4078 board.
func defaultConfig() Config {
	return Config{
		HandshakeTimeout:     500 * time.Millisecond,
		ByteTimeout:          1000 * time.Millisecond,
		BlockDelay:           100 * time.Millisecond,
		EraseSettle:          10 * time.Millisecond,
		BaudSettle:           500 * time.Millisecond,
		FinishDelay:          500 * time.Millisecond,
		LaunchDelay:          500 * time.Millisecond,
		NegotiationClock:     protocol.NegotiationClock,
		CPUClock:             48000000,
		ConsoleBaudRate:      protocol.DefaultBaudRate,
		FlashClocksPerAccess: 6,
		DumpSize:             1 << 13,
		Descriptor: protocol.Descriptor{
			Chip:         protocol.ChipName,
			BlockSize:    flash.BlockSize,
			HalfBootSize: flash.BootRegionSize / 2,
			FlashSizeKiB: flash.Size / 1024,
		},
	}
}

// Option is a functional option for configuring the Device.
type Option func(*Device)

// WithClock sets the delay service.
func WithClock(c Clock) Option {
	return func(d *Device) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithLEDs sets the status LED bank.
func WithLEDs(l LEDs) Option {
	return func(d *Device) {
		if l != nil {
			d.leds = l
		}
	}
}

// WithButton sets the diagnostic button.
func WithButton(b Button) Option {
	return func(d *Device) {
		if b != nil {
			d.button = b
		}
	}
}

// WithLauncher sets the application launcher.
func WithLauncher(l Launcher) Option {
	return func(d *Device) {
		d.launcher = l
	}
}

// WithFlashAccelerator sets the flash accelerator configured before
// programming.
func WithFlashAccelerator(a FlashAccelerator) Option {
	return func(d *Device) {
		d.accel = a
	}
}

// WithLogger sets the debug-port logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// WithAttemptObserver registers a callback for every flash step outcome.
//
// Example:
//
//	dev := bootloader.New(link, rom, mem,
//	    bootloader.WithAttemptObserver(func(a bootloader.Attempt) {
//	        if a.Pass > 10 {
//	            log.Printf("sector %d still failing: %s", a.Sector.Index(), a.Result)
//	        }
//	    }),
//	)
func WithAttemptObserver(fn AttemptObserver) Option {
	return func(d *Device) {
		d.observer = fn
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(d *Device) {
		d.config = c
	}
}

// WithTimeouts sets the handshake and per-byte transfer timeouts.
func WithTimeouts(handshake, perByte time.Duration) Option {
	return func(d *Device) {
		if handshake > 0 {
			d.config.HandshakeTimeout = handshake
		}
		if perByte > 0 {
			d.config.ByteTimeout = perByte
		}
	}
}

// WithCPUClock sets the core clock passed to the IAP routine.
func WithCPUClock(hz uint32) Option {
	return func(d *Device) {
		if hz > 0 {
			d.config.CPUClock = hz
		}
	}
}

// WithNegotiationClock sets the clock used to decode the control word.
func WithNegotiationClock(hz uint32) Option {
	return func(d *Device) {
		if hz > 0 {
			d.config.NegotiationClock = hz
		}
	}
}
