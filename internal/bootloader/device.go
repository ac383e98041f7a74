// Package bootloader is the resident field-update core: it negotiates with a
// host over a serial transport, receives an application image sector by
// sector, programs it through the IAP routine, and decides whether to hand
// control to the application.
//
// Every hardware collaborator is reached through the Device value built once
// at entry; nothing in this package keeps global state.
package bootloader

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/iap"
	"github.com/bigbag/hyperload/internal/transport"
)

// Version of the bootloader, reported on the console.
const (
	VersionMajor = 1
	VersionMinor = 1
)

// Clock provides the millisecond delay service.
type Clock interface {
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// LEDs is the bank of four status LEDs. SetAll receives the logical pattern;
// bit n lit means LED n on. Drivers translate to the active-low pins.
type LEDs interface {
	SetAll(pattern uint8)
}

// Button is the diagnostic-mode input.
type Button interface {
	Pressed() bool
}

// Launcher transfers control to the application. On hardware Jump never
// returns.
type Launcher interface {
	DisableSystemTimer()
	SetVectorTable(addr uint32)
	Jump(entry uint32)
}

// FlashAccelerator configures flash wait states before programming. Boards
// that have no accelerator leave it unset.
type FlashAccelerator interface {
	SetClocksPerAccess(clocks int)
}

type noLEDs struct{}

func (noLEDs) SetAll(uint8) {}

type noButton struct{}

func (noButton) Pressed() bool { return false }

// Device is the explicit context threaded through every component.
type Device struct {
	link     transport.Transport
	iap      iap.Client
	mem      io.ReaderAt
	clock    Clock
	leds     LEDs
	button   Button
	launcher Launcher
	accel    FlashAccelerator
	log      logrus.FieldLogger
	observer AttemptObserver
	config   Config
}

// New creates a Device. link is the host serial transport, client the IAP
// service and mem a read view of on-chip flash.
func New(link transport.Transport, client iap.Client, mem io.ReaderAt, opts ...Option) *Device {
	if link == nil || client == nil || mem == nil {
		panic("bootloader: transport, IAP client and flash view are required")
	}

	d := &Device{
		link:   link,
		iap:    client,
		mem:    mem,
		clock:  systemClock{},
		leds:   noLEDs{},
		button: noButton{},
		log:    discardLogger(),
		config: defaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

// Config returns the active configuration.
func (d *Device) Config() Config {
	return d.config
}

// send writes one status byte to the host. A dead link does not change what
// the bootloader does next, so failures are only logged.
func (d *Device) send(b byte) {
	if err := d.link.WriteByte(b); err != nil {
		d.log.WithError(err).WithField("byte", b).Warn("Transport write failed")
	}
}

func (d *Device) puts(s string) {
	if _, err := d.link.Write([]byte(s)); err != nil {
		d.log.WithError(err).Warn("Transport write failed")
	}
}

// readByte reads one byte, substituting fallback on timeout or link error.
func (d *Device) readByte(timeout time.Duration, fallback byte) (byte, bool) {
	b, err := d.link.ReadByteTimeout(timeout)
	if err != nil {
		if !transport.IsTimeout(err) {
			d.log.WithError(err).Debug("Transport read failed")
		}
		return fallback, false
	}
	return b, true
}
