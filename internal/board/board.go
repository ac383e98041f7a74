// Package board is a software model of an LPC4078 board running the
// bootloader: simulated flash behind the IAP service, four active-low status
// LEDs, the diagnostic button and a launcher that records the jump.
package board

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/bootloader"
	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/iap"
	"github.com/bigbag/hyperload/internal/transport"
)

// LEDCount is the number of status LEDs.
const LEDCount = 4

// LEDBank drives four LEDs wired active-low: a lit LED is a low pin.
type LEDBank struct {
	pins uint8
	log  logrus.FieldLogger
}

// SetAll implements bootloader.LEDs.
func (l *LEDBank) SetAll(pattern uint8) {
	l.pins = ^pattern & (1<<LEDCount - 1)
	l.log.WithField("leds", l.String()).Debug("LEDs updated")
}

// Pins returns the raw pin levels, bit n high meaning LED n dark.
func (l *LEDBank) Pins() uint8 {
	return l.pins
}

// Lit returns the logical pattern currently shown.
func (l *LEDBank) Lit() uint8 {
	return ^l.pins & (1<<LEDCount - 1)
}

// String renders the bank as LED3..LED0, '*' for lit.
func (l *LEDBank) String() string {
	b := make([]byte, LEDCount)
	lit := l.Lit()
	for i := 0; i < LEDCount; i++ {
		if lit&(1<<(LEDCount-1-i)) != 0 {
			b[i] = '*'
		} else {
			b[i] = '.'
		}
	}
	return string(b)
}

// Button is the diagnostic button, held or released for the whole run.
type Button bool

// Pressed implements bootloader.Button.
func (b Button) Pressed() bool { return bool(b) }

// Launcher records the hand-off instead of jumping.
type Launcher struct {
	log logrus.FieldLogger

	TimerDisabled bool
	VectorTable   uint32
	Entry         uint32
	Jumped        bool
}

// DisableSystemTimer implements bootloader.Launcher.
func (l *Launcher) DisableSystemTimer() {
	l.TimerDisabled = true
	l.log.Debug("System timer disabled")
}

// SetVectorTable implements bootloader.Launcher.
func (l *Launcher) SetVectorTable(addr uint32) {
	l.VectorTable = addr
	l.log.WithField("vtor", fmt.Sprintf("0x%08x", addr)).Debug("Vector table relocated")
}

// Jump implements bootloader.Launcher.
func (l *Launcher) Jump(entry uint32) {
	l.Entry = entry
	l.Jumped = true
	l.log.WithField("entry", fmt.Sprintf("0x%08x", entry)).Info("Application started")
}

// Accelerator records the flash wait-state setting.
type Accelerator struct {
	ClocksPerAccess int
}

// SetClocksPerAccess implements bootloader.FlashAccelerator.
func (a *Accelerator) SetClocksPerAccess(n int) {
	a.ClocksPerAccess = n
}

// Board is a simulated LPC4078 board.
type Board struct {
	Flash    *iap.Simulator
	LEDs     *LEDBank
	Button   Button
	Launcher *Launcher
	Accel    *Accelerator

	log  logrus.FieldLogger
	opts []bootloader.Option
}

// Option configures a Board.
type Option func(*Board)

// WithLogger sets the logger used as the bootloader debug port.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Board) {
		if l != nil {
			b.log = l
		}
	}
}

// WithButton holds the diagnostic button down.
func WithButton(pressed bool) Option {
	return func(b *Board) {
		b.Button = Button(pressed)
	}
}

// WithBootloaderOptions passes extra options to the bootloader.
func WithBootloaderOptions(opts ...bootloader.Option) Option {
	return func(b *Board) {
		b.opts = append(b.opts, opts...)
	}
}

// New creates a board with erased flash.
func New(opts ...Option) *Board {
	b := &Board{
		Flash: iap.NewSimulator(),
		Accel: &Accelerator{},
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.LEDs = &LEDBank{pins: 1<<LEDCount - 1, log: b.log}
	b.Launcher = &Launcher{log: b.log}
	return b
}

// Preload places an application image at the start of the partition, as if
// it had been flashed earlier.
func (b *Board) Preload(data []byte) error {
	if len(data) > flash.AppCapacity {
		return errors.Errorf("image is %d bytes, partition holds %d", len(data), flash.AppCapacity)
	}
	b.Flash.Load(flash.AppBase, data)
	return nil
}

// LoadFlash restores the full flash contents from a file written by
// SaveFlash. A missing file leaves the flash erased.
func (b *Board) LoadFlash(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read flash file")
	}
	if len(data) != flash.Size {
		return errors.Errorf("flash file %s is %d bytes, want %d", path, len(data), flash.Size)
	}
	b.Flash.Load(0, data)
	return nil
}

// SaveFlash writes the full flash contents to a file.
func (b *Board) SaveFlash(path string) error {
	data := make([]byte, flash.Size)
	if _, err := b.Flash.ReadAt(data, 0); err != nil {
		return errors.Wrap(err, "read simulated flash")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write flash file")
}

// Identify asks the flash controller for the part ID and the ROM boot code
// version, formatted as "v<major>.<minor>".
func (b *Board) Identify() (partID uint32, bootCode string, err error) {
	partID, err = iap.ReadPartID(b.Flash)
	if err != nil {
		return 0, "", errors.Wrap(err, "read part id")
	}
	major, minor, err := iap.ReadBootCodeVersion(b.Flash)
	if err != nil {
		return 0, "", errors.Wrap(err, "read boot code version")
	}
	return partID, fmt.Sprintf("v%d.%d", major, minor), nil
}

// Run powers the board up with link as the host UART and runs the
// bootloader until it halts or launches.
func (b *Board) Run(link transport.Transport) bootloader.Outcome {
	opts := []bootloader.Option{
		bootloader.WithLEDs(b.LEDs),
		bootloader.WithButton(b.Button),
		bootloader.WithLauncher(b.Launcher),
		bootloader.WithFlashAccelerator(b.Accel),
		bootloader.WithLogger(b.log),
	}
	opts = append(opts, b.opts...)

	dev := bootloader.New(link, b.Flash, b.Flash, opts...)
	return dev.Run()
}
