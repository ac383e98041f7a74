package bootloader

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/bigbag/hyperload/internal/flash"
)

// Decision is what the bootloader does after the update phase.
type Decision int

const (
	// DecisionLaunch hands control to the application.
	DecisionLaunch Decision = iota
	// DecisionDump prints the start of the application region and halts.
	DecisionDump
	// DecisionNotFound halts because no application is present.
	DecisionNotFound
)

func (d Decision) String() string {
	switch d {
	case DecisionLaunch:
		return "launch"
	case DecisionDump:
		return "dump"
	case DecisionNotFound:
		return "not-found"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ErasedEntry is the reset vector of an application region that was never
// programmed.
const ErasedEntry = 0xFFFFFFFF

// ErrNoLauncher is returned by Launch when the board supplied no launcher.
var ErrNoLauncher = errors.New("bootloader: no launcher configured")

// ResetEntry reads the application reset vector from flash.
func (d *Device) ResetEntry() (uint32, error) {
	var word [4]byte
	if _, err := d.mem.ReadAt(word[:], flash.ResetEntryOffset); err != nil {
		return 0, errors.Wrap(err, "read reset vector")
	}
	return binary.LittleEndian.Uint32(word[:]), nil
}

// Decide chooses the boot action. The diagnostic button takes precedence;
// an erased or unreadable reset vector never launches.
func (d *Device) Decide() (Decision, uint32) {
	entry, err := d.ResetEntry()
	if err != nil {
		d.log.WithError(err).Error("Cannot read application vector table")
		entry = ErasedEntry
	}
	switch {
	case d.button.Pressed():
		return DecisionDump, entry
	case entry == ErasedEntry:
		return DecisionNotFound, entry
	default:
		return DecisionLaunch, entry
	}
}

// Launch hands control to the application at entry. The system timer is
// stopped and the vector table moved to the application before the jump.
// The application's initial stack pointer is not loaded; applications set
// it up in their reset handler.
//
// On hardware Launch does not return. With a simulated launcher it returns
// nil once the jump has been recorded.
func (d *Device) Launch(entry uint32) error {
	if d.launcher == nil {
		return ErrNoLauncher
	}
	d.clock.Sleep(d.config.LaunchDelay)
	d.leds.SetAll(0)
	d.launcher.DisableSystemTimer()
	d.launcher.SetVectorTable(flash.VectorTable)
	d.puts("Booting Application...\n")
	d.log.WithField("entry", fmt.Sprintf("0x%08x", entry)).Info("Jumping to application")
	d.launcher.Jump(entry)
	return nil
}

// Hexdump writes n bytes of flash starting at addr, sixteen per line, with
// absolute addresses and an ASCII column.
func Hexdump(w io.Writer, mem io.ReaderAt, addr uint32, n int) error {
	buf := make([]byte, n)
	read, err := mem.ReadAt(buf, int64(addr))
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "read 0x%08x", addr)
	}
	buf = buf[:read]

	var line strings.Builder
	for off := 0; off < len(buf); off += 16 {
		row := buf[off:min(off+16, len(buf))]
		line.Reset()
		fmt.Fprintf(&line, "%08x: ", addr+uint32(off))
		for i := 0; i < 16; i++ {
			if i == 8 {
				line.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&line, "%02x ", row[i])
			} else {
				line.WriteString("   ")
			}
		}
		line.WriteString(" |")
		for _, b := range row {
			if b < 0x20 || b > 0x7e {
				b = '.'
			}
			line.WriteByte(b)
		}
		line.WriteString("|\n")
		if _, err := io.WriteString(w, line.String()); err != nil {
			return err
		}
	}
	return nil
}
