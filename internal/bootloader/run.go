package bootloader

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/protocol"
)

// UpdateReport summarises a completed update.
type UpdateReport struct {
	Sectors  int
	Blocks   int
	Rejected int
	Timeouts int

	// Truncated is set when the partition filled before the host ended the
	// image
	Truncated bool
}

// Outcome is how Run ended.
type Outcome struct {
	// Negotiation is nil when no host answered the probe
	Negotiation *Negotiation

	// Update is nil when no update ran
	Update *UpdateReport

	Decision Decision
	Entry    uint32

	// Err is set when the launch could not be performed
	Err error
}

// Halted reports whether the bootloader stopped without launching.
func (o Outcome) Halted() bool {
	return o.Decision != DecisionLaunch || o.Err != nil
}

// Update receives and programs sectors until the host ends the image or the
// application partition is full, then signals completion.
func (d *Device) Update() *UpdateReport {
	report := &UpdateReport{}
	buf := flash.NewBuffer()
	sector := flash.FirstSector()

	for {
		rx := d.ReceiveSector(buf)
		d.ProgramSector(sector, buf, rx.Slots)

		report.Sectors++
		report.Blocks += rx.Slots.Len()
		report.Rejected += rx.Rejected
		report.Timeouts += rx.Timeouts

		if rx.EndOfImage {
			break
		}
		next, ok := sector.Next()
		if !ok {
			report.Truncated = true
			d.log.WithField("sector", sector.Index()).Warn("Application partition full")
			break
		}
		sector = next
	}

	d.log.WithFields(logrus.Fields{
		"sectors":   report.Sectors,
		"blocks":    report.Blocks,
		"rejected":  report.Rejected,
		"timeouts":  report.Timeouts,
		"truncated": report.Truncated,
	}).Info("Programming Finished!")

	d.clock.Sleep(d.config.FinishDelay)
	d.send(protocol.Finished)
	return report
}

// Run is the bootloader entry: handshake, optional update, then the boot
// decision. It returns only when the bootloader halts or, with a simulated
// launcher, after the jump.
func (d *Device) Run() Outcome {
	d.log.Info("Bootloader Debug Port Initialized!")

	var out Outcome
	out.Negotiation = d.Handshake()
	if out.Negotiation != nil {
		out.Update = d.Update()
	}

	if err := d.link.SetBaudRate(d.config.ConsoleBaudRate); err != nil {
		d.log.WithError(err).Error("Failed to restore console baud rate")
	}
	d.puts(fmt.Sprintf("Hyperload Version (%d.%d)\n", VersionMajor, VersionMinor))

	out.Decision, out.Entry = d.Decide()
	switch out.Decision {
	case DecisionDump:
		d.puts(fmt.Sprintf("Hexdump @ 0x%08x\n", flash.AppBase))
		if err := Hexdump(d.link, d.mem, flash.AppBase, d.config.DumpSize); err != nil {
			d.log.WithError(err).Error("Hexdump failed")
		}
		d.log.Info("Diagnostic dump complete, halting")

	case DecisionNotFound:
		d.puts("Application Not Found, Halting System ...\n")
		d.log.Warn("Application Not Found, Halting System ...")

	case DecisionLaunch:
		d.puts(fmt.Sprintf("Application Reset ISR value = 0x%08x\n", out.Entry))
		out.Err = d.Launch(out.Entry)
		if out.Err != nil {
			d.log.WithError(out.Err).Error("Launch failed")
		}
	}
	return out
}
