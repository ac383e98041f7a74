package bootloader

import (
	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/protocol"
)

// Negotiation describes the link agreed during the handshake.
type Negotiation struct {
	ControlWord uint32
	Approx      float64
	BaudRate    int
}

// Handshake runs the host handshake. It returns nil when no host answered the
// probe, in which case the transport is left at its current rate.
//
// On success the control word has been echoed, the transport switched to the
// negotiated rate and the device descriptor announced.
func (d *Device) Handshake() *Negotiation {
	cfg := d.config

	// Swallow whatever noise arrived while the UART came up.
	d.readByte(cfg.HandshakeTimeout, 0)

	d.send(protocol.Flush)
	probe, ok := d.readByte(cfg.HandshakeTimeout, 0)
	if !ok || probe != protocol.Probe {
		d.log.WithField("probe", probe).Info("No host present")
		return nil
	}

	if d.accel != nil {
		d.accel.SetClocksPerAccess(clampClocks(cfg.FlashClocksPerAccess))
	}
	d.send(protocol.Ack)

	var word [4]byte
	for i := range word {
		word[i], _ = d.readByte(cfg.HandshakeTimeout, 0)
	}
	d.send(word[0])

	cw := protocol.DecodeControlWord(word)
	approx := protocol.ApproxBaudRate(cfg.NegotiationClock, cw)
	n := &Negotiation{
		ControlWord: cw,
		Approx:      approx,
		BaudRate:    protocol.NearestBaudRate(approx),
	}
	d.log.WithFields(logrus.Fields{
		"control_word": cw,
		"approx":       int(approx),
		"baud":         n.BaudRate,
	}).Info("Baud rate negotiated")

	if err := d.link.SetBaudRate(n.BaudRate); err != nil {
		d.log.WithError(err).Error("Failed to switch baud rate")
	}
	d.clock.Sleep(cfg.BaudSettle)

	d.puts(cfg.Descriptor.String())
	return n
}

// clampClocks limits the accelerator setting to the 1..6 CPU clocks the
// flash controller supports.
func clampClocks(n int) int {
	switch {
	case n < 1:
		return 1
	case n > 6:
		return 6
	}
	return n
}
