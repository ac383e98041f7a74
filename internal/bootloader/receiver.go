package bootloader

import (
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/protocol"
)

// SlotSet records which block slots of a sector buffer hold received data.
type SlotSet uint8

// Add marks slot as filled.
func (s *SlotSet) Add(slot flash.Slot) {
	*s |= 1 << slot
}

// Has reports whether slot is filled.
func (s SlotSet) Has(slot flash.Slot) bool {
	return s&(1<<slot) != 0
}

// Len returns the number of filled slots.
func (s SlotSet) Len() int {
	return bits.OnesCount8(uint8(s))
}

// Full reports whether every slot of the sector is filled.
func (s SlotSet) Full() bool {
	return s.Len() == flash.BlocksPerSector
}

// Slots returns the filled slots in ascending order.
func (s SlotSet) Slots() []flash.Slot {
	out := make([]flash.Slot, 0, s.Len())
	for i := flash.Slot(0); i < flash.BlocksPerSector; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Reception is what arrived for one sector.
type Reception struct {
	// EndOfImage is set when the host sent the end-of-image block number
	EndOfImage bool

	// Slots holds the accepted blocks
	Slots SlotSet

	// Rejected counts blocks refused for a checksum mismatch
	Rejected int

	// Timeouts counts payload bytes that did not arrive in time
	Timeouts int
}

// ReceiveSector fills buf with blocks from the host until the sector is full
// or the host signals end of image. buf is erased first, so slots the host
// never sent, and blocks that failed the checksum, stay at the erased value.
//
// Every accepted block is acknowledged with Ready except the one that
// completes the sector; the host waits on that acknowledgement until the
// sector has been programmed.
func (d *Device) ReceiveSector(buf *flash.Buffer) Reception {
	buf.Erase()
	var rx Reception
	block := make([]byte, flash.BlockSize)

	d.send(protocol.Ready)
	for !rx.Slots.Full() {
		number := d.readBlockNumber()
		if number == protocol.EndOfImage {
			rx.EndOfImage = true
			d.log.WithField("blocks", rx.Slots.Len()).Debug("End of blocks")
			break
		}

		slot := flash.SlotOf(number)
		timeouts := d.readPayload(block)
		rx.Timeouts += timeouts

		want, _ := d.readByte(d.config.ByteTimeout, flash.Erased)
		got := protocol.Checksum(block)
		if got != want {
			rx.Rejected++
			d.log.WithFields(logrus.Fields{
				"block":    number,
				"checksum": got,
				"expected": want,
				"timeouts": timeouts,
			}).Warn("Block checksum mismatch")
			d.send(protocol.ChecksumError)
			continue
		}

		copy(buf.Block(slot), block)
		rx.Slots.Add(slot)
		d.log.WithFields(logrus.Fields{
			"block":  number,
			"slot":   slot,
			"filled": rx.Slots.Len(),
		}).Debug("Block received")
		if !rx.Slots.Full() {
			d.send(protocol.Ready)
		}
	}
	return rx
}

// readBlockNumber reads the two-byte block number. A missing byte reads as
// 0xFF, so a host that goes silent ends the image.
func (d *Device) readBlockNumber() uint16 {
	msb, _ := d.readByte(d.config.ByteTimeout, 0xFF)
	lsb, _ := d.readByte(d.config.ByteTimeout, 0xFF)
	return protocol.DecodeBlockNumber(msb, lsb)
}

// readPayload fills block from the link and returns how many bytes timed out.
// Missing bytes read as the erased value; the checksum catches them.
func (d *Device) readPayload(block []byte) int {
	timeouts := 0
	for i := range block {
		b, ok := d.readByte(d.config.ByteTimeout, flash.Erased)
		if !ok {
			timeouts++
		}
		block[i] = b
	}
	return timeouts
}
