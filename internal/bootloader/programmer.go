package bootloader

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/iap"
	"github.com/bigbag/hyperload/internal/protocol"
)

// State is a step of the sector programming state machine.
type State int

// Programming states.
const (
	StateEraseAndVerifyBlank State = iota
	StateProgramBlocks
	StateVerifySector
	StateDone
)

func (s State) String() string {
	switch s {
	case StateEraseAndVerifyBlank:
		return "erase"
	case StateProgramBlocks:
		return "program"
	case StateVerifySector:
		return "verify"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Attempt reports the outcome of one flash step.
type Attempt struct {
	Sector flash.Sector
	State  State

	// Pass counts entries into StateEraseAndVerifyBlank for this sector,
	// starting at 1
	Pass int

	// Op is the IAP command that produced Result
	Op iap.Op

	// Slot is the block being written in StateProgramBlocks
	Slot flash.Slot

	Result iap.Result
}

// AttemptObserver receives every flash step outcome, successful or not.
// The programmer retries without bound; an observer is the way to notice a
// sector that never converges.
type AttemptObserver func(Attempt)

// ProgramSector writes the filled slots of buf into s and returns only once
// the sector reads back identical to buf.
//
// Any failure sends the sector back to erase: partially written NOR flash
// cannot be rewritten in place. There is no retry limit. Each failed step
// sends FlashError to the host and shows the result code on the LEDs.
func (d *Device) ProgramSector(s flash.Sector, buf *flash.Buffer, slots SlotSet) {
	log := d.log.WithField("sector", s.Index())
	state := StateEraseAndVerifyBlank
	pass := 0
	log.WithField("blocks", slots.Len()).Debug("Flashing sector")

	for state != StateDone {
		switch state {
		case StateEraseAndVerifyBlank:
			pass++
			d.eraseAndVerifyBlank(s, pass, log)
			state = StateProgramBlocks

		case StateProgramBlocks:
			if d.programBlocks(s, buf, slots, pass, log) {
				state = StateVerifySector
			} else {
				state = StateEraseAndVerifyBlank
			}

		case StateVerifySector:
			st := iap.Compare(d.iap, s, buf[:])
			d.observe(Attempt{Sector: s, State: StateVerifySector, Pass: pass, Op: iap.OpCompare, Result: st.Result})
			if st.Result != iap.Success {
				d.flashFailed(st.Result)
				log.WithFields(logrus.Fields{
					"result": st.Result,
					"offset": fmt.Sprintf("0x%08x", uint32(st.Params[0])),
				}).Warn("Sector verify failed")
				state = StateEraseAndVerifyBlank
				continue
			}
			state = StateDone
		}
	}

	d.leds.SetAll(0)
	log.WithFields(logrus.Fields{
		"blocks": slots.Len(),
		"passes": pass,
	}).Info("Sector programmed")
}

// eraseAndVerifyBlank erases s until a blank check passes.
func (d *Device) eraseAndVerifyBlank(s flash.Sector, pass int, log logrus.FieldLogger) {
	d.clock.Sleep(d.config.EraseSettle)
	for {
		op, r := iap.Erase(d.iap, s, d.clockKHz())
		d.observe(Attempt{Sector: s, State: StateEraseAndVerifyBlank, Pass: pass, Op: op, Result: r})
		if r != iap.Success {
			d.flashFailed(r)
			log.WithFields(logrus.Fields{
				"result": r,
				"op":     op,
			}).Warn("Sector erase failed")
			continue
		}

		st := iap.BlankCheck(d.iap, s)
		d.observe(Attempt{Sector: s, State: StateEraseAndVerifyBlank, Pass: pass, Op: iap.OpBlankCheck, Result: st.Result})
		if st.Result != iap.Success {
			d.flashFailed(st.Result)
			log.WithFields(logrus.Fields{
				"result": st.Result,
				"offset": fmt.Sprintf("0x%08x", uint32(st.Params[0])),
				"word":   fmt.Sprintf("0x%08x", uint32(st.Params[1])),
			}).Warn("Sector blank check failed")
			continue
		}
		log.Debug("Flash erased and verified blank")
		return
	}
}

// programBlocks writes each filled slot in ascending order. It reports false
// on the first failure; the caller restarts from erase.
func (d *Device) programBlocks(s flash.Sector, buf *flash.Buffer, slots SlotSet, pass int, log logrus.FieldLogger) bool {
	for _, slot := range slots.Slots() {
		op, r := iap.CopyRAMToFlash(d.iap, s, slot, buf.Block(slot), d.clockKHz())
		d.observe(Attempt{Sector: s, State: StateProgramBlocks, Pass: pass, Op: op, Slot: slot, Result: r})
		if r != iap.Success {
			d.flashFailed(r)
			log.WithFields(logrus.Fields{
				"result": r,
				"op":     op,
				"slot":   slot,
			}).Warn("Block write failed")
			return false
		}
		d.clock.Sleep(d.config.BlockDelay)
	}
	return true
}

func (d *Device) flashFailed(r iap.Result) {
	d.send(protocol.FlashError)
	d.leds.SetAll(uint8(r) & 0x0F)
}

func (d *Device) observe(a Attempt) {
	if d.observer != nil {
		d.observer(a)
	}
}

func (d *Device) clockKHz() uint32 {
	return d.config.CPUClock / 1000
}
