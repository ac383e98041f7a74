package bootloader

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/iap"
	"github.com/bigbag/hyperload/internal/protocol"
)

func filledBuffer(slots ...flash.Slot) (*flash.Buffer, SlotSet) {
	buf := flash.NewBuffer()
	var set SlotSet
	for _, s := range slots {
		copy(buf.Block(s), imageBlock(int(s)))
		set.Add(s)
	}
	return buf, set
}

func allSlots() []flash.Slot {
	return []flash.Slot{0, 1, 2, 3, 4, 5, 6, 7}
}

func sectorContents(t *testing.T, sim *iap.Simulator, s flash.Sector) []byte {
	t.Helper()
	got := make([]byte, flash.SectorSize)
	_, err := sim.ReadAt(got, int64(s.Offset()))
	require.NoError(t, err)
	return got
}

func TestProgramSector_FullSector(t *testing.T) {
	sim := iap.NewSimulator()
	link := &scriptedLink{}
	leds := &fakeLEDs{}
	dev, clock := newTestDevice(link, sim, WithLEDs(leds))
	s := flash.FirstSector()
	buf, slots := filledBuffer(allSlots()...)

	dev.ProgramSector(s, buf, slots)

	assert.True(t, bytes.Equal(buf[:], sectorContents(t, sim, s)))
	assert.Empty(t, link.out.Bytes())
	assert.Equal(t, 8, sim.Count(iap.OpCopyRAMToFlash))
	assert.Equal(t, 1, sim.Count(iap.OpErase))
	assert.Equal(t, 1, sim.Count(iap.OpCompare))

	want := []time.Duration{10 * time.Millisecond}
	for i := 0; i < 8; i++ {
		want = append(want, 100*time.Millisecond)
	}
	assert.Equal(t, want, clock.sleeps)
	assert.Equal(t, []uint8{0}, leds.history)
}

func TestProgramSector_PartialSector(t *testing.T) {
	sim := iap.NewSimulator()
	dev, clock := newTestDevice(&scriptedLink{}, sim)
	s, ok := flash.SectorAt(21)
	require.True(t, ok)
	buf, slots := filledBuffer(0, 1, 2)

	dev.ProgramSector(s, buf, slots)

	got := sectorContents(t, sim, s)
	assert.True(t, bytes.Equal(buf[:], got))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{flash.Erased}, 5*flash.BlockSize), got[3*flash.BlockSize:]))
	assert.Equal(t, 3, sim.Count(iap.OpCopyRAMToFlash))
	assert.Equal(t, 3, clock.count(100*time.Millisecond))
}

func TestProgramSector_EmptySectorIsErased(t *testing.T) {
	sim := iap.NewSimulator()
	s := flash.FirstSector()
	sim.Load(s.Offset(), bytes.Repeat([]byte{0x5A}, flash.SectorSize))
	dev, _ := newTestDevice(&scriptedLink{}, sim)

	dev.ProgramSector(s, flash.NewBuffer(), 0)

	assert.True(t, bytes.Equal(bytes.Repeat([]byte{flash.Erased}, flash.SectorSize), sectorContents(t, sim, s)))
	assert.Zero(t, sim.Count(iap.OpCopyRAMToFlash))
}

func TestProgramSector_OverwritesPreviousImage(t *testing.T) {
	sim := iap.NewSimulator()
	s := flash.FirstSector()
	dev, _ := newTestDevice(&scriptedLink{}, sim)
	buf, slots := filledBuffer(allSlots()...)

	dev.ProgramSector(s, buf, slots)
	dev.ProgramSector(s, buf, slots)
	assert.True(t, bytes.Equal(buf[:], sectorContents(t, sim, s)))

	other := flash.NewBuffer()
	copy(other.Block(0), bytes.Repeat([]byte{0x0F}, flash.BlockSize))
	var one SlotSet
	one.Add(0)
	dev.ProgramSector(s, other, one)
	assert.True(t, bytes.Equal(other[:], sectorContents(t, sim, s)))
}

func TestProgramSector_RetriesWriteFailure(t *testing.T) {
	sim := iap.NewSimulator()
	sim.Fail(iap.OpCopyRAMToFlash, iap.Success, iap.Busy)
	link := &scriptedLink{}
	leds := &fakeLEDs{}
	var attempts []Attempt
	dev, _ := newTestDevice(link, sim, WithLEDs(leds), WithAttemptObserver(func(a Attempt) {
		attempts = append(attempts, a)
	}))
	s := flash.FirstSector()
	buf, slots := filledBuffer(allSlots()...)

	dev.ProgramSector(s, buf, slots)

	assert.True(t, bytes.Equal(buf[:], sectorContents(t, sim, s)))
	assert.Equal(t, []byte{protocol.FlashError}, link.out.Bytes())
	assert.Equal(t, 2, sim.Count(iap.OpErase))
	// two writes on the failed pass, eight on the clean one
	assert.Equal(t, 10, sim.Count(iap.OpCopyRAMToFlash))
	assert.Equal(t, []uint8{uint8(iap.Busy), 0}, leds.history)

	var failed []Attempt
	for _, a := range attempts {
		if a.Result != iap.Success {
			failed = append(failed, a)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, StateProgramBlocks, failed[0].State)
	assert.Equal(t, iap.OpCopyRAMToFlash, failed[0].Op)
	assert.Equal(t, 1, failed[0].Pass)
	assert.Equal(t, flash.Slot(1), failed[0].Slot)
	assert.Equal(t, 2, attempts[len(attempts)-1].Pass)
	assert.Equal(t, StateVerifySector, attempts[len(attempts)-1].State)
}

func TestProgramSector_ReportsFailedPrepare(t *testing.T) {
	sim := iap.NewSimulator()
	// the erase pass prepares first, the write of slot 0 second
	sim.Fail(iap.OpPrepare, iap.Success, iap.SectorNotPrepared)
	link := &scriptedLink{}
	var failed []Attempt
	dev, _ := newTestDevice(link, sim, WithAttemptObserver(func(a Attempt) {
		if a.Result != iap.Success {
			failed = append(failed, a)
		}
	}))
	s := flash.FirstSector()
	buf, slots := filledBuffer(0)

	dev.ProgramSector(s, buf, slots)

	assert.True(t, bytes.Equal(buf[:], sectorContents(t, sim, s)))
	assert.Equal(t, []byte{protocol.FlashError}, link.out.Bytes())
	require.Len(t, failed, 1)
	assert.Equal(t, iap.OpPrepare, failed[0].Op)
	assert.Equal(t, StateProgramBlocks, failed[0].State)
	assert.Equal(t, iap.SectorNotPrepared, failed[0].Result)
	assert.Equal(t, 1, sim.Count(iap.OpCopyRAMToFlash))
}

func TestProgramSector_RetriesEraseAndBlankCheck(t *testing.T) {
	sim := iap.NewSimulator()
	sim.Fail(iap.OpErase, iap.Busy, iap.Busy)
	sim.Fail(iap.OpBlankCheck, iap.SectorNotBlank)
	link := &scriptedLink{}
	dev, clock := newTestDevice(link, sim)
	s := flash.FirstSector()
	buf, slots := filledBuffer(0)

	dev.ProgramSector(s, buf, slots)

	assert.True(t, bytes.Equal(buf[:], sectorContents(t, sim, s)))
	assert.Equal(t, bytes.Repeat([]byte{protocol.FlashError}, 3), link.out.Bytes())
	assert.Equal(t, 4, sim.Count(iap.OpErase))
	assert.Equal(t, 2, sim.Count(iap.OpBlankCheck))
	// the settle delay precedes the phase, not each retry inside it
	assert.Equal(t, 1, clock.count(10*time.Millisecond))
}

func TestProgramSector_RetriesVerifyFailure(t *testing.T) {
	sim := iap.NewSimulator()
	sim.Fail(iap.OpCompare, iap.CompareError)
	link := &scriptedLink{}
	dev, clock := newTestDevice(link, sim)
	s := flash.FirstSector()
	buf, slots := filledBuffer(allSlots()...)

	dev.ProgramSector(s, buf, slots)

	assert.True(t, bytes.Equal(buf[:], sectorContents(t, sim, s)))
	assert.Equal(t, []byte{protocol.FlashError}, link.out.Bytes())
	assert.Equal(t, 2, sim.Count(iap.OpErase))
	assert.Equal(t, 2, sim.Count(iap.OpCompare))
	assert.Equal(t, 2, clock.count(10*time.Millisecond))
	assert.Equal(t, 16, clock.count(100*time.Millisecond))
}

func TestProgramSector_PassesCPUClockToROM(t *testing.T) {
	var khz []uintptr
	sim := iap.NewSimulator()
	client := iap.ClientFunc(func(cmd iap.Command) iap.Status {
		switch cmd.Op {
		case iap.OpErase:
			khz = append(khz, cmd.Params[2])
		case iap.OpCopyRAMToFlash:
			khz = append(khz, cmd.Params[3])
		}
		return sim.Call(cmd)
	})
	dev := New(&scriptedLink{}, client, sim, WithClock(&fakeClock{}), WithCPUClock(120000000))
	buf, slots := filledBuffer(0)

	dev.ProgramSector(flash.FirstSector(), buf, slots)

	assert.Equal(t, []uintptr{120000, 120000}, khz)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateEraseAndVerifyBlank, "erase"},
		{StateProgramBlocks, "program"},
		{StateVerifySector, "verify"},
		{StateDone, "done"},
		{State(9), "state(9)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}
