package iap

import (
	"encoding/binary"
	"io"

	"github.com/bigbag/hyperload/internal/flash"
)

// LPC4078 identification returned by the simulator.
const (
	SimPartID          = 0x47193F47
	SimBootCodeVersion = 0x0102
)

// lastSector is the highest sector number the ROM accepts on a 512 KiB part.
const lastSector = 29

// Simulator is a software model of the LPC40xx flash controller behind the
// IAP routine. Programming follows NOR semantics: a write can only clear
// bits, so writing over unerased flash corrupts it exactly as hardware does.
//
// Simulator is not safe for concurrent use, like the ROM routine it models.
type Simulator struct {
	mem      []byte
	prepared [lastSector + 1]bool
	faults   map[Op][]Result
	calls    []Op
}

// NewSimulator returns a simulator with fully erased flash.
func NewSimulator() *Simulator {
	s := &Simulator{
		mem:    make([]byte, flash.Size),
		faults: make(map[Op][]Result),
	}
	for i := range s.mem {
		s.mem[i] = flash.Erased
	}
	return s
}

// Load writes data directly into flash at offset, bypassing the controller.
// It is meant for preloading an application image.
func (s *Simulator) Load(offset uint32, data []byte) {
	copy(s.mem[offset:], data)
}

// ReadAt implements io.ReaderAt over the flash contents.
func (s *Simulator) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(s.mem)) {
		return 0, io.EOF
	}
	n := copy(p, s.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Fail queues results to be returned, in order, by the next calls of op.
// A queued failure short-circuits the operation without touching flash.
func (s *Simulator) Fail(op Op, results ...Result) {
	s.faults[op] = append(s.faults[op], results...)
}

// Calls returns the ops issued so far, in order.
func (s *Simulator) Calls() []Op {
	return s.calls
}

// Count returns how many times op was called.
func (s *Simulator) Count(op Op) int {
	n := 0
	for _, c := range s.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Call implements Client.
func (s *Simulator) Call(cmd Command) Status {
	s.calls = append(s.calls, cmd.Op)

	if q := s.faults[cmd.Op]; len(q) > 0 {
		s.faults[cmd.Op] = q[1:]
		if q[0] != Success {
			return Status{Result: q[0]}
		}
	}

	switch cmd.Op {
	case OpPrepare:
		return s.prepare(uint32(cmd.Params[0]), uint32(cmd.Params[1]))
	case OpErase:
		return s.erase(uint32(cmd.Params[0]), uint32(cmd.Params[1]))
	case OpBlankCheck:
		return s.blankCheck(uint32(cmd.Params[0]), uint32(cmd.Params[1]))
	case OpCopyRAMToFlash:
		return s.copyRAMToFlash(uint32(cmd.Params[0]), uint32(cmd.Params[2]), cmd.RAM)
	case OpCompare:
		return s.compare(uint32(cmd.Params[1]), uint32(cmd.Params[2]), cmd.RAM)
	case OpReadPartID:
		return Status{Result: Success, Params: [4]uintptr{SimPartID}}
	case OpReadBootCodeVersion:
		return Status{Result: Success, Params: [4]uintptr{SimBootCodeVersion}}
	default:
		return Status{Result: InvalidCommand}
	}
}

// sectorBounds returns the byte range of a physical sector, including the
// small boot sectors.
func sectorBounds(sector uint32) (start, end uint32) {
	if sector < flash.BootSectorCount {
		start = sector * flash.BootSectorSize
		return start, start + flash.BootSectorSize
	}
	start = flash.AppBase + (sector-flash.BootSectorCount)*flash.SectorSize
	return start, start + flash.SectorSize
}

func sectorOf(offset uint32) uint32 {
	if offset < flash.AppBase {
		return offset / flash.BootSectorSize
	}
	return flash.BootSectorCount + (offset-flash.AppBase)/flash.SectorSize
}

func validRange(start, end uint32) bool {
	return start <= end && end <= lastSector
}

func (s *Simulator) prepare(start, end uint32) Status {
	if !validRange(start, end) {
		return Status{Result: InvalidSector}
	}
	for i := start; i <= end; i++ {
		s.prepared[i] = true
	}
	return Status{Result: Success}
}

func (s *Simulator) erase(start, end uint32) Status {
	if !validRange(start, end) {
		return Status{Result: InvalidSector}
	}
	for i := start; i <= end; i++ {
		if !s.prepared[i] {
			return Status{Result: SectorNotPrepared}
		}
	}
	for i := start; i <= end; i++ {
		lo, hi := sectorBounds(i)
		for j := lo; j < hi; j++ {
			s.mem[j] = flash.Erased
		}
		s.prepared[i] = false
	}
	return Status{Result: Success}
}

func (s *Simulator) blankCheck(start, end uint32) Status {
	if !validRange(start, end) {
		return Status{Result: InvalidSector}
	}
	lo, _ := sectorBounds(start)
	_, hi := sectorBounds(end)
	for j := lo; j < hi; j += 4 {
		word := binary.LittleEndian.Uint32(s.mem[j : j+4])
		if word != 0xFFFFFFFF {
			return Status{
				Result: SectorNotBlank,
				Params: [4]uintptr{uintptr(j), uintptr(word)},
			}
		}
	}
	return Status{Result: Success}
}

func validWriteCount(n uint32) bool {
	switch n {
	case 256, 512, 1024, 4096:
		return true
	}
	return false
}

func (s *Simulator) copyRAMToFlash(dst, count uint32, src []byte) Status {
	if dst%256 != 0 {
		return Status{Result: DstAddrError}
	}
	if !validWriteCount(count) {
		return Status{Result: CountError}
	}
	if uint32(len(src)) < count {
		return Status{Result: SrcAddrNotMapped}
	}
	if dst+count > uint32(len(s.mem)) {
		return Status{Result: DstAddrNotMapped}
	}
	first, last := sectorOf(dst), sectorOf(dst+count-1)
	for i := first; i <= last; i++ {
		if !s.prepared[i] {
			return Status{Result: SectorNotPrepared}
		}
	}
	for i := uint32(0); i < count; i++ {
		s.mem[dst+i] &= src[i]
	}
	for i := first; i <= last; i++ {
		s.prepared[i] = false
	}
	return Status{Result: Success}
}

func (s *Simulator) compare(offset, count uint32, ram []byte) Status {
	if count%4 != 0 {
		return Status{Result: CountError}
	}
	if uint32(len(ram)) < count {
		return Status{Result: SrcAddrNotMapped}
	}
	if offset+count > uint32(len(s.mem)) {
		return Status{Result: DstAddrNotMapped}
	}
	for i := uint32(0); i < count; i++ {
		if s.mem[offset+i] != ram[i] {
			return Status{
				Result: CompareError,
				Params: [4]uintptr{uintptr(offset + i)},
			}
		}
	}
	return Status{Result: Success}
}
