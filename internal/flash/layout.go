// Package flash describes the on-chip flash geometry of the LPC40xx part the
// bootloader runs on, and maps application sectors and blocks to byte offsets.
//
// The bootloader partition is never addressable through this package: a
// Sector value can only name one of the application sectors.
package flash

import "fmt"

// Geometry constants.
const (
	BlockSize       = 0x1000 // 4 KiB, wire transfer unit
	BlocksPerSector = 8
	SectorSize      = BlockSize * BlocksPerSector // 32 KiB

	// Sectors 0-15 are small (4 KiB) sectors holding the bootloader.
	BootSectorCount = 16
	BootSectorSize  = 0x1000
	BootRegionSize  = BootSectorCount * BootSectorSize // 64 KiB

	// Application sectors are [FirstAppSector, EndAppSector).
	FirstAppSector = BootSectorCount
	EndAppSector   = 29
	AppSectorCount = EndAppSector - FirstAppSector

	// AppBase is the byte offset of the first application sector.
	AppBase = BootRegionSize

	// AppCapacity is the largest image the partition can hold.
	AppCapacity = AppSectorCount * SectorSize

	// Size is the total on-chip flash of the part.
	Size = 512 * 1024

	// Erased is the value of every byte of an erased sector.
	Erased = 0xFF
)

// Sector is an application sector. The zero value is the first application
// sector; there is no way to construct a Sector outside the application
// partition.
type Sector struct {
	off uint8
}

// FirstSector returns the first application sector.
func FirstSector() Sector {
	return Sector{}
}

// SectorAt returns the application sector with the given absolute index.
func SectorAt(index int) (Sector, bool) {
	if index < FirstAppSector || index >= EndAppSector {
		return Sector{}, false
	}
	return Sector{off: uint8(index - FirstAppSector)}, true
}

// Sectors returns every application sector in ascending order.
func Sectors() []Sector {
	s := make([]Sector, AppSectorCount)
	for i := range s {
		s[i] = Sector{off: uint8(i)}
	}
	return s
}

// Index returns the absolute sector number, as the IAP routine expects it.
func (s Sector) Index() uint32 {
	return uint32(FirstAppSector) + uint32(s.off)
}

// Next returns the following application sector. ok is false when s is the
// last one.
func (s Sector) Next() (next Sector, ok bool) {
	if int(s.off)+1 >= AppSectorCount {
		return s, false
	}
	return Sector{off: s.off + 1}, true
}

// Last reports whether s is the final application sector.
func (s Sector) Last() bool {
	return int(s.off) == AppSectorCount-1
}

// Offset returns the byte offset of the start of the sector.
func (s Sector) Offset() uint32 {
	return AppBase + uint32(s.off)*SectorSize
}

// BlockOffset returns the byte offset of a block slot within the sector.
func (s Sector) BlockOffset(slot Slot) uint32 {
	return s.Offset() + uint32(slot.Index())*BlockSize
}

func (s Sector) String() string {
	return fmt.Sprintf("sector %d", s.Index())
}

// Slot is a block position inside a sector.
type Slot uint8

// SlotOf maps a wire block number to its slot within the current sector.
func SlotOf(blockNumber uint16) Slot {
	return Slot(blockNumber % BlocksPerSector)
}

// Index returns the slot position, 0-7.
func (s Slot) Index() int {
	return int(s) % BlocksPerSector
}

// Buffer is one sector's worth of RAM, block addressable.
type Buffer [SectorSize]byte

// NewBuffer returns a buffer filled with the erased pattern.
func NewBuffer() *Buffer {
	b := new(Buffer)
	b.Erase()
	return b
}

// Erase fills the buffer with the erased pattern.
func (b *Buffer) Erase() {
	for i := range b {
		b[i] = Erased
	}
}

// Block returns the slice backing one slot.
func (b *Buffer) Block(slot Slot) []byte {
	start := slot.Index() * BlockSize
	return b[start : start+BlockSize]
}

// Application vector table. Entry 0 is the initial stack pointer, entry 1 the
// reset handler; both are little-endian words.
const (
	VectorTable      = AppBase
	ResetEntryOffset = VectorTable + 4
)
