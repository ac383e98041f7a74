// Package lpc40xx binds the bootloader's hardware edges to LPC40xx registers:
// the system timer, the vector table offset register, the flash accelerator
// and the jump into the application. The register access is only built with
// TinyGo for Cortex-M targets; the address map and register maths below are
// plain Go.
package lpc40xx

// Register addresses.
const (
	SysTickCSR = 0xE000E010 // SysTick control and status
	VTOR       = 0xE000ED08 // vector table offset
	FLASHCFG   = 0x400FC000 // flash accelerator configuration
)

// FLASHCFG bits 15:12 hold the flash access time in CPU clocks minus one.
// The remaining bits must keep their reset value.
const (
	flashTimShift = 12
	flashTimMask  = 0xF << flashTimShift
)

// flashConfig returns reg with the access time set to clocks CPU clocks,
// clamped to the 1..6 the controller supports.
func flashConfig(reg uint32, clocks int) uint32 {
	if clocks < 1 {
		clocks = 1
	}
	if clocks > 6 {
		clocks = 6
	}
	return reg&^flashTimMask | uint32(clocks-1)<<flashTimShift
}

// vectorTableOffset returns the VTOR value for a table at addr. The low seven
// bits are reserved; tables are aligned to 128 bytes.
func vectorTableOffset(addr uint32) uint32 {
	return addr &^ 0x7F
}
