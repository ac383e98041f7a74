//go:build tinygo && cortexm

package lpc40xx

import (
	"device/arm"
	"runtime/volatile"
	"unsafe"
)

func reg(addr uintptr) *volatile.Register32 {
	return (*volatile.Register32)(unsafe.Pointer(addr))
}

// Launcher hands control to an application in flash.
type Launcher struct{}

// DisableSystemTimer stops SysTick so the application starts without a
// pending tick.
func (Launcher) DisableSystemTimer() {
	reg(SysTickCSR).Set(0)
}

// SetVectorTable points VTOR at the application's vector table.
func (Launcher) SetVectorTable(addr uint32) {
	reg(VTOR).Set(vectorTableOffset(addr))
	arm.Asm("dsb")
	arm.Asm("isb")
}

// Jump branches to entry and does not return. The stack pointer stays where
// the bootloader left it.
func (Launcher) Jump(entry uint32) {
	arm.AsmFull("bx {entry}", map[string]interface{}{
		"entry": entry,
	})
	for {
	}
}

// FlashAccelerator sets the flash access time in FLASHCFG.
type FlashAccelerator struct{}

// SetClocksPerAccess implements the bootloader's flash accelerator hook.
func (FlashAccelerator) SetClocksPerAccess(clocks int) {
	r := reg(FLASHCFG)
	r.Set(flashConfig(r.Get(), clocks))
}
