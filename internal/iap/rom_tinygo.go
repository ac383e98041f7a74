//go:build tinygo && cortexm

package iap

/*
typedef unsigned long uint32_t;
typedef unsigned long uintptr_t;

typedef void (*iap_entry_fn)(uint32_t *command, uint32_t *result);

static void iap_call(uintptr_t entry, uint32_t *command, uint32_t *result) {
    ((iap_entry_fn)entry)(command, result);
}
*/
import "C"

import (
	"device/arm"
	"unsafe"
)

// ROM calls the mask-ROM IAP routine at EntryPoint. Interrupts are masked for
// the duration of the call: flash is unreadable while the ROM erases or
// writes it, and the vector table lives there.
type ROM struct{}

// Call implements Client.
func (ROM) Call(cmd Command) Status {
	command := encodeCommand(cmd)
	var result [romWords]uint32

	mask := arm.DisableInterrupts()
	C.iap_call(C.uintptr_t(EntryPoint),
		(*C.uint32_t)(unsafe.Pointer(&command[0])),
		(*C.uint32_t)(unsafe.Pointer(&result[0])))
	arm.EnableInterrupts(mask)

	return decodeStatus(result)
}

var _ Client = ROM{}
