// Package iap wraps the LPC40xx in-application programming service, the mask
// ROM routine that erases, programs and verifies on-chip flash.
//
// The ROM routine takes a command record and fills a status record. Client
// abstracts that single call so a board port can bind it to the ROM entry
// point and tests can substitute Simulator.
package iap

import (
	"fmt"
	"unsafe"

	"github.com/bigbag/hyperload/internal/flash"
)

// EntryPoint is the ROM address of the IAP routine on LPC17xx/LPC40xx parts.
// The routine is Thumb code, hence the odd address.
const EntryPoint = 0x1FFF1FF1

// Op is an IAP command code.
type Op uint32

// IAP command codes.
const (
	OpPrepare             Op = 50
	OpCopyRAMToFlash      Op = 51
	OpErase               Op = 52
	OpBlankCheck          Op = 53
	OpReadPartID          Op = 54
	OpReadBootCodeVersion Op = 55
	OpCompare             Op = 56
	OpReinvokeISP         Op = 57
	OpReadSerialNumber    Op = 58
)

func (o Op) String() string {
	switch o {
	case OpPrepare:
		return "prepare"
	case OpCopyRAMToFlash:
		return "copy-ram-to-flash"
	case OpErase:
		return "erase"
	case OpBlankCheck:
		return "blank-check"
	case OpReadPartID:
		return "read-part-id"
	case OpReadBootCodeVersion:
		return "read-boot-code-version"
	case OpCompare:
		return "compare"
	case OpReinvokeISP:
		return "reinvoke-isp"
	case OpReadSerialNumber:
		return "read-serial-number"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// Result is the status code returned by the ROM routine.
type Result uint32

// IAP result codes.
const (
	Success Result = iota
	InvalidCommand
	SrcAddrError
	DstAddrError
	SrcAddrNotMapped
	DstAddrNotMapped
	CountError
	InvalidSector
	SectorNotBlank
	SectorNotPrepared
	CompareError
	Busy
)

var resultNames = [...]string{
	"kCmdSuccess", "kInvalidCommand", "kSrcAddrError", "kDstAddrError",
	"kSrcAddrNotMapped", "kDstAddrNotMapped", "kCountError", "kInvalidSector",
	"kSectorNotBlank", "kSectorNotPrepared", "kCompareError", "kBusy",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("kUnknown(%d)", uint32(r))
}

// Error implements error so a failed Result can be returned directly.
func (r Result) Error() string {
	return "iap: " + r.String()
}

// OK reports whether r is Success.
func (r Result) OK() bool {
	return r == Success
}

// Err returns nil for Success and r otherwise.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	return r
}

// Command is the IAP command record.
type Command struct {
	Op     Op
	Params [4]uintptr

	// RAM is the RAM-side operand of copy and compare. Its address is
	// already in the source parameter; the slice lets a software model read
	// the bytes without dereferencing a raw address.
	RAM []byte
}

// Status is the IAP status record.
type Status struct {
	Result Result
	Params [4]uintptr
}

// Client performs one synchronous, non-reentrant IAP call.
type Client interface {
	Call(cmd Command) Status
}

// ClientFunc adapts a function to Client.
type ClientFunc func(cmd Command) Status

// Call implements Client.
func (f ClientFunc) Call(cmd Command) Status {
	return f(cmd)
}

func ramAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// Prepare unlocks the sector for the next erase or write. The ROM accepts a
// sector range; the bootloader only ever operates on one sector at a time.
func Prepare(c Client, s flash.Sector) Result {
	st := c.Call(Command{
		Op:     OpPrepare,
		Params: [4]uintptr{uintptr(s.Index()), uintptr(s.Index())},
	})
	return st.Result
}

// Erase prepares and then erases the sector. clockKHz is the CPU clock the ROM
// uses for erase timing. The returned Op is the last command issued: OpPrepare
// when the prepare step failed.
func Erase(c Client, s flash.Sector, clockKHz uint32) (Op, Result) {
	if r := Prepare(c, s); r != Success {
		return OpPrepare, r
	}
	st := c.Call(Command{
		Op:     OpErase,
		Params: [4]uintptr{uintptr(s.Index()), uintptr(s.Index()), uintptr(clockKHz)},
	})
	return OpErase, st.Result
}

// BlankCheck verifies the sector is erased. On SectorNotBlank the returned
// status carries the offset and contents of the first non-blank word.
func BlankCheck(c Client, s flash.Sector) Status {
	return c.Call(Command{
		Op:     OpBlankCheck,
		Params: [4]uintptr{uintptr(s.Index()), uintptr(s.Index())},
	})
}

// CopyRAMToFlash prepares the sector and writes src into the block slot. Like
// Erase it reports which command produced the result.
func CopyRAMToFlash(c Client, s flash.Sector, slot flash.Slot, src []byte, clockKHz uint32) (Op, Result) {
	if r := Prepare(c, s); r != Success {
		return OpPrepare, r
	}
	st := c.Call(Command{
		Op:     OpCopyRAMToFlash,
		Params: [4]uintptr{uintptr(s.BlockOffset(slot)), ramAddr(src), uintptr(len(src)), uintptr(clockKHz)},
		RAM:    src,
	})
	return OpCopyRAMToFlash, st.Result
}

// Compare checks the sector contents against ram, byte for byte. On
// CompareError the status carries the offset of the first mismatch.
func Compare(c Client, s flash.Sector, ram []byte) Status {
	return c.Call(Command{
		Op:     OpCompare,
		Params: [4]uintptr{ramAddr(ram), uintptr(s.Offset()), uintptr(len(ram))},
		RAM:    ram,
	})
}

// ReadPartID returns the part identification number.
func ReadPartID(c Client) (uint32, error) {
	st := c.Call(Command{Op: OpReadPartID})
	if err := st.Result.Err(); err != nil {
		return 0, err
	}
	return uint32(st.Params[0]), nil
}

// ReadBootCodeVersion returns the ROM boot code version as major, minor.
func ReadBootCodeVersion(c Client) (major, minor uint8, err error) {
	st := c.Call(Command{Op: OpReadBootCodeVersion})
	if err := st.Result.Err(); err != nil {
		return 0, 0, err
	}
	v := uint32(st.Params[0])
	return uint8(v >> 8), uint8(v), nil
}
