package protocol

import (
	"encoding/binary"
	"math"
)

// StandardBaudRates are the rates a negotiated approximation snaps to.
var StandardBaudRates = []int{
	4800,
	9600,
	19200,
	38400,
	57600,
	115200,
	230400,
	576000,
	921600,
	1000000,
	1152000,
	1500000,
	2000000,
	2500000,
	3000000,
}

// BaudTolerance is the largest relative error accepted when snapping an
// approximate rate to a table entry.
const BaudTolerance = 0.30

// ApproxBaudRate converts a control word into the rate the host intends,
// given the clock the host computed it for: clock / (cw + 1) / 16.
func ApproxBaudRate(clock uint32, controlWord uint32) float64 {
	return float64(clock) / (float64(controlWord) + 1) / 16
}

// NearestBaudRate returns the table entry closest to approx, or
// DefaultBaudRate if no entry is within BaudTolerance.
func NearestBaudRate(approx float64) int {
	best := DefaultBaudRate
	bestErr := math.Inf(1)
	for _, rate := range StandardBaudRates {
		relErr := math.Abs(approx-float64(rate)) / float64(rate)
		if relErr <= BaudTolerance && relErr < bestErr {
			best = rate
			bestErr = relErr
		}
	}
	return best
}

// ControlWordFor returns the control word a host sends to request baud.
func ControlWordFor(clock uint32, baud int) uint32 {
	if baud <= 0 {
		return 0
	}
	cw := math.Round(float64(clock)/(16*float64(baud))) - 1
	if cw < 0 {
		return 0
	}
	return uint32(cw)
}

// EncodeControlWord returns the four wire bytes of a control word, MSB first.
func EncodeControlWord(cw uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], cw)
	return b
}

// DecodeControlWord assembles a control word from its wire bytes.
func DecodeControlWord(b [4]byte) uint32 {
	return binary.BigEndian.Uint32(b[:])
}
