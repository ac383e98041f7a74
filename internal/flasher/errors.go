package flasher

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoBootloader is returned when no flush byte arrived after reset.
	ErrNoBootloader = errors.New("no bootloader answered")

	// ErrNotConnected is returned by FlashImage before a successful Connect.
	ErrNotConnected = errors.New("not connected")

	// ErrNoResponse is returned when the device stopped sending status bytes.
	ErrNoResponse = errors.New("no response from device")
)

// EchoMismatchError indicates the device echoed a different control byte.
type EchoMismatchError struct {
	Sent byte
	Got  byte
}

func (e *EchoMismatchError) Error() string {
	return fmt.Sprintf("control word echo mismatch: sent 0x%02X, got 0x%02X", e.Sent, e.Got)
}

// ChecksumError indicates a block kept failing its checksum on the device.
type ChecksumError struct {
	Block    int
	Attempts int
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("block %d rejected after %d attempts", e.Block, e.Attempts)
}

// ImageTooLargeError indicates the image does not fit the device partition.
type ImageTooLargeError struct {
	Size     int
	Capacity int
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image is %d bytes, device accepts %d", e.Size, e.Capacity)
}
