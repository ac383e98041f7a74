package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Checksum returns the block checksum: the sum of all bytes, truncated to
// 8 bits.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// EncodeBlockNumber returns the two wire bytes of a block number, MSB first.
func EncodeBlockNumber(n uint16) [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	return b
}

// DecodeBlockNumber assembles a block number from its wire bytes.
func DecodeBlockNumber(msb, lsb byte) uint16 {
	return uint16(msb)<<8 | uint16(lsb)
}

// EncodeBlock serializes one block for the wire:
// 0-1: block number (big-endian)
// 2..2+len(data): payload
// last: checksum
func EncodeBlock(n uint16, data []byte) []byte {
	frame := make([]byte, 2+len(data)+1)
	binary.BigEndian.PutUint16(frame[0:2], n)
	copy(frame[2:], data)
	frame[len(frame)-1] = Checksum(data)
	return frame
}

// Descriptor is the capability line the device sends after negotiation.
type Descriptor struct {
	Chip         string
	BlockSize    int
	HalfBootSize int
	FlashSizeKiB int
}

// String formats the descriptor as it appears on the wire, including the
// trailing newline.
func (d Descriptor) String() string {
	return fmt.Sprintf("$%s:%d:%d:%d\n", d.Chip, d.BlockSize, d.HalfBootSize, d.FlashSizeKiB)
}

// BootSize returns the size of the protected boot region in bytes.
func (d Descriptor) BootSize() int {
	return 2 * d.HalfBootSize
}

// Capacity returns the number of bytes available above the boot region.
func (d Descriptor) Capacity() int {
	return d.FlashSizeKiB*1024 - d.BootSize()
}

// ParseDescriptor parses a "$name:block:halfboot:flashKiB" line.
func ParseDescriptor(line string) (*Descriptor, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "$") {
		return nil, fmt.Errorf("descriptor must start with '$': %q", line)
	}

	fields := strings.Split(line[1:], ":")
	if len(fields) != 4 {
		return nil, fmt.Errorf("descriptor has %d fields, want 4: %q", len(fields), line)
	}
	if fields[0] == "" {
		return nil, fmt.Errorf("descriptor has empty chip name: %q", line)
	}

	var nums [3]int
	for i, f := range fields[1:] {
		v, err := strconv.Atoi(f)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("descriptor field %d invalid: %q", i+2, f)
		}
		nums[i] = v
	}

	return &Descriptor{
		Chip:         fields[0],
		BlockSize:    nums[0],
		HalfBootSize: nums[1],
		FlashSizeKiB: nums[2],
	}, nil
}
