// Package image loads application images for the Hyperload bootloader from
// raw binaries or Intel HEX files.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"

	"github.com/bigbag/hyperload/internal/flash"
)

// Image is an application image placed at the start of the application
// partition.
type Image struct {
	Base uint32
	Data []byte
}

// ErrEmpty is returned for an image with no data.
var ErrEmpty = errors.New("image is empty")

// TooLargeError reports an image that does not fit the application partition.
type TooLargeError struct {
	Size     int
	Capacity int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("image is %d bytes, partition holds %d", e.Size, e.Capacity)
}

// Load reads an image file. Files ending in .hex or .ihex are parsed as
// Intel HEX; anything else is a raw binary linked at the application base.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		img, err := ParseHex(f)
		return img, errors.Wrapf(err, "parse %s", path)
	default:
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		img, err := FromBinary(data)
		return img, errors.Wrapf(err, "load %s", path)
	}
}

// FromBinary wraps a raw binary linked at the application base.
func FromBinary(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data) > flash.AppCapacity {
		return nil, &TooLargeError{Size: len(data), Capacity: flash.AppCapacity}
	}
	return &Image{Base: flash.AppBase, Data: data}, nil
}

// ParseHex reads an Intel HEX image. Every data record must lie inside the
// application partition; gaps between records are filled with the erased
// value.
func ParseHex(r io.Reader) (*Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, err
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, ErrEmpty
	}

	end := uint32(flash.AppBase)
	for _, seg := range segments {
		if seg.Address < flash.AppBase {
			return nil, errors.Errorf("record at 0x%08x is inside the bootloader region", seg.Address)
		}
		if e := seg.Address + uint32(len(seg.Data)); e > end {
			end = e
		}
	}
	size := int(end - flash.AppBase)
	if size > flash.AppCapacity {
		return nil, &TooLargeError{Size: size, Capacity: flash.AppCapacity}
	}

	data := bytes.Repeat([]byte{flash.Erased}, size)
	for _, seg := range segments {
		copy(data[seg.Address-flash.AppBase:], seg.Data)
	}
	return &Image{Base: flash.AppBase, Data: data}, nil
}

// Len returns the image size in bytes.
func (img *Image) Len() int {
	return len(img.Data)
}

// Blocks returns the number of transfer blocks the image occupies.
func (img *Image) Blocks() int {
	return (len(img.Data) + flash.BlockSize - 1) / flash.BlockSize
}

// Block returns block n, padded to the block size with the erased value.
func (img *Image) Block(n int) []byte {
	block := bytes.Repeat([]byte{flash.Erased}, flash.BlockSize)
	start := n * flash.BlockSize
	if start < len(img.Data) {
		copy(block, img.Data[start:])
	}
	return block
}

// StackPointer returns the initial stack pointer from the vector table.
func (img *Image) StackPointer() uint32 {
	return img.word(0)
}

// ResetEntry returns the reset handler address from the vector table.
func (img *Image) ResetEntry() uint32 {
	return img.word(4)
}

func (img *Image) word(off int) uint32 {
	if len(img.Data) < off+4 {
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(img.Data[off : off+4])
}

// Bootable reports whether the bootloader will launch this image: the reset
// vector must not read as erased flash.
func (img *Image) Bootable() bool {
	return img.ResetEntry() != 0xFFFFFFFF
}

// WriteHex writes the image as Intel HEX with 16-byte records.
func (img *Image) WriteHex(w io.Writer) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(img.Base, img.Data); err != nil {
		return err
	}
	return mem.DumpIntelHex(w, 16)
}
