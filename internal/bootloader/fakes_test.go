package bootloader

import (
	"bytes"
	"time"

	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/protocol"
	"github.com/bigbag/hyperload/internal/transport"
)

// scriptedLink replays a fixed host byte stream and records device output.
// Reads past the end of the script time out immediately.
type scriptedLink struct {
	in    []byte
	out   bytes.Buffer
	bauds []int
}

func (l *scriptedLink) feed(b ...byte) {
	l.in = append(l.in, b...)
}

func (l *scriptedLink) ReadByteTimeout(time.Duration) (byte, error) {
	if len(l.in) == 0 {
		return 0, transport.ErrTimeout
	}
	b := l.in[0]
	l.in = l.in[1:]
	return b, nil
}

func (l *scriptedLink) WriteByte(b byte) error {
	return l.out.WriteByte(b)
}

func (l *scriptedLink) Write(p []byte) (int, error) {
	return l.out.Write(p)
}

func (l *scriptedLink) SetBaudRate(baud int) error {
	l.bauds = append(l.bauds, baud)
	return nil
}

type fakeClock struct {
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
}

func (c *fakeClock) count(d time.Duration) int {
	n := 0
	for _, s := range c.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

type fakeLEDs struct {
	history []uint8
}

func (l *fakeLEDs) SetAll(p uint8) {
	l.history = append(l.history, p)
}

type fakeButton bool

func (b fakeButton) Pressed() bool { return bool(b) }

type fakeLauncher struct {
	calls  []string
	vector uint32
	entry  uint32
}

func (l *fakeLauncher) DisableSystemTimer() {
	l.calls = append(l.calls, "systick")
}

func (l *fakeLauncher) SetVectorTable(addr uint32) {
	l.calls = append(l.calls, "vtor")
	l.vector = addr
}

func (l *fakeLauncher) Jump(entry uint32) {
	l.calls = append(l.calls, "jump")
	l.entry = entry
}

type fakeAccel struct {
	clocks []int
}

func (a *fakeAccel) SetClocksPerAccess(n int) {
	a.clocks = append(a.clocks, n)
}

// imageBlock returns block n of a deterministic test image.
func imageBlock(n int) []byte {
	b := make([]byte, flash.BlockSize)
	for i := range b {
		b[i] = byte(i*7 + n*13 + 1)
	}
	return b
}

// feedBlock queues block n as the host would send it.
func (l *scriptedLink) feedBlock(n int) {
	l.feed(protocol.EncodeBlock(uint16(n), imageBlock(n))...)
}

func (l *scriptedLink) feedEnd() {
	end := protocol.EncodeBlockNumber(protocol.EndOfImage)
	l.feed(end[:]...)
}

// statusBytes returns the device output with the descriptor and console text
// removed, leaving only single-byte status codes.
func statusBytes(out []byte) []byte {
	var s []byte
	for _, b := range out {
		switch b {
		case protocol.Ready, protocol.ChecksumError, protocol.FlashError, protocol.Finished:
			s = append(s, b)
		}
	}
	return s
}
