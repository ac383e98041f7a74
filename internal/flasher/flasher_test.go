package flasher

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/hyperload/internal/bootloader"
	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/iap"
	"github.com/bigbag/hyperload/internal/protocol"
	"github.com/bigbag/hyperload/internal/transport"
)

type noSleep struct{}

func (noSleep) Sleep(time.Duration) {}

type recordingLauncher struct {
	mu    sync.Mutex
	entry uint32
}

func (l *recordingLauncher) DisableSystemTimer() {}
func (l *recordingLauncher) SetVectorTable(uint32) {}
func (l *recordingLauncher) Jump(entry uint32) {
	l.mu.Lock()
	l.entry = entry
	l.mu.Unlock()
}

// rig connects a Flasher to a simulated bootloader over an in-memory pipe.
type rig struct {
	host     *transport.Stream
	sim      *iap.Simulator
	launcher *recordingLauncher
	outcome  chan bootloader.Outcome
}

func newRig(t *testing.T, sim *iap.Simulator) *rig {
	t.Helper()
	hostConn, devConn := net.Pipe()
	r := &rig{
		host:     transport.NewStream(hostConn),
		sim:      sim,
		launcher: &recordingLauncher{},
		outcome:  make(chan bootloader.Outcome, 1),
	}
	dev := transport.NewStream(devConn)
	device := bootloader.New(dev, sim, sim,
		bootloader.WithClock(noSleep{}),
		bootloader.WithTimeouts(50*time.Millisecond, 500*time.Millisecond),
		bootloader.WithLauncher(r.launcher),
	)
	go func() {
		r.outcome <- device.Run()
		dev.Close()
	}()
	t.Cleanup(func() { r.host.Close() })
	return r
}

func (r *rig) wait(t *testing.T) bootloader.Outcome {
	t.Helper()
	select {
	case out := <-r.outcome:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("bootloader did not return")
		return bootloader.Outcome{}
	}
}

func newTestFlasher(link transport.Transport, opts ...Option) *Flasher {
	opts = append([]Option{
		WithReset(false),
		WithSyncTimeout(2 * time.Second),
		WithStatusTimeout(2 * time.Second),
	}, opts...)
	return New(link, opts...)
}

func testImage(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + i/4096)
	}
	binary.LittleEndian.PutUint32(data[0:], 0x10008000)
	binary.LittleEndian.PutUint32(data[4:], 0x000100C1)
	return data
}

func readFlash(t *testing.T, sim *iap.Simulator, n int) []byte {
	t.Helper()
	got := make([]byte, n)
	_, err := sim.ReadAt(got, flash.AppBase)
	require.NoError(t, err)
	return got
}

func TestFlashImage_EndToEnd(t *testing.T) {
	sim := iap.NewSimulator()
	r := newRig(t, sim)

	var progress [][2]int
	f := newTestFlasher(r.host, WithProgress(func(current, total int) {
		progress = append(progress, [2]int{current, total})
	}))

	desc, err := f.Connect(115200)
	require.NoError(t, err)
	assert.Equal(t, protocol.ChipName, desc.Chip)
	assert.Equal(t, 512, desc.FlashSizeKiB)
	assert.Equal(t, 115200, f.BaudRate())

	data := testImage(3*flash.BlockSize + 1000)
	require.NoError(t, f.FlashImage(data))
	assert.Equal(t, [][2]int{{1, 4}, {2, 4}, {3, 4}, {4, 4}}, progress)
	assert.Equal(t, Stats{}, f.Stats())

	console, err := f.ReadConsole(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, console, "Hyperload Version (1.1)")
	assert.Contains(t, console, "Booting Application...")

	out := r.wait(t)
	assert.Equal(t, bootloader.DecisionLaunch, out.Decision)
	assert.Equal(t, uint32(0x000100C1), out.Entry)
	assert.Equal(t, uint32(0x000100C1), r.launcher.entry)
	require.NotNil(t, out.Update)
	assert.Equal(t, 4, out.Update.Blocks)

	got := readFlash(t, sim, 4*flash.BlockSize)
	assert.True(t, bytes.Equal(data, got[:len(data)]))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{flash.Erased}, 4*flash.BlockSize-len(data)), got[len(data):]))
}

func TestFlashImage_SpansSectors(t *testing.T) {
	sim := iap.NewSimulator()
	r := newRig(t, sim)
	f := newTestFlasher(r.host)

	_, err := f.Connect(230400)
	require.NoError(t, err)

	data := testImage(10 * flash.BlockSize)
	require.NoError(t, f.FlashImage(data))

	out := r.wait(t)
	assert.Equal(t, 2, out.Update.Sectors)
	assert.True(t, bytes.Equal(data, readFlash(t, sim, len(data))))
}

func TestFlashImage_FillsPartition(t *testing.T) {
	sim := iap.NewSimulator()
	r := newRig(t, sim)
	f := newTestFlasher(r.host)

	_, err := f.Connect(1000000)
	require.NoError(t, err)

	data := testImage(flash.AppCapacity)
	require.NoError(t, f.FlashImage(data))

	out := r.wait(t)
	assert.True(t, out.Update.Truncated)
	assert.Equal(t, flash.AppSectorCount, out.Update.Sectors)
	assert.True(t, bytes.Equal(data, readFlash(t, sim, len(data))))
}

func TestConnect_SnappedBaudRate(t *testing.T) {
	r := newRig(t, iap.NewSimulator())
	f := newTestFlasher(r.host)

	_, err := f.Connect(921600)
	require.NoError(t, err)
	assert.Equal(t, 1000000, f.BaudRate())
	assert.Equal(t, 1000000, r.host.BaudRate())

	r.host.Close()
	out := r.wait(t)
	require.NotNil(t, out.Negotiation)
	assert.Equal(t, 1000000, out.Negotiation.BaudRate)
}

func TestFlashImage_ReportsFlashErrors(t *testing.T) {
	sim := iap.NewSimulator()
	sim.Fail(iap.OpErase, iap.Busy, iap.Busy)
	r := newRig(t, sim)
	f := newTestFlasher(r.host)

	_, err := f.Connect(115200)
	require.NoError(t, err)

	data := testImage(flash.BlockSize)
	require.NoError(t, f.FlashImage(data))
	assert.Equal(t, 2, f.Stats().FlashErrors)

	r.wait(t)
	assert.True(t, bytes.Equal(data, readFlash(t, sim, len(data))))
}

// corruptingLink flips a payload byte of the first n block frames.
type corruptingLink struct {
	transport.Transport
	n int
}

func (c *corruptingLink) Write(p []byte) (int, error) {
	if c.n > 0 && len(p) > 2+flash.BlockSize {
		c.n--
		bad := append([]byte(nil), p...)
		bad[100] ^= 0x01
		return c.Transport.Write(bad)
	}
	return c.Transport.Write(p)
}

func TestFlashImage_ResendsOnChecksumError(t *testing.T) {
	sim := iap.NewSimulator()
	r := newRig(t, sim)
	f := newTestFlasher(&corruptingLink{Transport: r.host, n: 2})

	_, err := f.Connect(115200)
	require.NoError(t, err)

	data := testImage(2 * flash.BlockSize)
	require.NoError(t, f.FlashImage(data))
	assert.Equal(t, 2, f.Stats().ChecksumRetries)

	out := r.wait(t)
	assert.Equal(t, 2, out.Update.Rejected)
	assert.True(t, bytes.Equal(data, readFlash(t, sim, len(data))))
}

func TestFlashImage_GivesUpAfterMaxRetries(t *testing.T) {
	r := newRig(t, iap.NewSimulator())
	f := newTestFlasher(&corruptingLink{Transport: r.host, n: 100}, WithMaxRetries(3))

	_, err := f.Connect(115200)
	require.NoError(t, err)

	err = f.FlashImage(testImage(flash.BlockSize))
	var cerr *ChecksumError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, 0, cerr.Block)
	assert.Equal(t, 3, cerr.Attempts)
}

func TestFlashImage_NotConnected(t *testing.T) {
	f := New(&scriptedLink{})
	assert.Equal(t, ErrNotConnected, f.FlashImage([]byte{1}))
}

func TestFlashImage_TooLarge(t *testing.T) {
	f := New(&scriptedLink{})
	f.desc = &protocol.Descriptor{Chip: "LPC4078", BlockSize: 4096, HalfBootSize: 32768, FlashSizeKiB: 256}

	err := f.FlashImage(make([]byte, 200*1024))
	var tooLarge *ImageTooLargeError
	require.True(t, errors.As(err, &tooLarge))
	assert.Equal(t, 256*1024-64*1024, tooLarge.Capacity)
}

// scriptedLink replays fixed device output.
type scriptedLink struct {
	in     []byte
	out    bytes.Buffer
	resets int
}

func (l *scriptedLink) ReadByteTimeout(time.Duration) (byte, error) {
	if len(l.in) == 0 {
		return 0, transport.ErrTimeout
	}
	b := l.in[0]
	l.in = l.in[1:]
	return b, nil
}

func (l *scriptedLink) WriteByte(b byte) error { return l.out.WriteByte(b) }
func (l *scriptedLink) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *scriptedLink) SetBaudRate(int) error { return nil }
func (l *scriptedLink) ResetBoard() error { l.resets++; return nil }

func TestConnect_SkipsBootNoise(t *testing.T) {
	link := &scriptedLink{in: []byte{0x00, 0x13, protocol.Flush, protocol.Ack, 0x00}}
	link.in = append(link.in, "$LPC4078:4096:32768:512\n"...)
	f := New(link, WithSyncTimeout(time.Second))

	desc, err := f.Connect(38400)
	require.NoError(t, err)
	assert.Equal(t, 1, link.resets)
	assert.Equal(t, "LPC4078", desc.Chip)

	cw := protocol.EncodeControlWord(protocol.ControlWordFor(protocol.NegotiationClock, 38400))
	assert.Equal(t, append([]byte{protocol.Probe}, cw[:]...), link.out.Bytes())
}

func TestConnect_EchoMismatch(t *testing.T) {
	link := &scriptedLink{in: []byte{protocol.Flush, protocol.Ack, 0x42}}
	f := New(link, WithReset(false), WithSyncTimeout(time.Second))

	_, err := f.Connect(38400)
	var echo *EchoMismatchError
	require.True(t, errors.As(err, &echo))
	assert.Equal(t, byte(0x42), echo.Got)
}

func TestConnect_NoBootloader(t *testing.T) {
	f := New(&scriptedLink{}, WithReset(false), WithSyncTimeout(200*time.Millisecond))

	_, err := f.Connect(38400)
	assert.Equal(t, ErrNoBootloader, errors.Cause(err))
}

func TestConnect_BadProbeReply(t *testing.T) {
	link := &scriptedLink{in: []byte{protocol.Flush, 0x00}}
	f := New(link, WithReset(false), WithSyncTimeout(time.Second))

	_, err := f.Connect(38400)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected reply")
}
