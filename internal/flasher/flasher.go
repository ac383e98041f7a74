package flasher

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bigbag/hyperload/internal/flash"
	"github.com/bigbag/hyperload/internal/protocol"
	"github.com/bigbag/hyperload/internal/transport"
)

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Resetter is implemented by links that can reset the board into the
// bootloader, like a serial port with DTR/RTS wired to reset.
type Resetter interface {
	ResetBoard() error
}

// Stats counts the recoverable events seen during a transfer.
type Stats struct {
	ChecksumRetries int
	FlashErrors     int
}

// Flasher drives the host side of the Hyperload protocol.
type Flasher struct {
	link     transport.Transport
	progress ProgressCallback
	log      logrus.FieldLogger
	config   Config

	desc  *protocol.Descriptor
	baud  int
	stats Stats
}

// New creates a new Flasher for the given link.
func New(link transport.Transport, opts ...Option) *Flasher {
	f := &Flasher{
		link:   link,
		log:    discardLogger(),
		config: defaultConfig(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Descriptor returns the device descriptor read by Connect.
func (f *Flasher) Descriptor() *protocol.Descriptor {
	return f.desc
}

// BaudRate returns the rate the device settled on.
func (f *Flasher) BaudRate() int {
	return f.baud
}

// Stats returns the counters of the last transfer.
func (f *Flasher) Stats() Stats {
	return f.stats
}

// Connect resets the board if configured, completes the handshake at the
// requested baud rate and reads the device descriptor.
//
// The device snaps the requested rate to its own table, so the link is
// switched to the rate the device will pick, which may differ from baud.
func (f *Flasher) Connect(baud int) (*protocol.Descriptor, error) {
	if f.config.Reset {
		if r, ok := f.link.(Resetter); ok {
			if err := r.ResetBoard(); err != nil {
				return nil, errors.Wrap(err, "failed to reset board")
			}
		}
	}

	if err := f.sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync with bootloader")
	}

	cw := protocol.ControlWordFor(f.config.NegotiationClock, baud)
	word := protocol.EncodeControlWord(cw)
	if _, err := f.link.Write(word[:]); err != nil {
		return nil, errors.Wrap(err, "failed to send control word")
	}
	echo, err := f.link.ReadByteTimeout(f.config.HandshakeTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "no control word echo")
	}
	if echo != word[0] {
		return nil, &EchoMismatchError{Sent: word[0], Got: echo}
	}

	f.baud = protocol.NearestBaudRate(protocol.ApproxBaudRate(f.config.NegotiationClock, cw))
	if f.baud != baud {
		f.log.WithFields(logrus.Fields{
			"requested": baud,
			"actual":    f.baud,
		}).Warn("Device snapped baud rate")
	}
	if err := f.link.SetBaudRate(f.baud); err != nil {
		return nil, errors.Wrapf(err, "failed to switch to %d baud", f.baud)
	}

	line, err := transport.ReadLine(f.link, f.config.DescriptorTimeout, 128)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read device descriptor")
	}
	desc, err := protocol.ParseDescriptor(line)
	if err != nil {
		return nil, err
	}
	if desc.BlockSize != flash.BlockSize {
		return nil, errors.Errorf("device block size %d not supported", desc.BlockSize)
	}
	f.desc = desc

	f.log.WithFields(logrus.Fields{
		"chip":  desc.Chip,
		"flash": desc.FlashSizeKiB,
		"baud":  f.baud,
	}).Info("Connected")
	return desc, nil
}

// sync waits for the flush byte the bootloader sends after reset and answers
// it with a probe. Bytes other than the flush are boot noise.
func (f *Flasher) sync() error {
	deadline := time.Now().Add(f.config.SyncTimeout)
	for time.Now().Before(deadline) {
		b, err := f.link.ReadByteTimeout(100 * time.Millisecond)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return err
		}
		if b != protocol.Flush {
			continue
		}

		if err := f.link.WriteByte(protocol.Probe); err != nil {
			return err
		}
		ack, err := f.link.ReadByteTimeout(f.config.HandshakeTimeout)
		if err != nil {
			return errors.Wrap(err, "no reply to probe")
		}
		if ack != protocol.Ack {
			return errors.Errorf("unexpected reply 0x%02X to probe", ack)
		}
		return nil
	}
	return ErrNoBootloader
}

// FlashImage sends data as consecutive blocks starting at the first
// application sector and waits until the device reports completion. The last
// block is padded with the erased value.
func (f *Flasher) FlashImage(data []byte) error {
	if f.desc == nil {
		return ErrNotConnected
	}
	if len(data) == 0 {
		return errors.New("image is empty")
	}
	capacity := f.capacity()
	if len(data) > capacity {
		return &ImageTooLargeError{Size: len(data), Capacity: capacity}
	}

	f.stats = Stats{}
	total := (len(data) + flash.BlockSize - 1) / flash.BlockSize

	if err := f.expect(protocol.Ready); err != nil {
		return errors.Wrap(err, "device not ready")
	}

	for n := 0; n < total; n++ {
		block := make([]byte, flash.BlockSize)
		for i := range block {
			block[i] = flash.Erased
		}
		copy(block, data[n*flash.BlockSize:])

		finished, err := f.sendBlock(n, block)
		if err != nil {
			return errors.Wrapf(err, "block %d", n)
		}
		f.reportProgress(n+1, total)

		if finished {
			// The device only finishes early when the partition is full.
			if n != total-1 {
				return &ImageTooLargeError{Size: len(data), Capacity: (n + 1) * flash.BlockSize}
			}
			return nil
		}
	}

	end := protocol.EncodeBlockNumber(protocol.EndOfImage)
	if _, err := f.link.Write(end[:]); err != nil {
		return errors.Wrap(err, "failed to send end of image")
	}
	if err := f.expect(protocol.Finished); err != nil {
		return errors.Wrap(err, "device did not finish")
	}
	return nil
}

// capacity is the largest image the device accepts.
func (f *Flasher) capacity() int {
	if c := f.desc.Capacity(); c < flash.AppCapacity {
		return c
	}
	return flash.AppCapacity
}

// sendBlock sends one block and waits for it to be accepted. It reports
// whether the device answered with Finished instead of Ready.
func (f *Flasher) sendBlock(n int, block []byte) (bool, error) {
	frame := protocol.EncodeBlock(uint16(n), block)

	for attempt := 0; ; attempt++ {
		if _, err := f.link.Write(frame); err != nil {
			return false, err
		}

		status, err := f.readStatus()
		if err != nil {
			return false, err
		}
		switch status {
		case protocol.Ready:
			return false, nil
		case protocol.Finished:
			return true, nil
		case protocol.ChecksumError:
			f.stats.ChecksumRetries++
			if attempt+1 >= f.config.MaxRetries {
				return false, &ChecksumError{Block: n, Attempts: attempt + 1}
			}
			f.log.WithFields(logrus.Fields{
				"block":   n,
				"attempt": attempt + 1,
			}).Warn("Checksum error, resending block")
		}
	}
}

// expect reads statuses until want arrives.
func (f *Flasher) expect(want byte) error {
	status, err := f.readStatus()
	if err != nil {
		return err
	}
	if status != want {
		return errors.Errorf("got %s, want %s", protocol.StatusName(status), protocol.StatusName(want))
	}
	return nil
}

// readStatus returns the next transfer status byte. Flash errors are
// reported by the device while it retries internally; they are counted and
// skipped, and each one restarts the timeout.
func (f *Flasher) readStatus() (byte, error) {
	for {
		b, err := f.link.ReadByteTimeout(f.config.StatusTimeout)
		if err != nil {
			if transport.IsTimeout(err) {
				return 0, errors.Wrapf(ErrNoResponse, "after %s", f.config.StatusTimeout)
			}
			return 0, err
		}
		switch b {
		case protocol.FlashError:
			f.stats.FlashErrors++
			f.log.WithField("count", f.stats.FlashErrors).Warn("Device reported flash error, retrying")
		case protocol.Ready, protocol.ChecksumError, protocol.Finished:
			return b, nil
		default:
			f.log.WithField("byte", b).Debug("Ignoring unexpected byte")
		}
	}
}

// ReadConsole switches the link back to the console rate and collects what
// the bootloader prints until the line goes quiet.
func (f *Flasher) ReadConsole(quiet time.Duration) ([]string, error) {
	if err := f.link.SetBaudRate(protocol.DefaultBaudRate); err != nil {
		return nil, errors.Wrap(err, "failed to restore console baud rate")
	}

	var lines []string
	for {
		line, err := transport.ReadLine(f.link, quiet, 256)
		if line != "" {
			lines = append(lines, trimLine(line))
		}
		if err != nil {
			if transport.IsTimeout(err) || errors.Cause(err) == transport.ErrClosed {
				return lines, nil
			}
			return lines, err
		}
	}
}

func trimLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
