// Package transport defines the byte-oriented serial capability the
// bootloader runs on, and adapts plain io.ReadWriters to it.
package transport

import (
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by ReadByteTimeout when no byte arrived in time. It is a
// distinct outcome: a received 0xFF is data, not a timeout.
var ErrTimeout = errors.New("transport: read timeout")

// ErrClosed is returned once the underlying stream has gone away.
var ErrClosed = errors.New("transport: closed")

// Transport is a byte serial link with per-call read timeout.
type Transport interface {
	// ReadByteTimeout waits up to timeout for one byte.
	ReadByteTimeout(timeout time.Duration) (byte, error)
	// WriteByte sends one byte.
	WriteByte(b byte) error
	// Write sends a run of bytes.
	Write(p []byte) (int, error)
	// SetBaudRate reconfigures the link rate.
	SetBaudRate(baud int) error
}

// IsTimeout reports whether err is, or wraps, ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}

// ReadFull reads len(p) bytes, each with its own timeout.
func ReadFull(t Transport, p []byte, timeout time.Duration) error {
	for i := range p {
		b, err := t.ReadByteTimeout(timeout)
		if err != nil {
			return errors.Wrapf(err, "read byte %d of %d", i+1, len(p))
		}
		p[i] = b
	}
	return nil
}

// ReadLine reads bytes up to and including '\n'. Each byte has its own
// timeout and at most max bytes are read.
func ReadLine(t Transport, timeout time.Duration, max int) (string, error) {
	buf := make([]byte, 0, 64)
	for len(buf) < max {
		b, err := t.ReadByteTimeout(timeout)
		if err != nil {
			return string(buf), errors.Wrap(err, "read line")
		}
		buf = append(buf, b)
		if b == '\n' {
			return string(buf), nil
		}
	}
	return string(buf), errors.Errorf("line longer than %d bytes", max)
}

// Drain discards input until the link has been quiet for timeout.
func Drain(t Transport, timeout time.Duration) int {
	n := 0
	for {
		if _, err := t.ReadByteTimeout(timeout); err != nil {
			return n
		}
		n++
	}
}
