package transport

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Stream adapts an io.ReadWriter (a pipe, a pty, a socket) to Transport.
// A background goroutine reads the stream into a buffered channel so that
// ReadByteTimeout can honour its timeout whatever the stream's blocking behaviour.
type Stream struct {
	rw     io.ReadWriter
	rx     chan byte
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	baud   int
	onBaud func(int) error
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithBaudHook calls fn whenever SetBaudRate is invoked, for streams that
// have a real line rate behind them.
func WithBaudHook(fn func(int) error) StreamOption {
	return func(s *Stream) {
		s.onBaud = fn
	}
}

// NewStream starts reading rw and returns the Stream.
func NewStream(rw io.ReadWriter, opts ...StreamOption) *Stream {
	s := &Stream{
		rw:   rw,
		rx:   make(chan byte, 8192),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.done)
	buf := make([]byte, 512)
	for {
		n, err := s.rw.Read(buf)
		for _, b := range buf[:n] {
			select {
			case s.rx <- b:
			case <-s.stop:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
	}
}

// ReadByteTimeout implements Transport.
func (s *Stream) ReadByteTimeout(timeout time.Duration) (byte, error) {
	select {
	case b := <-s.rx:
		return b, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-s.rx:
		return b, nil
	case <-s.done:
		// Bytes read just before the stream failed are still deliverable.
		select {
		case b := <-s.rx:
			return b, nil
		default:
		}
		return 0, s.closedErr()
	case <-timer.C:
		return 0, ErrTimeout
	}
}

func (s *Stream) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || s.err == io.EOF {
		return ErrClosed
	}
	return errors.Wrap(ErrClosed, s.err.Error())
}

// WriteByte implements Transport.
func (s *Stream) WriteByte(b byte) error {
	_, err := s.Write([]byte{b})
	return err
}

// Write implements Transport.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.rw.Write(p)
	if err != nil {
		return n, errors.Wrap(err, "stream write")
	}
	return n, nil
}

// SetBaudRate implements Transport. The rate is recorded and passed to the
// baud hook if one is set.
func (s *Stream) SetBaudRate(baud int) error {
	s.mu.Lock()
	s.baud = baud
	s.mu.Unlock()
	if s.onBaud != nil {
		return s.onBaud(baud)
	}
	return nil
}

// BaudRate returns the last rate passed to SetBaudRate.
func (s *Stream) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

// Close stops the reader and closes the underlying stream if it is an
// io.Closer. A reader blocked inside Read on a stream that cannot be closed
// exits once that Read returns.
func (s *Stream) Close() error {
	first := false
	s.once.Do(func() {
		close(s.stop)
		first = true
	})
	if !first {
		return nil
	}
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
