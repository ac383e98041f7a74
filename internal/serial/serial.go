package serial

import (
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/bigbag/hyperload/internal/transport"
)

// Port wraps a serial port connected to a board running the bootloader.
type Port struct {
	port        serial.Port
	portName    string
	baudRate    int
	readTimeout time.Duration
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	port, err := serial.Open(portName, mode(baudRate))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open port %s", portName)
	}

	p := &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}

	// Set read timeout
	if err := p.setReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}

	return p, nil
}

func mode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func (p *Port) setReadTimeout(timeout time.Duration) error {
	if timeout == p.readTimeout {
		return nil
	}
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return errors.Wrap(err, "failed to set read timeout")
	}
	p.readTimeout = timeout
	return nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// WriteByte writes a single byte.
func (p *Port) WriteByte(b byte) error {
	_, err := p.port.Write([]byte{b})
	return err
}

// ReadByteTimeout reads one byte, waiting at most timeout.
func (p *Port) ReadByteTimeout(timeout time.Duration) (byte, error) {
	if err := p.setReadTimeout(timeout); err != nil {
		return 0, err
	}

	var buf [1]byte
	n, err := p.port.Read(buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "serial read")
	}
	if n == 0 {
		return 0, transport.ErrTimeout
	}
	return buf[0], nil
}

// SetBaudRate changes the line rate of the open port.
func (p *Port) SetBaudRate(baudRate int) error {
	if err := p.port.SetMode(mode(baudRate)); err != nil {
		return errors.Wrapf(err, "failed to set baud rate %d", baudRate)
	}
	p.baudRate = baudRate
	return nil
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// ResetBoard pulses the reset line so the board restarts into the
// bootloader. On SJTwo-style boards both RTS and DTR drive reset through
// transistors, so asserting either holds the MCU in reset.
func (p *Port) ResetBoard() error {
	if err := p.SetRTS(true); err != nil {
		return err
	}
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)

	if err := p.SetRTS(false); err != nil {
		return err
	}
	if err := p.SetDTR(false); err != nil {
		return err
	}

	// Flush any garbage from reset
	p.Flush()
	return nil
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

var _ transport.Transport = (*Port)(nil)
