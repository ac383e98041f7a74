package detect

import (
	"time"

	"github.com/pkg/errors"

	"github.com/bigbag/hyperload/internal/protocol"
	"github.com/bigbag/hyperload/internal/serial"
	"github.com/bigbag/hyperload/internal/transport"
)

// Result represents a detected Hyperload bootloader.
type Result struct {
	Port string
}

// DefaultTimeout covers the bootloader's noise-swallowing read after reset.
const DefaultTimeout = 2 * time.Second

// ErrNotFound is returned when no port answered.
var ErrNotFound = errors.New("no Hyperload bootloader found")

// Target is a link that can reset the board it is attached to.
type Target interface {
	transport.Transport
	ResetBoard() error
}

// Probe resets the board and waits for the flush byte the bootloader sends
// on start. No probe byte is sent: answering the flush would start a
// handshake, and an abandoned handshake erases the first application sector.
// The bootloader times out waiting and boots the application as usual.
func Probe(t Target, timeout time.Duration) error {
	if err := t.ResetBoard(); err != nil {
		return errors.Wrap(err, "failed to reset")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := t.ReadByteTimeout(100 * time.Millisecond)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return err
		}
		if b == protocol.Flush {
			return nil
		}
	}
	return ErrNotFound
}

// DetectDevice tries available ports and returns the first with a bootloader.
func DetectDevice(timeout time.Duration) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ports")
	}

	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := DetectOnPort(portName, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, errors.Wrapf(ErrNotFound, "last error: %v", lastErr)
	}
	return nil, ErrNotFound
}

// DetectOnPort checks a specific port for a bootloader.
func DetectOnPort(portName string, timeout time.Duration) (*Result, error) {
	port, err := serial.Open(portName, protocol.DefaultBaudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	if err := Probe(port, timeout); err != nil {
		return nil, err
	}
	return &Result{Port: portName}, nil
}

// ListDevices scans all ports and returns every detected bootloader.
func ListDevices(timeout time.Duration) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list ports")
	}

	var results []Result
	for _, portName := range ports {
		result, err := DetectOnPort(portName, timeout)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}
