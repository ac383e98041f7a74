//go:build !linux && !darwin

package serial

import (
	"github.com/pkg/errors"
)

var errNoPty = errors.New("pseudo-terminals not supported on this platform")

// Pty is a stub for platforms without pseudo-terminals.
type Pty struct{}

// OpenPty is a stub for platforms without pseudo-terminals.
func OpenPty() (*Pty, error) {
	return nil, errNoPty
}

// Name is a stub - never called on this platform.
func (p *Pty) Name() string {
	return ""
}

// Read is a stub - never called on this platform.
func (p *Pty) Read(buf []byte) (int, error) {
	return 0, errNoPty
}

// Write is a stub - never called on this platform.
func (p *Pty) Write(buf []byte) (int, error) {
	return 0, errNoPty
}

// Close is a stub - never called on this platform.
func (p *Pty) Close() error {
	return nil
}
