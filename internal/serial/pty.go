//go:build linux || darwin

package serial

import (
	"os"

	"github.com/pkg/errors"
	"github.com/pkg/term"
	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

// Pty is a pseudo-terminal pair. The simulated board drives the master side;
// host tools open the slave path like any serial port.
type Pty struct {
	master *os.File
	slave  *os.File
	hold   *term.Term
}

// OpenPty allocates a pseudo-terminal and puts the slave side in raw mode so
// bytes pass through without echo or line editing.
func OpenPty() (*Pty, error) {
	ptm, pts, err := termios.Pty()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate pty")
	}

	// Holding the slave open keeps the master readable while host tools
	// open and close the port.
	hold, err := term.Open(pts.Name(), term.RawMode)
	if err != nil {
		ptm.Close()
		pts.Close()
		return nil, errors.Wrapf(err, "failed to configure %s", pts.Name())
	}

	// Modem control lines do not exist on a pty.
	var attr unix.Termios
	if err := termios.Tcgetattr(pts.Fd(), &attr); err != nil {
		hold.Close()
		ptm.Close()
		pts.Close()
		return nil, errors.Wrapf(err, "failed to read attributes of %s", pts.Name())
	}
	attr.Cflag |= unix.CLOCAL | unix.CREAD
	if err := termios.Tcsetattr(pts.Fd(), termios.TCSANOW, &attr); err != nil {
		hold.Close()
		ptm.Close()
		pts.Close()
		return nil, errors.Wrapf(err, "failed to set attributes of %s", pts.Name())
	}

	return &Pty{master: ptm, slave: pts, hold: hold}, nil
}

// Name returns the slave device path.
func (p *Pty) Name() string {
	return p.slave.Name()
}

// Read reads from the master side.
func (p *Pty) Read(buf []byte) (int, error) {
	return p.master.Read(buf)
}

// Write writes to the master side.
func (p *Pty) Write(buf []byte) (int, error) {
	return p.master.Write(buf)
}

// Close releases both sides.
func (p *Pty) Close() error {
	p.hold.Close()
	p.slave.Close()
	return p.master.Close()
}
