package protocol

// Handshake bytes
const (
	Flush byte = 0xFF // device -> host, first byte after reset
	Probe byte = 0x55 // host -> device, "are you alive"
	Ack   byte = 0xAA // device -> host, reply to Probe
)

// Status bytes sent by the device during a transfer
const (
	Ready         byte = '!' // block accepted, ready for the next one
	ChecksumError byte = '@' // checksum mismatch, resend the same block
	FlashError    byte = '^' // a flash operation failed for the current sector
	Finished      byte = '*' // image fully programmed
)

// EndOfImage is the block number the host sends after the last block.
const EndOfImage = 0xFFFF

// Default link parameters
const (
	// DefaultBaudRate is the console rate used before negotiation and after
	// the update completes.
	DefaultBaudRate = 38400

	// NegotiationClock is the clock the host assumes when it computes the
	// control word.
	NegotiationClock = 48000000
)

// Device description announced after negotiation
const (
	ChipName = "LPC4078"
)

// StatusName returns human-readable name for a device status byte
func StatusName(b byte) string {
	switch b {
	case Ready:
		return "ready"
	case ChecksumError:
		return "checksum error"
	case FlashError:
		return "flash error"
	case Finished:
		return "finished"
	default:
		return "unknown status"
	}
}
