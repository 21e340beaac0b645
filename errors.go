package milter

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in the error handling design. Use
// errors.Is to test for them; decoders wrap them with fmt.Errorf("%w: ...").
var (
	// ErrProtocolViolationPacket names the framing violation (a packet length
	// outside the 1..65536 range). The packet reader in internal/wire reports
	// that violation as wire.ErrEmptyPacket or wire.ErrPacketTooLarge; it does
	// not return or wrap this value.
	ErrProtocolViolationPacket = errors.New("milter: protocol violation: bad packet framing")

	// ErrProtocolViolationPayload is returned for an unknown command
	// discriminator byte. An empty payload is not reported with it:
	// DecodePayload panics on one.
	ErrProtocolViolationPayload = errors.New("milter: protocol violation: unrecognized payload")

	// ErrProtocolViolationCommandData is returned when a command's data does
	// not match its documented shape (wrong length, missing terminator,
	// invalid stage byte, odd macro pair count, etc).
	ErrProtocolViolationCommandData = errors.New("milter: protocol violation: malformed command data")
)

// ProgrammingError is raised at configuration time, when NewServer panics
// with it, if the application's hook registration is ambiguous or
// incomplete in a way this runtime cannot resolve on its own.
type ProgrammingError struct {
	Msg string
}

func (e *ProgrammingError) Error() string { return "milter: programming error: " + e.Msg }

func newCommandDataError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolationCommandData, fmt.Sprintf(format, a...))
}
