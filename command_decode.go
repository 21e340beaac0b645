package milter

import (
	"encoding/binary"
	"strings"

	"github.com/nemorim/milterd/internal/wire"
	"github.com/nemorim/milterd/milterutil"
)

// commandFactory decodes a command payload (discriminator byte already
// stripped) into a Command. Registered in commandRegistry below.
type commandFactory func(data []byte) (Command, error)

// commandRegistry is the static discriminator-byte -> decoder lookup table
// that implements the Payload Decoder component. It is built once at
// init-time; a duplicate registration panics immediately rather than
// silently overwriting an entry.
var commandRegistry = make(map[discriminatorByte]commandFactory)

func registerCommand(code discriminatorByte, factory commandFactory) {
	if _, exists := commandRegistry[code]; exists {
		panic("milter: duplicate command registration for " + string(code))
	}
	commandRegistry[code] = factory
}

func init() {
	registerCommand(codeOptNeg, decodeOptionsNegotiate)
	registerCommand(codeConnect, decodeConnect)
	registerCommand(codeHelo, decodeHelo)
	registerCommand(codeMailFrom, decodeMailFrom)
	registerCommand(codeRcptTo, decodeRcptTo)
	registerCommand(codeData, decodeData)
	registerCommand(codeHeader, decodeHeader)
	registerCommand(codeEOH, decodeEndOfHeaders)
	registerCommand(codeBody, decodeBodyChunk)
	registerCommand(codeEOM, decodeEndOfMessage)
	registerCommand(codeAbort, decodeAbort)
	registerCommand(codeQuit, decodeQuit)
	registerCommand(codeQuitNewConn, decodeQuitNoClose)
	registerCommand(codeUnknown, decodeUnknown)
	registerCommand(codeMacro, decodeDefineMacro)
}

// DecodePayload implements the Payload Decoder: it reads payload[0] as the
// discriminator byte, looks up the matching command factory, and hands it
// payload[1:]. An empty payload is an internal/programming error, never a
// protocol violation (there is no discriminator to blame the MTA for
// omitting), matching the original implementation's RuntimeError here.
func DecodePayload(payload []byte) (Command, error) {
	if len(payload) == 0 {
		panic("milter: DecodePayload called with empty payload")
	}
	factory, ok := commandRegistry[payload[0]]
	if !ok {
		return nil, newProtocolViolationPayload(payload[0])
	}
	return factory(payload[1:])
}

func newProtocolViolationPayload(b byte) error {
	return &protocolViolationPayloadError{b: b}
}

type protocolViolationPayloadError struct{ b byte }

func (e *protocolViolationPayloadError) Error() string {
	return "milter: protocol violation: unrecognized command discriminator " + string(rune(e.b))
}

func (e *protocolViolationPayloadError) Unwrap() error { return ErrProtocolViolationPayload }

func decodeOptionsNegotiate(data []byte) (Command, error) {
	if len(data) != 12 {
		return nil, newCommandDataError("options negotiate payload must be 12 bytes, got %d", len(data))
	}
	c := &OptionsNegotiate{
		Version:  binary.BigEndian.Uint32(data[0:4]),
		Actions:  OptAction(binary.BigEndian.Uint32(data[4:8])),
		Protocol: OptProtocol(binary.BigEndian.Uint32(data[8:12])),
	}
	if c.Version != MilterVersion {
		return nil, newCommandDataError("unsupported protocol version %d, want %d", c.Version, MilterVersion)
	}
	return c, nil
}

func decodeConnect(data []byte) (Command, error) {
	idx := indexByte(data, 0)
	if idx < 0 {
		return nil, newCommandDataError("connect: missing hostname terminator")
	}
	hostname := milterutil.DecodeUTF8BackslashEscape(data[:idx])
	rest := data[idx+1:]
	if len(rest) == 0 {
		return nil, newCommandDataError("connect: missing family byte")
	}
	family := ProtoFamily(rest[0])
	rest = rest[1:]

	c := &Connect{Hostname: hostname, Family: family}
	switch family {
	case FamilyUnknown:
		// hostname is the sole descriptor; no further data expected.
	case FamilyUnix:
		if len(rest) < 2 {
			return nil, newCommandDataError("connect: unix socket path truncated")
		}
		rest = rest[2:] // two reserved/padding bytes (port field, unused for unix sockets)
		path := wire.ReadCString(rest)
		c.Address = path
	case FamilyInet, FamilyInet6:
		if len(rest) < 2 {
			return nil, newCommandDataError("connect: inet address truncated")
		}
		c.Port = binary.BigEndian.Uint16(rest[:2])
		addr := wire.ReadCString(rest[2:])
		if family == FamilyInet6 {
			addr = strings.TrimPrefix(addr, "IPv6:")
			addr = strings.TrimPrefix(addr, "[")
			addr = strings.TrimSuffix(addr, "]")
		}
		c.Address = addr
	default:
		return nil, newCommandDataError("connect: unknown address family %q", family)
	}
	return c, nil
}

func decodeHelo(data []byte) (Command, error) {
	hostname := wire.ReadCString(data)
	return &Helo{Hostname: milterutil.DecodeASCIIBackslashEscape([]byte(hostname))}, nil
}

func decodeMailFrom(data []byte) (Command, error) {
	addr, esmtp, err := decodeAddressAndEsmtp(data)
	if err != nil {
		return nil, err
	}
	return &MailFrom{Address: addr, Esmtp: esmtp}, nil
}

func decodeRcptTo(data []byte) (Command, error) {
	addr, esmtp, err := decodeAddressAndEsmtp(data)
	if err != nil {
		return nil, err
	}
	return &RcptTo{Address: addr, Esmtp: esmtp}, nil
}

// decodeAddressAndEsmtp implements the shared MailFrom/RcptTo shape: an
// angle-bracketed (or bare) address followed by zero or more
// k[=v] ESMTP items, all NUL-terminated.
func decodeAddressAndEsmtp(data []byte) (string, EsmtpArgs, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return "", nil, newCommandDataError("mail/rcpt: payload must be NUL-terminated")
	}
	parts := wire.DecodeCStrings(data)
	if len(parts) == 0 {
		return "", nil, newCommandDataError("mail/rcpt: missing address")
	}
	addr := milterutil.DecodeUTF8BackslashEscape([]byte(parts[0]))
	if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") && len(addr) >= 2 {
		addr = addr[1 : len(addr)-1]
	} else {
		LogWarning("mail/rcpt address not enclosed in angle brackets: %q", addr)
	}
	var esmtp EsmtpArgs
	for _, item := range parts[1:] {
		if item == "" {
			continue
		}
		if esmtp == nil {
			esmtp = make(EsmtpArgs)
		}
		if eq := strings.IndexByte(item, '='); eq >= 0 {
			k, v := item[:eq], milterutil.DecodeUTF8BackslashEscape([]byte(item[eq+1:]))
			esmtp[k] = &v
		} else {
			esmtp[item] = nil
		}
	}
	return addr, esmtp, nil
}

func decodeData(data []byte) (Command, error) {
	return &Data{}, nil
}

func decodeHeader(data []byte) (Command, error) {
	idx := indexByte(data, 0)
	if idx < 0 {
		return nil, newCommandDataError("header: missing name terminator")
	}
	name := milterutil.DecodeASCIIBackslashEscape(data[:idx])
	value := milterutil.DecodeUTF8BackslashEscape(trimOneTrailingNul(data[idx+1:]))
	return &Header{Name: name, Value: value}, nil
}

func decodeEndOfHeaders(data []byte) (Command, error) {
	return &EndOfHeaders{}, nil
}

func decodeBodyChunk(data []byte) (Command, error) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	return &BodyChunk{Chunk: chunk}, nil
}

func decodeEndOfMessage(data []byte) (Command, error) {
	return &EndOfMessage{}, nil
}

func decodeAbort(data []byte) (Command, error) {
	return &Abort{}, nil
}

func decodeQuit(data []byte) (Command, error) {
	return &Quit{}, nil
}

func decodeQuitNoClose(data []byte) (Command, error) {
	return &QuitNoClose{}, nil
}

// decodeUnknown strips exactly one trailing NUL if present (resolved open
// question (b)); otherwise the bytes pass through unchanged.
func decodeUnknown(data []byte) (Command, error) {
	raw := make([]byte, len(trimOneTrailingNul(data)))
	copy(raw, trimOneTrailingNul(data))
	return &Unknown{Raw: raw}, nil
}

var macroStageByte = map[byte]MacroStage{
	'C': StageConnect,
	'H': StageHelo,
	'M': StageMail,
	'R': StageRcpt,
	'T': StageData,
	'L': StageEndMarker, // header-scoped macros
	'N': StageEOH,
	'B': StageEndMarker, // body-chunk-scoped macros
	'E': StageEOM,
	'U': StageEndMarker, // unknown-command-scoped macros
}

func decodeDefineMacro(data []byte) (Command, error) {
	if len(data) == 0 {
		return nil, newCommandDataError("define macro: missing stage byte")
	}
	stage, ok := macroStageByte[data[0]]
	if !ok {
		return nil, newCommandDataError("define macro: unknown stage byte %q", data[0])
	}
	pairs := wire.DecodeCStrings(data[1:])
	if len(pairs) == 1 && pairs[0] == "" {
		pairs = nil
	}
	if len(pairs)%2 != 0 {
		return nil, newCommandDataError("define macro: odd number of name/value entries (%d)", len(pairs))
	}
	macros := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		macros[pairs[i]] = pairs[i+1]
	}
	return &DefineMacro{Stage: stage, Macros: macros}, nil
}

func indexByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}

func trimOneTrailingNul(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == 0 {
		return data[:len(data)-1]
	}
	return data
}
