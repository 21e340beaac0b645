package milter

import (
	"fmt"
	"io"

	"github.com/nemorim/milterd/internal/wire"
	"github.com/nemorim/milterd/milterutil"
)

// Manipulation is a deferred modification of the current message or
// envelope. The session collects Manipulations staged on a Response in
// append order and flushes them ahead of the final verdict at EndOfMessage.
type Manipulation interface {
	encode() ([]byte, error)
}

func hasAngle(s string) bool {
	return len(s) > 1 && s[0] == '<' && s[len(s)-1] == '>'
}

// addAngle adds <> to an address, unless it already has them.
func addAngle(s string) string {
	if hasAngle(s) {
		return s
	}
	return fmt.Sprintf("<%s>", s)
}

// validName reports whether name is a valid RFC 5322 header field name:
// printable ASCII without SP or colon.
func validName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, b := range []byte(name) {
		if b <= ' ' || b >= '\x7F' || b == ':' {
			return false
		}
	}
	return true
}

// AddRecipient appends addr as a new envelope recipient. addr need not
// already carry angle brackets.
type AddRecipient struct {
	Addr string
}

func (m *AddRecipient) encode() ([]byte, error) {
	buf := append([]byte{respAddRcpt}, []byte(milterutil.NewlineToSpace(addAngle(m.Addr)))...)
	return append(buf, 0), nil
}

// AddRecipientWithEsmtpArgs appends addr as a new envelope recipient with
// ESMTP parameters. Requires the MTA to have offered OptAddRcptWithArgs
// during negotiation.
type AddRecipientWithEsmtpArgs struct {
	Addr string
	Args string
}

func (m *AddRecipientWithEsmtpArgs) encode() ([]byte, error) {
	buf := append([]byte{respAddRcptPar}, []byte(milterutil.NewlineToSpace(addAngle(m.Addr)))...)
	buf = append(buf, 0)
	buf = append(buf, []byte(milterutil.NewlineToSpace(m.Args))...)
	return append(buf, 0), nil
}

// RemoveRecipient removes addr from the envelope recipients.
type RemoveRecipient struct {
	Addr string
}

func (m *RemoveRecipient) encode() ([]byte, error) {
	buf := append([]byte{respDelRcpt}, []byte(milterutil.NewlineToSpace(addAngle(m.Addr)))...)
	return append(buf, 0), nil
}

// ReplaceBodyChunk sends one chunk of the body replacement, verbatim. Use
// multiple ReplaceBodyChunk manipulations in sequence to replace the body in
// more than one chunk; the MTA concatenates them.
type ReplaceBodyChunk struct {
	Chunk []byte
}

func (m *ReplaceBodyChunk) encode() ([]byte, error) {
	if len(m.Chunk) > wire.MaxPayloadSize-1 {
		return nil, fmt.Errorf("milter: body chunk too large: %d > %d", len(m.Chunk), wire.MaxPayloadSize-1)
	}
	return append([]byte{respReplBody}, m.Chunk...), nil
}

// ChunkReplaceBody reads all of r and splits it into the fewest possible
// ReplaceBodyChunk manipulations no larger than maxChunk bytes each, in
// order. Append the result to a Response's staged manipulations to replace
// the whole body from a streaming source instead of building []byte chunks
// by hand.
func ChunkReplaceBody(r io.Reader, maxChunk uint32) ([]*ReplaceBodyChunk, error) {
	scanner := milterutil.GetFixedBufferScanner(maxChunk, r)
	defer scanner.Close()
	var chunks []*ReplaceBodyChunk
	for scanner.Scan() {
		buf := scanner.Bytes()
		cp := make([]byte, len(buf))
		copy(cp, buf)
		chunks = append(chunks, &ReplaceBodyChunk{Chunk: cp})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// ChangeMailFrom replaces the envelope sender. Args is optional ESMTP
// parameters for the new sender.
type ChangeMailFrom struct {
	Addr string
	Args string
}

func (m *ChangeMailFrom) encode() ([]byte, error) {
	buf := append([]byte{respChangeFrom}, []byte(milterutil.NewlineToSpace(addAngle(m.Addr)))...)
	buf = append(buf, 0)
	if m.Args != "" {
		buf = append(buf, []byte(milterutil.NewlineToSpace(m.Args))...)
		buf = append(buf, 0)
	}
	return buf, nil
}

// AppendHeader adds a new header field at the end of the message (subject
// to MTA-specific reuse-of-deleted-header quirks; see InsertHeader for an
// index-controlled alternative).
type AppendHeader struct {
	Name  string
	Value string
}

func (m *AppendHeader) encode() ([]byte, error) {
	if !validName(m.Name) {
		return nil, fmt.Errorf("milter: invalid header name: %q", m.Name)
	}
	buf := wire.AppendCString([]byte{respAddHeader}, m.Name)
	return wire.AppendCString(buf, milterutil.CrLfToLf(m.Value)), nil
}

// InsertHeader inserts a header field at Index, which is one-based and
// counts over all headers regardless of name; 0 means at the very
// beginning. An Index past the end of the header list appends at the end.
type InsertHeader struct {
	Index uint32
	Name  string
	Value string
}

func (m *InsertHeader) encode() ([]byte, error) {
	if !validName(m.Name) {
		return nil, fmt.Errorf("milter: invalid header name: %q", m.Name)
	}
	buf := wire.AppendUint32([]byte{respInsHeader}, m.Index)
	buf = wire.AppendCString(buf, m.Name)
	return wire.AppendCString(buf, milterutil.CrLfToLf(m.Value)), nil
}

// ChangeHeader replaces (or, with an empty Value, deletes) the Index'th
// occurrence of a header named Name; Index is one-based and per canonical
// header name. An Index beyond the number of existing occurrences appends a
// new header at the end, with the same semantics as AppendHeader.
type ChangeHeader struct {
	Index uint32
	Name  string
	Value string
}

func (m *ChangeHeader) encode() ([]byte, error) {
	if !validName(m.Name) {
		return nil, fmt.Errorf("milter: invalid header name: %q", m.Name)
	}
	buf := wire.AppendUint32([]byte{respChgHeader}, m.Index)
	buf = wire.AppendCString(buf, m.Name)
	return wire.AppendCString(buf, milterutil.CrLfToLf(m.Value)), nil
}
