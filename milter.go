// Package milter implements a server-side runtime for the Sendmail/Postfix
// mail-filtering protocol (milter, protocol version 6). It frames and decodes
// the wire protocol, drives a per-connection session state machine, and
// dispatches decoded commands to the callbacks of an application-supplied App.
//
// This package is server-only: it has no client/dialer surface.
package milter

// discriminatorByte identifies a Command or Response variant on the wire. It
// is always the first byte of a framed payload.
type discriminatorByte = byte

// Command discriminator bytes (SMFIC_*).
const (
	codeOptNeg      discriminatorByte = 'O' // SMFIC_OPTNEG
	codeMacro       discriminatorByte = 'D' // SMFIC_MACRO
	codeConnect     discriminatorByte = 'C' // SMFIC_CONNECT
	codeQuit        discriminatorByte = 'Q' // SMFIC_QUIT
	codeHelo        discriminatorByte = 'H' // SMFIC_HELO
	codeMailFrom    discriminatorByte = 'M' // SMFIC_MAIL
	codeRcptTo      discriminatorByte = 'R' // SMFIC_RCPT
	codeHeader      discriminatorByte = 'L' // SMFIC_HEADER
	codeEOH         discriminatorByte = 'N' // SMFIC_EOH
	codeBody        discriminatorByte = 'B' // SMFIC_BODY
	codeEOM         discriminatorByte = 'E' // SMFIC_BODYEOB
	codeAbort       discriminatorByte = 'A' // SMFIC_ABORT
	codeData        discriminatorByte = 'T' // SMFIC_DATA
	codeQuitNewConn discriminatorByte = 'K' // SMFIC_QUIT_NC [v6]
	codeUnknown     discriminatorByte = 'U' // SMFIC_UNKNOWN [v6]
)

// Response/manipulation discriminator bytes (SMFIR_*).
const (
	respOptNeg      discriminatorByte = 'O' // SMFIC_OPTNEG (negotiation reply reuses the command byte)
	respAccept      discriminatorByte = 'a' // SMFIR_ACCEPT
	respContinue    discriminatorByte = 'c' // SMFIR_CONTINUE
	respDiscard     discriminatorByte = 'd' // SMFIR_DISCARD
	respReject      discriminatorByte = 'r' // SMFIR_REJECT
	respReplyCode   discriminatorByte = 'y' // SMFIR_REPLYCODE
	respSkip        discriminatorByte = 's' // SMFIR_SKIP [v6]
	respProgress    discriminatorByte = 'p' // SMFIR_PROGRESS [v6]
	respAddRcpt     discriminatorByte = '+' // SMFIR_ADDRCPT
	respAddRcptPar  discriminatorByte = '2' // SMFIR_ADDRCPT_PAR [v6]
	respDelRcpt     discriminatorByte = '-' // SMFIR_DELRCPT
	respReplBody    discriminatorByte = 'b' // SMFIR_REPLBODY
	respChangeFrom  discriminatorByte = 'e' // SMFIR_CHGFROM [v6]
	respAddHeader   discriminatorByte = 'h' // SMFIR_ADDHEADER
	respInsHeader   discriminatorByte = 'i' // SMFIR_INSHEADER
	respChgHeader   discriminatorByte = 'm' // SMFIR_CHGHEADER
	respQuarantine  discriminatorByte = 'q' // SMFIR_QUARANTINE
	respConnFail    discriminatorByte = 'f' // SMFIR_CONN_FAIL
)

// OptAction sets which manipulation actions the milter wants to perform.
// Multiple options combine as a bitmask.
type OptAction uint32

const (
	OptAddHeader       OptAction = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody      OptAction = 1 << 1 // SMFIF_CHGBODY / SMFIF_MODBODY
	OptAddRcpt         OptAction = 1 << 2 // SMFIF_ADDRCPT
	OptRemoveRcpt      OptAction = 1 << 3 // SMFIF_DELRCPT
	OptChangeHeader    OptAction = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine      OptAction = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom      OptAction = 1 << 6 // SMFIF_CHGFROM [v6]
	OptAddRcptWithArgs OptAction = 1 << 7 // SMFIF_ADDRCPT_PAR [v6]
	OptSetMacros       OptAction = 1 << 8 // SMFIF_SETSYMLIST [v6]
)

// OptProtocol masks out unwanted parts of the SMTP transaction and/or
// suppresses replies at given stages. Multiple options combine as a bitmask.
// Bits are encoded disable-to-wire: a clear bit means the stage/reply is
// active, a set bit disables it.
type OptProtocol uint32

const (
	OptNoConnect      OptProtocol = 1 << 0  // SMFIP_NOCONNECT
	OptNoHelo         OptProtocol = 1 << 1  // SMFIP_NOHELO
	OptNoMailFrom     OptProtocol = 1 << 2  // SMFIP_NOMAIL
	OptNoRcptTo       OptProtocol = 1 << 3  // SMFIP_NORCPT
	OptNoBody         OptProtocol = 1 << 4  // SMFIP_NOBODY
	OptNoHeaders      OptProtocol = 1 << 5  // SMFIP_NOHDRS
	OptNoEOH          OptProtocol = 1 << 6  // SMFIP_NOEOH
	OptNoHeaderReply  OptProtocol = 1 << 7  // SMFIP_NOHREPL
	OptNoUnknown      OptProtocol = 1 << 8  // SMFIP_NOUNKNOWN
	OptNoData         OptProtocol = 1 << 9  // SMFIP_NODATA
	OptSkip           OptProtocol = 1 << 10 // SMFIP_SKIP [v6]
	OptRcptRej        OptProtocol = 1 << 11 // SMFIP_RCPT_REJ [v6]
	OptNoConnReply    OptProtocol = 1 << 12 // SMFIP_NR_CONN [v6]
	OptNoHeloReply    OptProtocol = 1 << 13 // SMFIP_NR_HELO [v6]
	OptNoMailReply    OptProtocol = 1 << 14 // SMFIP_NR_MAIL [v6]
	OptNoRcptReply    OptProtocol = 1 << 15 // SMFIP_NR_RCPT [v6]
	OptNoDataReply    OptProtocol = 1 << 16 // SMFIP_NR_DATA [v6]
	OptNoUnknownReply OptProtocol = 1 << 17 // SMFIP_NR_UNKN [v6]
	OptNoEOHReply     OptProtocol = 1 << 18 // SMFIP_NR_EOH [v6]
	OptNoBodyReply    OptProtocol = 1 << 19 // SMFIP_NR_BODY [v6]

	// OptHeaderLeadingSpace requests that the MTA not swallow a leading space
	// when passing a header value to the milter. SMFIP_HDR_LEADSPC [v6]
	OptHeaderLeadingSpace OptProtocol = 1 << 20
)

// OptNoReplies combines every no-reply bit. A Milter that only ever decides
// in EndOfMessage can request this to suppress replies at every other stage.
const OptNoReplies OptProtocol = OptNoHeaderReply | OptNoConnReply | OptNoHeloReply |
	OptNoMailReply | OptNoRcptReply | OptNoDataReply | OptNoUnknownReply | OptNoEOHReply | OptNoBodyReply

// allProtocolFlagsMask is the upper bound of the defined protocol flag space
// (bit 0 through bit 20 inclusive).
const allProtocolFlagsMask OptProtocol = 0x001FFFFF

// DataSize is the maximum payload size (excluding the discriminator byte)
// either side is willing to use. Only three sizes are defined by the
// protocol; this runtime otherwise enforces wire.MaxPayloadSize regardless of
// what was negotiated.
type DataSize uint32

const (
	DataSize64K  DataSize = 1024*64 - 1
	DataSize256K DataSize = 1024*256 - 1
	DataSize1M   DataSize = 1024*1024 - 1
)

// ProtoFamily identifies the socket family reported by a Connect command.
type ProtoFamily byte

const (
	FamilyUnknown ProtoFamily = 'U' // SMFIA_UNKNOWN
	FamilyUnix    ProtoFamily = 'L' // SMFIA_UNIX
	FamilyInet    ProtoFamily = '4' // SMFIA_INET
	FamilyInet6   ProtoFamily = '6' // SMFIA_INET6
)

// MilterVersion is the only protocol version this runtime speaks.
const MilterVersion uint32 = 6
