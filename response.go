package milter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nemorim/milterd/internal/wire"
	"github.com/nemorim/milterd/milterutil"
	"golang.org/x/text/transform"
)

// Response is a verdict a stage callback returns. Concrete types are the
// variants in the wire protocol's response table. A Response may carry zero
// or more Manipulations; the session stages those and flushes them, in
// order, ahead of the verdict itself at EndOfMessage.
type Response interface {
	encode() ([]byte, error)
	Manipulations() []Manipulation
}

type responseBase struct {
	// Manips are deferred message modifications staged alongside this
	// verdict. Only meaningful for stages that can still affect the
	// message (up through EndOfMessage); the session flushes them in
	// append order before writing the verdict byte.
	Manips []Manipulation
}

func (r responseBase) Manipulations() []Manipulation { return r.Manips }

// OptionsNegotiateResponse is the reply to the initial OptionsNegotiate
// command. The session builds and sends this inline; it is not ordinarily
// constructed by application code.
type OptionsNegotiateResponse struct {
	responseBase
	Version       uint32
	Actions       OptAction
	Protocol      OptProtocol
	MacroRequests macroRequests
}

func (r *OptionsNegotiateResponse) encode() ([]byte, error) {
	buf := make([]byte, 0, 13)
	buf = append(buf, respOptNeg)
	buf = wire.AppendUint32(buf, r.Version)
	buf = wire.AppendUint32(buf, uint32(r.Actions))
	buf = wire.AppendUint32(buf, uint32(r.Protocol))
	for st := 0; st < int(StageEndMarker) && st < len(r.MacroRequests); st++ {
		names := r.MacroRequests[st]
		if names == nil {
			// Absent: the MTA falls back to its own default macro set
			// for this stage. A present-but-empty slice is different —
			// it means "suppress all macros for this stage" — and must
			// still emit a stage entry so the two aren't indistinguishable
			// on the wire.
			continue
		}
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		buf = wire.AppendUint32(buf, uint32(st))
		buf = wire.AppendCString(buf, strings.Join(sorted, " "))
	}
	return buf, nil
}

// Continue signals that processing should proceed to the next stage with no
// change in verdict.
type Continue struct{ responseBase }

func (r *Continue) encode() ([]byte, error) { return []byte{respContinue}, nil }

// RespContinue is the shared Continue value for callbacks with no
// manipulations to stage.
var RespContinue = &Continue{}

// Accept ends the transaction, telling the MTA to accept the message. No
// further commands follow for this transaction.
type Accept struct{ responseBase }

func (r *Accept) encode() ([]byte, error) { return []byte{respAccept}, nil }

// RespAccept is the shared Accept value for callbacks with no manipulations
// to stage.
var RespAccept = &Accept{}

// Reject ends the transaction with a hard SMTP rejection (550).
type Reject struct{ responseBase }

func (r *Reject) encode() ([]byte, error) { return []byte{respReject}, nil }

// RespReject is the shared Reject value for callbacks with no manipulations
// to stage.
var RespReject = &Reject{}

// DiscardMessage silently accepts the message from the sender's point of
// view but discards it.
type DiscardMessage struct{ responseBase }

func (r *DiscardMessage) encode() ([]byte, error) { return []byte{respDiscard}, nil }

// RespDiscardMessage is the shared DiscardMessage value.
var RespDiscardMessage = &DiscardMessage{}

// CauseConnectionFail tells the MTA to treat the milter connection itself as
// failed, independent of any particular SMTP verdict.
type CauseConnectionFail struct{ responseBase }

func (r *CauseConnectionFail) encode() ([]byte, error) { return []byte{respConnFail}, nil }

// RespCauseConnectionFail is the shared CauseConnectionFail value.
var RespCauseConnectionFail = &CauseConnectionFail{}

// SkipToNextStage is only valid as a BodyChunk verdict: it tells the MTA to
// stop sending body chunks and proceed straight to EndOfMessage. It carries
// no manipulations of its own.
type SkipToNextStage struct{}

func (r *SkipToNextStage) encode() ([]byte, error)       { return []byte{respSkip}, nil }
func (r *SkipToNextStage) Manipulations() []Manipulation { return nil }

// RespSkipToNextStage is the shared SkipToNextStage value.
var RespSkipToNextStage = &SkipToNextStage{}

// Progress tells the MTA that a long-running callback is still alive and it
// should not time out the connection. Unlike the other variants this is not
// a verdict: it can be sent from any stage, including ones that otherwise
// produce no reply, and never carries manipulations.
type Progress struct{}

func (r *Progress) encode() ([]byte, error)       { return []byte{respProgress}, nil }
func (r *Progress) Manipulations() []Manipulation { return nil }

// RespProgress is the shared Progress value.
var RespProgress = &Progress{}

// Quarantine holds the message in the MTA's quarantine queue with reason as
// the human-readable explanation. Only meaningful alongside an Accept-style
// final verdict.
type Quarantine struct {
	responseBase
	Reason string
}

func (r *Quarantine) encode() ([]byte, error) {
	buf := append([]byte{respQuarantine}, []byte(milterutil.NewlineToSpace(r.Reason))...)
	return append(buf, 0), nil
}

// ReplyWithCode overrides the default SMTP reply with an explicit code and
// text. Code must fall in 400..599: by SMTP convention 4xx is a temporary
// failure and 5xx a permanent rejection; the wire protocol itself does not
// distinguish the two beyond that leading digit.
type ReplyWithCode struct {
	responseBase
	Code uint16
	Text string
}

// NewReplyWithCode validates code and builds a ReplyWithCode.
func NewReplyWithCode(code uint16, text string) (*ReplyWithCode, error) {
	if code < 400 || code > 599 {
		return nil, fmt.Errorf("milter: invalid SMTP code %d", code)
	}
	return &ReplyWithCode{Code: code, Text: text}, nil
}

func (r *ReplyWithCode) encode() ([]byte, error) {
	if len(r.Text) > int(DataSize64K)-5 {
		return nil, fmt.Errorf("milter: reply text too long: %d > %d", len(r.Text), int(DataSize64K)-5)
	}
	if strings.ContainsRune(r.Text, 0) {
		return nil, fmt.Errorf("milter: reply text cannot contain null-bytes")
	}
	escapeAndNormalize := transform.Chain(&milterutil.DoublePercentTransformer{}, &milterutil.CrLfCanonicalizationTransformer{})
	data, _, err := transform.String(escapeAndNormalize, strings.TrimRight(r.Text, "\r\n"))
	if err != nil {
		return nil, err
	}
	data, _, err = transform.String(&milterutil.MaximumLineLengthTransformer{}, data)
	if err != nil {
		return nil, err
	}
	data, _, err = transform.String(&milterutil.SMTPReplyTransformer{Code: r.Code}, data)
	if err != nil {
		return nil, err
	}
	if len(data) > int(DataSize64K)-1 {
		return nil, fmt.Errorf("milter: invalid data length: %d > %d", len(data), int(DataSize64K)-1)
	}
	buf := append([]byte{respReplyCode}, []byte(data)...)
	return append(buf, 0), nil
}
