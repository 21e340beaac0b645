package milter

// ProtocolFlags is the application-facing description of which stage
// callbacks it wants invoked, which of those stages it will reply to, and
// which manipulations it intends to perform. It is the named-boolean
// counterpart of the raw OptAction/OptProtocol wire bitmasks, so application
// code never has to hand-assemble flag constants.
//
// EndOfMessage always replies and Abort/Quit never do, so there is no
// Reply/Want toggle for them.
type ProtocolFlags struct {
	WantConnect, WantHelo, WantMailFrom, WantRcptTo, WantData, WantHeaders, WantEOH, WantBody, WantUnknown bool

	ReplyConnect, ReplyHelo, ReplyMailFrom, ReplyRcptTo, ReplyData, ReplyHeaders, ReplyEOH, ReplyBody, ReplyUnknown bool

	// SkipCapable signals this milter may return SkipToNextStage from its
	// BodyChunk callback to stop further body chunks from being sent.
	SkipCapable bool
	// IncludeRejectedRecipients asks the MTA to still invoke RcptTo even for
	// a recipient the MTA has already decided to reject.
	IncludeRejectedRecipients bool
	// PreserveHeaderLeadingSpace asks the MTA not to swallow a leading space
	// in header values before passing them to the milter.
	PreserveHeaderLeadingSpace bool

	CanAddHeaders             bool
	CanChangeBody             bool
	CanAddRecipients          bool
	CanRemoveRecipients       bool
	CanChangeHeaders          bool
	CanQuarantine             bool
	CanChangeFrom             bool
	CanAddRecipientsWithArgs  bool
	CanSetMacros              bool
}

// protocol encodes f's callback/reply/other toggles into the wire
// OptProtocol bitmask (disable-to-wire polarity for the callback/reply
// bits, enable-to-wire for everything else).
func (f ProtocolFlags) protocol() OptProtocol {
	var p OptProtocol
	if !f.WantConnect {
		p |= OptNoConnect
	}
	if !f.WantHelo {
		p |= OptNoHelo
	}
	if !f.WantMailFrom {
		p |= OptNoMailFrom
	}
	if !f.WantRcptTo {
		p |= OptNoRcptTo
	}
	if !f.WantBody {
		p |= OptNoBody
	}
	if !f.WantHeaders {
		p |= OptNoHeaders
	}
	if !f.WantEOH {
		p |= OptNoEOH
	}
	if !f.WantUnknown {
		p |= OptNoUnknown
	}
	if !f.WantData {
		p |= OptNoData
	}
	if !f.ReplyConnect {
		p |= OptNoConnReply
	}
	if !f.ReplyHelo {
		p |= OptNoHeloReply
	}
	if !f.ReplyMailFrom {
		p |= OptNoMailReply
	}
	if !f.ReplyRcptTo {
		p |= OptNoRcptReply
	}
	if !f.ReplyData {
		p |= OptNoDataReply
	}
	if !f.ReplyHeaders {
		p |= OptNoHeaderReply
	}
	if !f.ReplyEOH {
		p |= OptNoEOHReply
	}
	if !f.ReplyBody {
		p |= OptNoBodyReply
	}
	if !f.ReplyUnknown {
		p |= OptNoUnknownReply
	}
	if f.SkipCapable {
		p |= OptSkip
	}
	if f.IncludeRejectedRecipients {
		p |= OptRcptRej
	}
	if f.PreserveHeaderLeadingSpace {
		p |= OptHeaderLeadingSpace
	}
	return p
}

// actions encodes f's manipulation-capability toggles into the wire
// OptAction bitmask.
func (f ProtocolFlags) actions() OptAction {
	var a OptAction
	if f.CanAddHeaders {
		a |= OptAddHeader
	}
	if f.CanChangeBody {
		a |= OptChangeBody
	}
	if f.CanAddRecipients {
		a |= OptAddRcpt
	}
	if f.CanRemoveRecipients {
		a |= OptRemoveRcpt
	}
	if f.CanChangeHeaders {
		a |= OptChangeHeader
	}
	if f.CanQuarantine {
		a |= OptQuarantine
	}
	if f.CanChangeFrom {
		a |= OptChangeFrom
	}
	if f.CanAddRecipientsWithArgs {
		a |= OptAddRcptWithArgs
	}
	if f.CanSetMacros {
		a |= OptSetMacros
	}
	return a
}

// MtaCapabilities is what the MTA advertised during OptionsNegotiate,
// decoded into the same named-boolean shape as ProtocolFlags so the two can
// be compared field-by-field by callers that want a precise mismatch
// message; negotiate() itself only needs the raw bitmask comparison.
type MtaCapabilities struct {
	SendsConnect, SendsHelo, SendsMailFrom, SendsRcptTo, SendsData, SendsHeaders, SendsEOH, SendsBody, SendsUnknown bool

	SkipSupported             bool
	CanIncludeRejectedRecipients bool

	OffersAddHeaders            bool
	OffersChangeBody            bool
	OffersAddRecipients         bool
	OffersRemoveRecipients      bool
	OffersChangeHeaders         bool
	OffersQuarantine            bool
	OffersChangeFrom            bool
	OffersAddRecipientsWithArgs bool
	OffersSetMacros             bool
}

// decodeMtaCapabilities turns the MTA's raw offered bitmasks into
// MtaCapabilities.
func decodeMtaCapabilities(actions OptAction, protocol OptProtocol) MtaCapabilities {
	return MtaCapabilities{
		SendsConnect:     protocol&OptNoConnect == 0,
		SendsHelo:        protocol&OptNoHelo == 0,
		SendsMailFrom:    protocol&OptNoMailFrom == 0,
		SendsRcptTo:      protocol&OptNoRcptTo == 0,
		SendsData:        protocol&OptNoData == 0,
		SendsHeaders:     protocol&OptNoHeaders == 0,
		SendsEOH:         protocol&OptNoEOH == 0,
		SendsBody:        protocol&OptNoBody == 0,
		SendsUnknown:     protocol&OptNoUnknown == 0,
		SkipSupported:    protocol&OptSkip != 0,
		CanIncludeRejectedRecipients: protocol&OptRcptRej != 0,

		OffersAddHeaders:            actions&OptAddHeader != 0,
		OffersChangeBody:            actions&OptChangeBody != 0,
		OffersAddRecipients:         actions&OptAddRcpt != 0,
		OffersRemoveRecipients:      actions&OptRemoveRcpt != 0,
		OffersChangeHeaders:         actions&OptChangeHeader != 0,
		OffersQuarantine:            actions&OptQuarantine != 0,
		OffersChangeFrom:            actions&OptChangeFrom != 0,
		OffersAddRecipientsWithArgs: actions&OptAddRcptWithArgs != 0,
		OffersSetMacros:             actions&OptSetMacros != 0,
	}
}
