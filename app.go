package milter

// ConnectFunc handles a Connect command.
type ConnectFunc func(sess *Session, cmd *Connect) (Response, error)

// HeloFunc handles a Helo command.
type HeloFunc func(sess *Session, cmd *Helo) (Response, error)

// MailFromFunc handles a MailFrom command.
type MailFromFunc func(sess *Session, cmd *MailFrom) (Response, error)

// RcptToFunc handles one RcptTo command. It may be called multiple times per
// message, once per recipient.
type RcptToFunc func(sess *Session, cmd *RcptTo) (Response, error)

// DataFunc handles the Data command.
type DataFunc func(sess *Session, cmd *Data) (Response, error)

// HeaderFunc handles one decoded message header.
type HeaderFunc func(sess *Session, cmd *Header) (Response, error)

// EndOfHeadersFunc handles the end of the header block.
type EndOfHeadersFunc func(sess *Session, cmd *EndOfHeaders) (Response, error)

// BodyChunkFunc handles one chunk of the message body.
type BodyChunkFunc func(sess *Session, cmd *BodyChunk) (Response, error)

// EndOfMessageFunc handles the end of the message. This is where staged
// manipulations are expected to come from.
type EndOfMessageFunc func(sess *Session, cmd *EndOfMessage) (Response, error)

// UnknownFunc handles an SMTP command the MTA did not recognize.
type UnknownFunc func(sess *Session, cmd *Unknown) (Response, error)

// AbortFunc handles transaction abort. It never produces a reply.
type AbortFunc func(sess *Session, cmd *Abort) error

// NewConnectionFunc is called once per SMTP connection (possibly more than
// once per milter connection, see QuitNoClose). It never produces a reply.
type NewConnectionFunc func(sess *Session) error

// CleanupFunc is called when the Milter backend for a connection is about to
// be discarded. It never produces a reply.
type CleanupFunc func(sess *Session)

// App is an application's milter definition: a name (for logging), the
// per-stage callbacks it wants invoked, and the manipulation capabilities it
// intends to use. Build one with NewApp and the On*/On*AndReply methods,
// then pass it to NewServer as its first argument.
//
// The per-stage reply bit a callback gets is determined by which
// registration method was used (a bare On* hook never replies; the
// AndReply variant always does), resolved once when the App is built.
// Registering a stage twice is a configuration-time ProgrammingError.
type App struct {
	Name string

	Capabilities      ProtocolFlags
	MacroRestrictions map[MacroStage][]string

	connect       ConnectFunc
	connectReply  bool
	helo          HeloFunc
	heloReply     bool
	mailFrom      MailFromFunc
	mailFromReply bool
	rcptTo        RcptToFunc
	rcptToReply   bool
	data          DataFunc
	dataReply     bool
	header        HeaderFunc
	headerReply   bool
	eoh           EndOfHeadersFunc
	eohReply      bool
	body          BodyChunkFunc
	bodyReply     bool
	eom           EndOfMessageFunc
	unknown       UnknownFunc
	unknownReply  bool
	abort         AbortFunc
	newConnection NewConnectionFunc
	cleanup       CleanupFunc

	registered map[string]bool
	dupErr     []string
}

// NewApp creates an empty App with the given name.
func NewApp(name string) *App {
	return &App{Name: name, registered: make(map[string]bool)}
}

func (a *App) mark(stage string) {
	if a.registered[stage] {
		a.dupErr = append(a.dupErr, stage)
	}
	a.registered[stage] = true
}

// OnConnect registers a Connect hook that never replies.
func (a *App) OnConnect(fn ConnectFunc) *App { a.mark("connect"); a.connect = fn; return a }

// OnConnectAndReply registers a Connect hook whose return value is always sent back.
func (a *App) OnConnectAndReply(fn ConnectFunc) *App {
	a.mark("connect")
	a.connect, a.connectReply = fn, true
	return a
}

// OnHelo registers a Helo hook that never replies.
func (a *App) OnHelo(fn HeloFunc) *App { a.mark("helo"); a.helo = fn; return a }

// OnHeloAndReply registers a Helo hook whose return value is always sent back.
func (a *App) OnHeloAndReply(fn HeloFunc) *App {
	a.mark("helo")
	a.helo, a.heloReply = fn, true
	return a
}

// OnMailFrom registers a MailFrom hook that never replies.
func (a *App) OnMailFrom(fn MailFromFunc) *App { a.mark("mailFrom"); a.mailFrom = fn; return a }

// OnMailFromAndReply registers a MailFrom hook whose return value is always sent back.
func (a *App) OnMailFromAndReply(fn MailFromFunc) *App {
	a.mark("mailFrom")
	a.mailFrom, a.mailFromReply = fn, true
	return a
}

// OnRcptTo registers a RcptTo hook that never replies.
func (a *App) OnRcptTo(fn RcptToFunc) *App { a.mark("rcptTo"); a.rcptTo = fn; return a }

// OnRcptToAndReply registers a RcptTo hook whose return value is always sent back.
// RcptTo always effectively replies per recipient in practice; most
// applications want this variant.
func (a *App) OnRcptToAndReply(fn RcptToFunc) *App {
	a.mark("rcptTo")
	a.rcptTo, a.rcptToReply = fn, true
	return a
}

// OnData registers a Data hook that never replies.
func (a *App) OnData(fn DataFunc) *App { a.mark("data"); a.data = fn; return a }

// OnDataAndReply registers a Data hook whose return value is always sent back.
func (a *App) OnDataAndReply(fn DataFunc) *App {
	a.mark("data")
	a.data, a.dataReply = fn, true
	return a
}

// OnHeader registers a Header hook that never replies.
func (a *App) OnHeader(fn HeaderFunc) *App { a.mark("header"); a.header = fn; return a }

// OnHeaderAndReply registers a Header hook whose return value is always sent back.
func (a *App) OnHeaderAndReply(fn HeaderFunc) *App {
	a.mark("header")
	a.header, a.headerReply = fn, true
	return a
}

// OnEndOfHeaders registers an EndOfHeaders hook that never replies.
func (a *App) OnEndOfHeaders(fn EndOfHeadersFunc) *App { a.mark("eoh"); a.eoh = fn; return a }

// OnEndOfHeadersAndReply registers an EndOfHeaders hook whose return value is always sent back.
func (a *App) OnEndOfHeadersAndReply(fn EndOfHeadersFunc) *App {
	a.mark("eoh")
	a.eoh, a.eohReply = fn, true
	return a
}

// OnBodyChunk registers a BodyChunk hook that never replies; a SkipToNextStage it returns is not sent either.
func (a *App) OnBodyChunk(fn BodyChunkFunc) *App { a.mark("body"); a.body = fn; return a }

// OnBodyChunkAndReply registers a BodyChunk hook whose return value is always sent back.
func (a *App) OnBodyChunkAndReply(fn BodyChunkFunc) *App {
	a.mark("body")
	a.body, a.bodyReply = fn, true
	return a
}

// OnEndOfMessage registers the EndOfMessage hook. EndOfMessage always replies.
func (a *App) OnEndOfMessage(fn EndOfMessageFunc) *App { a.mark("eom"); a.eom = fn; return a }

// OnUnknown registers an Unknown hook that never replies.
func (a *App) OnUnknown(fn UnknownFunc) *App { a.mark("unknown"); a.unknown = fn; return a }

// OnUnknownAndReply registers an Unknown hook whose return value is always sent back.
func (a *App) OnUnknownAndReply(fn UnknownFunc) *App {
	a.mark("unknown")
	a.unknown, a.unknownReply = fn, true
	return a
}

// OnAbort registers the Abort hook.
func (a *App) OnAbort(fn AbortFunc) *App { a.mark("abort"); a.abort = fn; return a }

// OnNewConnection registers the NewConnection hook.
func (a *App) OnNewConnection(fn NewConnectionFunc) *App {
	a.mark("newConnection")
	a.newConnection = fn
	return a
}

// OnCleanup registers the Cleanup hook.
func (a *App) OnCleanup(fn CleanupFunc) *App { a.mark("cleanup"); a.cleanup = fn; return a }

// validMacroStages are the stages original_source's CustomizableMacroStages
// allows restricting; StageEOM/StageEndMarker are not offered to the MTA as
// a restrictable SetMacros request slot.
var validMacroStages = map[MacroStage]bool{
	StageConnect: true, StageHelo: true, StageMail: true, StageRcpt: true,
	StageData: true, StageEOH: true,
}

// build validates the App's registrations and derives the ProtocolFlags this
// runtime must negotiate with the MTA. It returns a *ProgrammingError if
// registration was ambiguous (duplicate hook) or a restricted macro stage is
// invalid.
func (a *App) build() (ProtocolFlags, error) {
	if len(a.dupErr) > 0 {
		return ProtocolFlags{}, &ProgrammingError{Msg: "duplicate hook registration for stage(s): " + joinStrings(a.dupErr)}
	}
	for stage := range a.MacroRestrictions {
		if !validMacroStages[stage] {
			return ProtocolFlags{}, &ProgrammingError{Msg: "macro restriction set for a stage that cannot be restricted"}
		}
	}
	f := a.Capabilities
	f.WantConnect, f.ReplyConnect = a.connect != nil, a.connectReply
	f.WantHelo, f.ReplyHelo = a.helo != nil, a.heloReply
	f.WantMailFrom, f.ReplyMailFrom = a.mailFrom != nil, a.mailFromReply
	f.WantRcptTo, f.ReplyRcptTo = a.rcptTo != nil, a.rcptToReply
	f.WantData, f.ReplyData = a.data != nil, a.dataReply
	f.WantHeaders, f.ReplyHeaders = a.header != nil, a.headerReply
	f.WantEOH, f.ReplyEOH = a.eoh != nil, a.eohReply
	f.WantBody, f.ReplyBody = a.body != nil, a.bodyReply
	f.WantUnknown, f.ReplyUnknown = a.unknown != nil, a.unknownReply
	if len(a.MacroRestrictions) > 0 {
		f.CanSetMacros = true
	}
	return f, nil
}

func joinStrings(ss []string) string {
	out := ss[0]
	for _, s := range ss[1:] {
		out += ", " + s
	}
	return out
}
