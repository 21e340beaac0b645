package milter

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type sessionState int

const (
	stateBeforeNegotiation sessionState = iota
	stateNegotiated
	stateInTransaction
	stateTerminated
)

// Session is the per-connection state machine: it owns the macro bag, the
// negotiated protocol contract, the staged-manipulation list, and the
// command dispatch loop. A Connection Handler feeds it decoded Commands
// through Enqueue and drives its consumer loop with Run; Session never reads
// or writes raw bytes itself beyond the single writeFrame/closeTransport
// callbacks it was constructed with.
type Session struct {
	ConnID string
	log    *logrus.Entry
	app    *App

	writeFrame     func([]byte) error
	closeTransport func() error

	readTimeout time.Duration

	queue chan Command
	done  chan struct{}

	state             sessionState
	macros            *macrosStages
	pendingMacro      *DefineMacro
	version           uint32
	actions           OptAction
	protocol          OptProtocol
	mta               MtaCapabilities
	manipulations     []Manipulation
	manipulationsSent bool

	closeOnce sync.Once
}

// NewSession constructs a Session for one connection. writeFrame writes one
// framed payload (a Response's encode() or a Manipulation's encode());
// closeTransport closes the underlying transport. Both are supplied by the
// Connection Handler that owns the net.Conn.
func NewSession(app *App, connID string, log *logrus.Entry, writeFrame func([]byte) error, closeTransport func() error, readTimeout time.Duration) *Session {
	return &Session{
		ConnID:         connID,
		log:            log,
		app:            app,
		writeFrame:     writeFrame,
		closeTransport: closeTransport,
		readTimeout:    readTimeout,
		macros:         newMacroStages(),
		queue:          make(chan Command, 16),
		done:           make(chan struct{}),
	}
}

// Get implements Macros against the session-wide macro bag (all stages seen
// so far), for convenience inside a callback that does not want to go
// through its Command's own Macros().
func (s *Session) Get(name MacroName) string { v, _ := s.GetEx(name); return v }

// GetEx implements Macros.
func (s *Session) GetEx(name MacroName) (string, bool) {
	return (&macroReader{macrosStages: s.macros}).GetEx(name)
}

func (s *Session) Version() uint32                  { return s.version }
func (s *Session) Protocol() OptProtocol             { return s.protocol }
func (s *Session) Actions() OptAction                { return s.actions }
func (s *Session) MtaCapabilities() MtaCapabilities  { return s.mta }

// SendProgress immediately writes a Progress packet to the MTA, independent
// of whatever response the current callback eventually returns. Unlike every
// other reply, it may be called from any callback, not just EndOfMessage.
func (s *Session) SendProgress() error {
	return s.writeFrame([]byte{respProgress})
}

// Enqueue hands cmd to the session's dispatch loop. It blocks if the queue
// is full, which is the natural backpressure point: the Connection Handler
// will stop reading further packets until the consumer catches up.
func (s *Session) Enqueue(cmd Command) {
	select {
	case s.queue <- cmd:
	case <-s.done:
	}
}

// Run drains the queue in FIFO order until CloseBottomUp/CloseTopDown stops
// it or the application signals termination (Quit). It is meant to run in
// its own goroutine, started once by the Connection Handler.
func (s *Session) Run() {
	defer s.closeOnce.Do(func() { close(s.done) })
	for {
		select {
		case cmd, ok := <-s.queue:
			if !ok {
				return
			}
			if !s.dispatch(cmd) {
				return
			}
		case <-s.done:
			return
		case <-time.After(s.readTimeout):
			// liveness poll only; a timeout here is never an error.
		}
	}
}

// CloseBottomUp is invoked by the Connection Handler when the transport hit
// EOF or a protocol violation. It stops the consumer and runs the
// application's Cleanup hook exactly once.
func (s *Session) CloseBottomUp() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.app.cleanup != nil {
			s.app.cleanup(s)
		}
	})
}

// CloseTopDown is invoked by a server shutdown. It asks the transport to
// close (which will in turn make the Connection Handler's read loop observe
// EOF) and stops the consumer without re-running Cleanup.
func (s *Session) CloseTopDown() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	if s.closeTransport != nil {
		_ = s.closeTransport()
	}
}

// dispatch processes one command and returns false when the session loop
// should stop (Quit, or a fatal protocol/application error).
func (s *Session) dispatch(cmd Command) bool {
	if dm, ok := cmd.(*DefineMacro); ok {
		if s.pendingMacro != nil {
			s.log.Warnf("milter: discarding unused macro bundle for stage %d", s.pendingMacro.Stage)
		}
		s.pendingMacro = dm
		return true
	}

	if neg, ok := cmd.(*OptionsNegotiate); ok {
		return s.handleNegotiate(neg)
	}

	if s.pendingMacro != nil {
		if cmd.stage() == s.pendingMacro.Stage {
			kv := make([]string, 0, len(s.pendingMacro.Macros)*2)
			for k, v := range s.pendingMacro.Macros {
				kv = append(kv, k, v)
			}
			s.macros.SetStage(s.pendingMacro.Stage, kv...)
		} else {
			s.log.Warnf("milter: discarding macro bundle for stage %d, next command was stage %d", s.pendingMacro.Stage, cmd.stage())
		}
		s.pendingMacro = nil
	}
	cmd.setMacros(&macroReader{macrosStages: s.macros})

	switch c := cmd.(type) {
	case *Connect:
		s.macros.DelStageAndAbove(StageHelo)
		return s.callAndReply(func() (Response, error) {
			if s.app.connect == nil {
				return RespContinue, nil
			}
			return s.app.connect(s, c)
		}, s.app.connectReply)
	case *Helo:
		s.macros.DelStageAndAbove(StageMail)
		return s.callAndReply(func() (Response, error) {
			if s.app.helo == nil {
				return RespContinue, nil
			}
			return s.app.helo(s, c)
		}, s.app.heloReply)
	case *MailFrom:
		s.macros.DelStageAndAbove(StageRcpt)
		s.state = stateInTransaction
		s.manipulations = nil
		s.manipulationsSent = false
		return s.callAndReply(func() (Response, error) {
			if s.app.mailFrom == nil {
				return RespContinue, nil
			}
			return s.app.mailFrom(s, c)
		}, s.app.mailFromReply)
	case *RcptTo:
		s.macros.DelStageAndAbove(StageData)
		return s.callAndReply(func() (Response, error) {
			if s.app.rcptTo == nil {
				return RespContinue, nil
			}
			return s.app.rcptTo(s, c)
		}, s.app.rcptToReply)
	case *Data:
		s.macros.DelStageAndAbove(StageEOH)
		return s.callAndReply(func() (Response, error) {
			if s.app.data == nil {
				return RespContinue, nil
			}
			return s.app.data(s, c)
		}, s.app.dataReply)
	case *Header:
		ok := s.callAndReply(func() (Response, error) {
			if s.app.header == nil {
				return RespContinue, nil
			}
			return s.app.header(s, c)
		}, s.app.headerReply)
		s.macros.DelStageAndAbove(StageEndMarker)
		return ok
	case *EndOfHeaders:
		s.macros.DelStageAndAbove(StageEOM)
		return s.callAndReply(func() (Response, error) {
			if s.app.eoh == nil {
				return RespContinue, nil
			}
			return s.app.eoh(s, c)
		}, s.app.eohReply)
	case *BodyChunk:
		ok := s.callAndReply(func() (Response, error) {
			if s.app.body == nil {
				return RespContinue, nil
			}
			return s.app.body(s, c)
		}, s.app.bodyReply)
		s.macros.DelStageAndAbove(StageEndMarker)
		return ok
	case *EndOfMessage:
		return s.handleEndOfMessage(c)
	case *Unknown:
		ok := s.callAndReply(func() (Response, error) {
			if s.app.unknown == nil {
				return RespContinue, nil
			}
			return s.app.unknown(s, c)
		}, s.app.unknownReply)
		s.macros.DelStageAndAbove(StageEndMarker)
		return ok
	case *Abort:
		var err error
		if s.app.abort != nil {
			err = s.app.abort(s, c)
		}
		s.macros.DelStageAndAbove(StageHelo)
		s.state = stateNegotiated
		s.manipulations = nil
		s.manipulationsSent = false
		if err != nil {
			s.log.Warnf("milter: abort callback error: %v", err)
			return false
		}
		return true
	case *Quit:
		s.state = stateTerminated
		return false
	case *QuitNoClose:
		// Quit without closing the transport: macros are reset, the session
		// stays negotiated and NewConnection runs again for the next SMTP
		// connection. A later OptionsNegotiate is refused by handleNegotiate.
		s.macros.DelStageAndAbove(StageConnect)
		s.state = stateNegotiated
		if s.app.newConnection != nil {
			if err := s.app.newConnection(s); err != nil {
				s.log.Warnf("milter: new connection callback error: %v", err)
				return false
			}
		}
		return true
	default:
		s.log.Warnf("milter: unrecognized command type %T", cmd)
		return false
	}
}

func (s *Session) handleNegotiate(cmd *OptionsNegotiate) bool {
	if s.state != stateBeforeNegotiation {
		s.log.Warn("milter: negotiate: can only be called once in a connection")
		return false
	}
	want, err := s.app.build()
	if err != nil {
		s.log.Errorf("milter: application configuration error: %v", err)
		return false
	}
	mta, actions, protocol, err := negotiate(cmd, want)
	s.mta = mta
	if err != nil {
		s.log.Warnf("milter: negotiate: %v", err)
		return false
	}
	s.version, s.actions, s.protocol = MilterVersion, actions, protocol
	resp := buildNegotiateResponse(actions, protocol, s.app.macroRequests())
	encoded, err := resp.encode()
	if err != nil {
		s.log.Errorf("milter: negotiate: failed to encode response: %v", err)
		return false
	}
	if err := s.writeFrame(encoded); err != nil {
		s.log.Warnf("milter: negotiate: write failed: %v", err)
		return false
	}
	s.state = stateNegotiated
	if s.app.newConnection != nil {
		if err := s.app.newConnection(s); err != nil {
			s.log.Warnf("milter: new connection callback error: %v", err)
			return false
		}
	}
	return true
}

// callAndReply runs fn, stages any manipulations it returns onto the
// per-session ordered list (per §4.6, a callback may return manipulations
// from any stage, not just EndOfMessage; handleEndOfMessage flushes the
// whole list ahead of the verdict), and writes the reply unless the stage
// was registered without one.
func (s *Session) callAndReply(fn func() (Response, error), wantsReply bool) bool {
	resp, err := fn()
	if err != nil {
		s.log.Warnf("milter: callback error: %v", err)
		return false
	}
	if resp != nil && len(resp.Manipulations()) > 0 {
		if s.manipulationsSent {
			s.log.Warn("milter: manipulations already flushed for this message, discarding late submission")
		} else {
			s.manipulations = append(s.manipulations, resp.Manipulations()...)
		}
	}
	if !wantsReply || resp == nil {
		return true
	}
	encoded, err := resp.encode()
	if err != nil {
		s.log.Warnf("milter: failed to encode response: %v", err)
		return false
	}
	if err := s.writeFrame(encoded); err != nil {
		s.log.Warnf("milter: write failed: %v", err)
		return false
	}
	return true
}

func (s *Session) handleEndOfMessage(c *EndOfMessage) bool {
	resp, err := func() (Response, error) {
		if s.app.eom == nil {
			return RespAccept, nil
		}
		return s.app.eom(s, c)
	}()
	if err != nil {
		s.log.Warnf("milter: end of message callback error: %v", err)
		return false
	}
	if resp == nil {
		resp = RespContinue
	}
	if !s.manipulationsSent {
		s.manipulations = append(s.manipulations, resp.Manipulations()...)
		for _, m := range s.manipulations {
			encoded, err := m.encode()
			if err != nil {
				s.log.Warnf("milter: failed to encode manipulation: %v", err)
				return false
			}
			if err := s.writeFrame(encoded); err != nil {
				s.log.Warnf("milter: write failed: %v", err)
				return false
			}
		}
		s.manipulationsSent = true
	} else if len(resp.Manipulations()) > 0 {
		s.log.Warn("milter: manipulations already flushed for this message, discarding late submission")
	}
	encoded, err := resp.encode()
	if err != nil {
		s.log.Warnf("milter: failed to encode response: %v", err)
		return false
	}
	if err := s.writeFrame(encoded); err != nil {
		s.log.Warnf("milter: write failed: %v", err)
		return false
	}
	s.state = stateNegotiated
	s.manipulations = nil
	s.manipulationsSent = false
	return true
}

// macroRequests turns the App's MacroRestrictions into the wire-ready
// per-stage slice the negotiation response tail needs.
func (a *App) macroRequests() macroRequests {
	if len(a.MacroRestrictions) == 0 {
		return nil
	}
	reqs := make(macroRequests, StageEndMarker)
	for stage, names := range a.MacroRestrictions {
		reqs[stage] = names
	}
	return reqs
}
