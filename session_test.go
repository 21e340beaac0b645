package milter

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// frameSink collects every payload handed to writeFrame, in order.
type frameSink struct {
	frames [][]byte
}

func (f *frameSink) write(payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.frames = append(f.frames, cp)
	return nil
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func newTestSession(app *App) (*Session, *frameSink) {
	sink := &frameSink{}
	s := NewSession(app, "test", discardLogger(), sink.write, func() error { return nil }, time.Minute)
	return s, sink
}

// negotiateCmd simulates a modern MTA offering every optional action and
// protocol step, so any ProtocolFlags an App derives negotiates cleanly.
func negotiateCmd() *OptionsNegotiate {
	return &OptionsNegotiate{Version: MilterVersion, Actions: ^OptAction(0), Protocol: allProtocolFlagsMask}
}

func TestSession_NegotiateThenDispatch(t *testing.T) {
	var gotHostname string
	app := NewApp("test").OnConnectAndReply(func(sess *Session, cmd *Connect) (Response, error) {
		gotHostname = cmd.Hostname
		return RespContinue, nil
	})
	s, sink := newTestSession(app)

	if ok := s.dispatch(negotiateCmd()); !ok {
		t.Fatalf("negotiate dispatch returned false")
	}
	if s.state != stateNegotiated {
		t.Fatalf("state = %v, want stateNegotiated", s.state)
	}
	if len(sink.frames) != 1 || sink.frames[0][0] != respOptNeg {
		t.Fatalf("expected one OptionsNegotiateResponse frame, got %v", sink.frames)
	}

	if ok := s.dispatch(&Connect{Hostname: "mail.example.com", Family: FamilyInet, Address: "127.0.0.1"}); !ok {
		t.Fatalf("connect dispatch returned false")
	}
	if gotHostname != "mail.example.com" {
		t.Fatalf("hook did not see decoded hostname: %q", gotHostname)
	}
	if len(sink.frames) != 2 || sink.frames[1][0] != respContinue {
		t.Fatalf("expected a Continue reply frame, got %v", sink.frames)
	}
}

func TestSession_NegotiateVersionMismatchCloses(t *testing.T) {
	app := NewApp("test")
	s, sink := newTestSession(app)
	cmd := &OptionsNegotiate{Version: 2, Actions: 0, Protocol: 0}
	if ok := s.dispatch(cmd); ok {
		t.Fatalf("expected dispatch to signal stop on version mismatch")
	}
	if len(sink.frames) != 0 {
		t.Fatalf("expected no reply frame on failed negotiate, got %v", sink.frames)
	}
}

func TestSession_DisabledStageProducesNoReply(t *testing.T) {
	app := NewApp("test").OnConnect(func(sess *Session, cmd *Connect) (Response, error) {
		return RespContinue, nil
	})
	s, sink := newTestSession(app)
	s.dispatch(negotiateCmd())
	sink.frames = nil

	if ok := s.dispatch(&Connect{Hostname: "h"}); !ok {
		t.Fatalf("dispatch returned false")
	}
	if len(sink.frames) != 0 {
		t.Fatalf("bare On* hook must never write a reply, got %v", sink.frames)
	}
}

func TestSession_DefineMacroAttachesToMatchingStage(t *testing.T) {
	var seen string
	app := NewApp("test").OnConnectAndReply(func(sess *Session, cmd *Connect) (Response, error) {
		seen, _ = cmd.Macros().GetEx(MacroIfName)
		return RespContinue, nil
	})
	s, _ := newTestSession(app)
	s.dispatch(negotiateCmd())

	s.dispatch(&DefineMacro{Stage: StageConnect, Macros: map[string]string{MacroIfName: "eth0"}})
	s.dispatch(&Connect{Hostname: "h"})

	if seen != "eth0" {
		t.Fatalf("macro bundle not attached: got %q", seen)
	}
}

func TestSession_DefineMacroForWrongStageIsDiscarded(t *testing.T) {
	var hadMacro bool
	app := NewApp("test").OnConnectAndReply(func(sess *Session, cmd *Connect) (Response, error) {
		_, hadMacro = cmd.Macros().GetEx(MacroIfName)
		return RespContinue, nil
	})
	s, _ := newTestSession(app)
	s.dispatch(negotiateCmd())

	// A macro bundle scoped to Helo should not leak into the following Connect.
	s.dispatch(&DefineMacro{Stage: StageHelo, Macros: map[string]string{MacroIfName: "eth0"}})
	s.dispatch(&Connect{Hostname: "h"})

	if hadMacro {
		t.Fatalf("macro bundle for the wrong stage was attached anyway")
	}
	if s.pendingMacro != nil {
		t.Fatalf("pendingMacro should have been cleared, got %+v", s.pendingMacro)
	}
}

func TestSession_EndOfMessageFlushesManipulationsBeforeVerdict(t *testing.T) {
	app := NewApp("test").OnEndOfMessage(func(sess *Session, cmd *EndOfMessage) (Response, error) {
		return &Accept{responseBase{Manips: []Manipulation{
			&AppendHeader{Name: "X-Scanned", Value: "yes"},
			&AddRecipient{Addr: "bcc@example.com"},
		}}}, nil
	})
	s, sink := newTestSession(app)
	s.dispatch(negotiateCmd())
	s.dispatch(&MailFrom{Address: "a@example.com"})
	sink.frames = nil

	if ok := s.dispatch(&EndOfMessage{}); !ok {
		t.Fatalf("EndOfMessage dispatch returned false")
	}
	if len(sink.frames) != 3 {
		t.Fatalf("expected 2 manipulation frames + 1 verdict frame, got %d: %v", len(sink.frames), sink.frames)
	}
	if sink.frames[0][0] != respAddHeader {
		t.Fatalf("manipulations must flush in append order, first frame = %q", sink.frames[0][0])
	}
	if sink.frames[1][0] != respAddRcpt {
		t.Fatalf("manipulations must flush in append order, second frame = %q", sink.frames[1][0])
	}
	if sink.frames[2][0] != respAccept {
		t.Fatalf("verdict must be written last, got %q", sink.frames[2][0])
	}
	if s.state != stateNegotiated {
		t.Fatalf("state after EndOfMessage = %v, want stateNegotiated", s.state)
	}
}

// TestSession_ManipulationsStageAcrossStages covers spec §8 Scenario 5:
// a manipulation returned by a non-EndOfMessage callback (here, Connect)
// must still be flushed, in append order, ahead of the manipulations
// returned by the EndOfMessage callback and the final verdict.
func TestSession_ManipulationsStageAcrossStages(t *testing.T) {
	app := NewApp("test").
		OnConnectAndReply(func(sess *Session, cmd *Connect) (Response, error) {
			return &Continue{responseBase{Manips: []Manipulation{
				&AppendHeader{Name: "X-A", Value: "1"},
			}}}, nil
		}).
		OnEndOfMessage(func(sess *Session, cmd *EndOfMessage) (Response, error) {
			return &Accept{responseBase{Manips: []Manipulation{
				&AppendHeader{Name: "X-B", Value: "2"},
			}}}, nil
		})
	s, sink := newTestSession(app)
	s.dispatch(negotiateCmd())
	sink.frames = nil

	if ok := s.dispatch(&Connect{Hostname: "h"}); !ok {
		t.Fatalf("Connect dispatch returned false")
	}
	if ok := s.dispatch(&EndOfMessage{}); !ok {
		t.Fatalf("EndOfMessage dispatch returned false")
	}

	// One Continue reply for Connect, then the two staged AppendHeaders in
	// append order, then the EndOfMessage verdict.
	if len(sink.frames) != 4 {
		t.Fatalf("expected 1 reply + 2 manipulation frames + 1 verdict frame, got %d: %v", len(sink.frames), sink.frames)
	}
	if sink.frames[0][0] != respContinue {
		t.Fatalf("Connect reply must be written first, got %q", sink.frames[0][0])
	}
	if sink.frames[1][0] != respAddHeader || string(sink.frames[1][1:]) != "X-A\x001\x00" {
		t.Fatalf("first manipulation must be the Connect-staged X-A header, got %q", sink.frames[1])
	}
	if sink.frames[2][0] != respAddHeader || string(sink.frames[2][1:]) != "X-B\x002\x00" {
		t.Fatalf("second manipulation must be the EndOfMessage-staged X-B header, got %q", sink.frames[2])
	}
	if sink.frames[3][0] != respAccept {
		t.Fatalf("verdict must be written last, got %q", sink.frames[3][0])
	}
}

func TestSession_AbortResetsTransactionState(t *testing.T) {
	var aborted bool
	app := NewApp("test").OnAbort(func(sess *Session, cmd *Abort) error {
		aborted = true
		return nil
	})
	s, _ := newTestSession(app)
	s.dispatch(negotiateCmd())
	s.dispatch(&MailFrom{Address: "a@example.com"})
	s.manipulations = append(s.manipulations, &AddRecipient{Addr: "x@example.com"})

	if ok := s.dispatch(&Abort{}); !ok {
		t.Fatalf("abort dispatch returned false")
	}
	if !aborted {
		t.Fatalf("abort hook was not called")
	}
	if s.state != stateNegotiated {
		t.Fatalf("state after abort = %v, want stateNegotiated", s.state)
	}
	if len(s.manipulations) != 0 || s.manipulationsSent {
		t.Fatalf("abort must clear staged manipulations")
	}
}

func TestSession_QuitStopsTheLoop(t *testing.T) {
	s, _ := newTestSession(NewApp("test"))
	s.dispatch(negotiateCmd())
	if ok := s.dispatch(&Quit{}); ok {
		t.Fatalf("Quit must stop the dispatch loop")
	}
	if s.state != stateTerminated {
		t.Fatalf("state after Quit = %v, want stateTerminated", s.state)
	}
}

func TestSession_QuitNoCloseKeepsConnectionAlive(t *testing.T) {
	var reconnected bool
	app := NewApp("test").OnNewConnection(func(sess *Session) error {
		reconnected = true
		return nil
	})
	s, _ := newTestSession(app)
	s.dispatch(negotiateCmd())
	reconnected = false

	if ok := s.dispatch(&QuitNoClose{}); !ok {
		t.Fatalf("QuitNoClose must keep the dispatch loop running")
	}
	if s.state != stateNegotiated {
		t.Fatalf("state after QuitNoClose = %v, want stateNegotiated", s.state)
	}
	if !reconnected {
		t.Fatalf("NewConnection hook was not re-invoked after QuitNoClose")
	}
}

func TestApp_DuplicateRegistrationIsProgrammingError(t *testing.T) {
	app := NewApp("test").
		OnConnect(func(sess *Session, cmd *Connect) (Response, error) { return RespContinue, nil }).
		OnConnectAndReply(func(sess *Session, cmd *Connect) (Response, error) { return RespContinue, nil })
	if _, err := app.build(); err == nil {
		t.Fatalf("expected a ProgrammingError for duplicate Connect registration")
	} else if _, ok := err.(*ProgrammingError); !ok {
		t.Fatalf("expected *ProgrammingError, got %T: %v", err, err)
	}
}

func TestApp_BuildDerivesWantAndReplyBits(t *testing.T) {
	app := NewApp("test").
		OnConnectAndReply(func(sess *Session, cmd *Connect) (Response, error) { return RespContinue, nil }).
		OnHelo(func(sess *Session, cmd *Helo) (Response, error) { return RespContinue, nil })
	flags, err := app.build()
	if err != nil {
		t.Fatalf("build() error = %v", err)
	}
	if !flags.WantConnect || !flags.ReplyConnect {
		t.Fatalf("Connect want/reply bits not derived: %+v", flags)
	}
	if !flags.WantHelo || flags.ReplyHelo {
		t.Fatalf("Helo want/reply bits not derived: %+v", flags)
	}
	if flags.WantMailFrom {
		t.Fatalf("MailFrom should not be wanted: %+v", flags)
	}
}
