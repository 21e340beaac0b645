package milter

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nemorim/milterd/internal/wire"
)

// errHandlerClosed is a private sentinel that short-circuits the read loop
// on a locally-initiated close (CloseTopDown), the Go equivalent of the
// original's MtaMilterConnectionHandlerClosed.
var errHandlerClosed = errors.New("milter: connection handler closed")

// connHandler is the Connection Handler: it owns the net.Conn and the one
// Session for its lifetime, feeds the Packet Codec's decoded Commands into
// the session, and writes every framed response the session produces.
type connHandler struct {
	conn    net.Conn
	session *Session
	log     *logrus.Entry

	readTimeout, writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newConnHandler(conn net.Conn, app *App, connID string, log *logrus.Entry, readTimeout, writeTimeout time.Duration) *connHandler {
	h := &connHandler{conn: conn, log: log, readTimeout: readTimeout, writeTimeout: writeTimeout}
	h.session = NewSession(app, connID, log, h.writeFrame, h.closeTransport, readTimeout)
	return h
}

func (h *connHandler) writeFrame(payload []byte) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errHandlerClosed
	}
	return wire.WritePacket(h.conn, payload, h.writeTimeout)
}

func (h *connHandler) closeTransport() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}

// serve runs the read loop on the calling goroutine and the session's
// dispatch loop in a second goroutine, returning once both have stopped.
func (h *connHandler) serve() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.session.Run()
	}()

	h.readLoop()
	_ = h.closeTransport()
	wg.Wait()
}

func (h *connHandler) readLoop() {
	for {
		payload, err := wire.ReadPacket(h.conn, h.readTimeout)
		if err != nil {
			if isTimeout(err) {
				// The read deadline is a liveness poll, not a protocol
				// error: an MTA is allowed to sit idle between commands
				// (QuitNoClose exists for exactly this), so we just loop
				// and re-check whether the session has since terminated.
				select {
				case <-h.session.done:
					return
				default:
					continue
				}
			}
			if !ignoreCloseError(err) {
				h.log.Warnf("milter: read error: %v", err)
			}
			h.session.CloseBottomUp()
			return
		}
		cmd, err := DecodePayload(payload)
		if err != nil {
			h.log.Warnf("milter: protocol violation: %v", err)
			h.session.CloseBottomUp()
			return
		}
		h.session.Enqueue(cmd)
		select {
		case <-h.session.done:
			return
		default:
		}
	}
}

func ignoreCloseError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, errHandlerClosed)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
