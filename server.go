package milter

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after a call to Shutdown.
var ErrServerClosed = errors.New("milter: server closed")

// Server accepts milter connections, assigns each a fresh ConnectionId used
// as ambient logging context, and runs one Connection Handler per
// connection against the App it was built with.
type Server struct {
	app          *App
	log          *logrus.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu             sync.Mutex
	listeners      map[*onceCloseListener]struct{}
	listenerGroup  sync.WaitGroup
	activeHandlers map[*connHandler]struct{}
	connGroup      errgroup.Group
	inShutdown     atomic.Bool
	connCount      atomic.Uint64
}

// NewServer creates a Server for app. It panics if app is nil, or with the
// *ProgrammingError if app's hook registration is invalid, matching the
// teacher's precedent of panicking at NewServer for configuration mistakes
// rather than surfacing them as a runtime error.
func NewServer(app *App, opts ...Option) *Server {
	if app == nil {
		panic("milter: NewServer requires a non-nil App")
	}
	if _, err := app.build(); err != nil {
		panic(err)
	}
	o := options{
		readTimeout:  30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Server{
		app:          app,
		log:          o.logger,
		readTimeout:  o.readTimeout,
		writeTimeout: o.writeTimeout,
	}
}

// onceCloseListener wraps a net.Listener, protecting it from multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(func() { oc.closeErr = oc.Listener.Close() })
	return oc.closeErr
}

// Serve accepts connections on ln until it is closed or the server shuts
// down, running one Connection Handler per connection. It returns
// ErrServerClosed once shutdown has begun.
func (s *Server) Serve(ln net.Listener) error {
	local := &onceCloseListener{Listener: ln}
	if !s.trackListener(local, true) {
		return ErrServerClosed
	}
	defer s.trackListener(local, false)

	for {
		conn, err := local.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		s.connGroup.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
}

func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()[:8]
	entry := s.log.WithField("conn", connID)
	h := newConnHandler(conn, s.app, connID, entry, s.readTimeout, s.writeTimeout)
	if !s.trackHandler(h, true) {
		_ = conn.Close()
		return
	}
	defer s.trackHandler(h, false)
	s.connCount.Add(1)
	h.serve()
}

// ConnectionCount returns the number of connections this Server has accepted
// in total. Use this for logging/metrics purposes.
func (s *Server) ConnectionCount() uint64 {
	return s.connCount.Load()
}

func (s *Server) shuttingDown() bool { return s.inShutdown.Load() }

func (s *Server) trackListener(ln *onceCloseListener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*onceCloseListener]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) trackHandler(h *connHandler, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeHandlers == nil {
		s.activeHandlers = make(map[*connHandler]struct{})
	}
	if add {
		if s.shuttingDown() {
			return false
		}
		s.activeHandlers[h] = struct{}{}
	} else {
		delete(s.activeHandlers, h)
	}
	return true
}

func (s *Server) closeListenersLocked() error {
	var errs []error
	for ln := range s.listeners {
		errs = append(errs, ln.Close())
	}
	s.listeners = nil
	return errors.Join(errs...)
}

// Shutdown stops the server gracefully: it stops accepting new connections,
// then bottom-up closes every still-open connection and waits (bounded) for
// them to drain; any still open after the wait are closed top-down. The poll
// cadence (iteration i sleeps i milliseconds, total 50 iterations, warning
// every 5th) matches the original implementation's shutdown() loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.mu.Lock()
	lnErr := s.closeListenersLocked()
	open := make([]*connHandler, 0, len(s.activeHandlers))
	for h := range s.activeHandlers {
		open = append(open, h)
	}
	s.mu.Unlock()
	s.listenerGroup.Wait()
	for _, h := range open {
		h.session.CloseBottomUp()
	}

	for i := 1; i <= 50; i++ {
		s.mu.Lock()
		count := len(s.activeHandlers)
		s.mu.Unlock()
		if count == 0 {
			break
		}
		if i%5 == 0 {
			s.log.Warnf("milter: shutdown waiting on %d connection(s) to drain", count)
		}
		select {
		case <-ctx.Done():
			s.forceCloseHandlers()
			_ = s.connGroup.Wait()
			return ctx.Err()
		case <-time.After(time.Duration(i) * time.Millisecond):
		}
	}
	s.forceCloseHandlers()
	_ = s.connGroup.Wait()
	return lnErr
}

func (s *Server) forceCloseHandlers() {
	s.mu.Lock()
	handlers := make([]*connHandler, 0, len(s.activeHandlers))
	for h := range s.activeHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h.session.CloseTopDown()
	}
}
