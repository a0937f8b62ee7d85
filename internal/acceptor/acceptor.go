// Package acceptor implements the listening-socket lifecycle and accept
// policy (spec.md §4.4), grounded on the teacher's Controller
// (open→configure→start→stop) and Device.State() latching pattern.
package acceptor

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vectoripc/safeipc-core/internal/backlog"
	"github.com/vectoripc/safeipc-core/internal/handshake"
	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/reactor"
	"github.com/vectoripc/safeipc-core/internal/wire"
)

// State mirrors the teacher's DeviceState latching pattern: Created while
// unstarted, Running while accepting, Stopped once torn down.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Server is the acceptor: a bound, listening Unix-domain socket, its
// backlog of in-flight handshakes, and the accept policy that throttles
// admission to the backlog's capacity.
type Server struct {
	path        string
	dispatcher  *reactor.Dispatcher
	provisioner interfaces.ShmProvisioner
	logger      interfaces.Logger

	maxS2CBuffer  uint64
	timeoutNanos  uint64
	expectedMajor uint8
	backlogSize   int

	listenFD int
	listenID reactor.ID
	notifyID reactor.ID

	backlog *backlog.Backlog

	state atomic.Value // State
	fatal atomic.Value // error, nil until latched
}

// Config bundles Server construction parameters.
type Config struct {
	SocketPath    string
	Dispatcher    *reactor.Dispatcher
	Provisioner   interfaces.ShmProvisioner
	MaxS2CBuffer  uint64
	TimeoutNanos  uint64
	ExpectedMajor uint8
	Logger        interfaces.Logger
	BacklogSize   int
}

// New constructs an unstarted Server. Call Start to bind the listening
// socket and begin accepting.
func New(cfg Config) *Server {
	backlogSize := cfg.BacklogSize
	if backlogSize <= 0 {
		backlogSize = 32
	}
	s := &Server{
		path:          cfg.SocketPath,
		dispatcher:    cfg.Dispatcher,
		provisioner:   cfg.Provisioner,
		logger:        cfg.Logger,
		maxS2CBuffer:  cfg.MaxS2CBuffer,
		timeoutNanos:  cfg.TimeoutNanos,
		expectedMajor: cfg.ExpectedMajor,
		backlogSize:   backlogSize,
		listenFD:      -1,
	}
	s.state.Store(StateCreated)
	return s
}

// Start binds the listening Unix-domain socket, constructs the backlog,
// and registers both the listening socket and an internal software event
// for drain notifications with the reactor dispatcher. A raw socket is
// used instead of net.Listen so the fd can be registered directly with
// the reactor rather than driven by net's own runtime poller.
func (s *Server) Start() error {
	if s.state.Load().(State) != StateCreated {
		return fmt.Errorf("acceptor: already started")
	}

	os.Remove(s.path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("acceptor: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: s.path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("acceptor: bind %s: %w", s.path, err)
	}
	if err := unix.Listen(fd, s.backlogSize); err != nil {
		unix.Close(fd)
		return fmt.Errorf("acceptor: listen: %w", err)
	}
	s.listenFD = fd

	notifyID, err := s.dispatcher.RegisterSW(s.onNotify)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("acceptor: registering drain event: %w", err)
	}
	s.notifyID = notifyID

	s.backlog = backlog.New(s.backlogSize, s.dispatcher, notifyID, s.logger, s.onSlotFreed)

	listenID, err := s.dispatcher.RegisterFD(fd, reactor.EventRead, s.onAcceptable)
	if err != nil {
		s.dispatcher.UnregisterSW(notifyID)
		unix.Close(fd)
		return fmt.Errorf("acceptor: registering listening socket: %w", err)
	}
	s.listenID = listenID

	s.state.Store(StateRunning)
	return nil
}

// onAcceptable runs on the reactor thread whenever the listening socket is
// readable. Per spec.md §4.4: accept non-blockingly while the backlog has
// room, hand each accepted fd to the backlog (which starts its own
// handshake), and disable read events once the backlog is full.
func (s *Server) onAcceptable(reactor.EventMask) {
	for !s.backlog.IsFull() {
		connFD, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			if err == unix.ECONNABORTED {
				continue // transient: peer reset before accept completed
			}
			s.latch(fmt.Errorf("acceptor: accept: %w", err))
			return
		}

		conn := handshake.New(connFD, handshake.Config{
			Dispatcher:    s.dispatcher,
			Provisioner:   s.provisioner,
			MaxS2CBuffer:  s.maxS2CBuffer,
			Timeout:       nanosToDuration(s.timeoutNanos),
			ExpectedMajor: s.expectedMajor,
			Logger:        s.logger,
			OnEstablished: s.backlog.NotifyEstablished,
			OnError:       s.backlog.NotifyError,
		})
		if err := s.backlog.AddIncoming(conn); err != nil {
			// The backlog just reported room; lost a race against another
			// admission path. Drop the connection rather than block.
			unix.Close(connFD)
			return
		}
	}

	if err := s.dispatcher.RemoveEvents(s.listenID, reactor.EventRead); err != nil && s.logger != nil {
		s.logger.Debugf("acceptor: disabling listen events: %v", err)
	}
}

// onSlotFreed is the backlog's freed callback: a slot became available, so
// re-enable read events on the listening socket if they had been disabled.
func (s *Server) onSlotFreed() {
	if s.state.Load().(State) != StateRunning {
		return
	}
	if err := s.dispatcher.AddEvents(s.listenID, reactor.EventRead); err != nil && s.logger != nil {
		s.logger.Debugf("acceptor: re-enabling listen events: %v", err)
	}
}

// onNotify runs on the reactor thread whenever a handshake establishes or
// fails. Established connections are left queued for the application to
// pull via HasEstablished/InitNext; this callback's own job is just the
// housekeeping half: sweeping failed handshakes out of the backlog so
// their slots free up for new accepts.
func (s *Server) onNotify(reactor.EventMask) {
	s.backlog.HandleErrors()
}

// HasEstablished reports whether a completed handshake is waiting to be
// promoted via InitNext.
func (s *Server) HasEstablished() bool {
	if s.backlog == nil {
		return false
	}
	return s.backlog.HasEstablished()
}

// InitNext promotes the next completed handshake, consuming its backlog
// slot and returning the resources the application needs to wire up the
// established connection. ok is false if nothing is established.
func (s *Server) InitNext() (handshake.Extracted, bool) {
	if s.backlog == nil || !s.backlog.HasEstablished() {
		return handshake.Extracted{}, false
	}
	conn := s.backlog.NextEstablished()
	if conn == nil {
		return handshake.Extracted{}, false
	}
	extracted := conn.Extracted()
	s.backlog.RemoveLast()
	return extracted, true
}

// Status reports the first fatal error the acceptor latched, or nil if
// none has occurred. Once latched, the value never changes.
func (s *Server) Status() error {
	if v := s.fatal.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *Server) latch(err error) {
	s.fatal.CompareAndSwap(nil, err)
	if s.logger != nil {
		s.logger.Printf("acceptor: fatal: %v", err)
	}
}

// Stop tears down the listening socket, aborts every in-flight handshake,
// and unregisters from the reactor. Idempotent.
func (s *Server) Stop() error {
	if s.state.Load().(State) == StateStopped {
		return nil
	}
	s.state.Store(StateStopped)

	var firstErr error
	if s.listenID.Valid() {
		s.dispatcher.Unregister(s.listenID)
	}
	if s.notifyID.Valid() {
		s.dispatcher.UnregisterSW(s.notifyID)
	}
	if s.backlog != nil {
		s.backlog.Shutdown()
	}
	if s.listenFD >= 0 {
		if err := unix.Close(s.listenFD); err != nil {
			firstErr = err
		}
		s.listenFD = -1
	}
	if s.path != "" {
		os.Remove(s.path)
	}
	return firstErr
}

func nanosToDuration(ns uint64) time.Duration {
	return time.Duration(ns)
}

// SocketPath returns the Unix-domain socket path this server listens on,
// computed from its Major/Minor wire address per spec.md §3.
func SocketPath(dir string, addr wire.Address) string {
	return wire.SocketPath(dir, addr)
}
