package safeipc

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/vectoripc/safeipc-core/internal/acceptor"
	"github.com/vectoripc/safeipc-core/internal/eventmgr"
	"github.com/vectoripc/safeipc-core/internal/handshake"
	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/reactor"
	"github.com/vectoripc/safeipc-core/internal/shm"
	"github.com/vectoripc/safeipc-core/internal/slotserver"
)

// Server is the top-level SafeIPC connection-establishment core for one
// event: a reactor-driven acceptor accepting and handshaking clients over
// a Unix-domain socket, and the event manager that admits the resulting
// connections as receivers against the zero-copy slot server.
//
// One Server owns one reactor thread. Start launches it in a background
// goroutine, and handshake state is only touched there. AddReceiver,
// RemoveReceiver, TransitionReceiver, Allocate and Send call into the
// event manager on the calling goroutine without locking, so calls to
// them are not serialised against each other or against
// OnConnectionEstablished, which runs on the reactor thread.
type Server struct {
	cfg ServerConfig

	dispatcher *reactor.Dispatcher
	acc        *acceptor.Server
	manager    *eventmgr.Manager
	metrics    *Metrics

	drainID   reactor.ID
	stop      chan struct{}
	runDone   chan struct{}
	drainDone chan struct{}

	// regionsMu guards regions: the map from a live receiver id to the
	// server-to-client/notification regions its Extracted carried, kept so
	// RemoveReceiver can unlink them once the receiver is torn down (the
	// handshake and backlog never do this themselves — see
	// handshake.Extracted).
	regionsMu sync.Mutex
	regions   map[slotserver.ReceiverID]handshake.Extracted
}

// NewServer constructs an unstarted Server from cfg: the epoll-backed
// reactor dispatcher, the Unix-domain-socket acceptor, and the event
// manager's slot server. Call Start to begin accepting connections.
func NewServer(cfg ServerConfig) (*Server, error) {
	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	dispatcher, err := reactor.NewEpollDispatcher(cfg.Logger, 256)
	if err != nil {
		return nil, WrapError("NEW_SERVER", err)
	}

	provisioner := shm.NewAllocator(cfg.ShmNamePrefix)

	manager, err := eventmgr.Initialize(eventmgr.Config{
		Classes:              cfg.Classes,
		PayloadSize:          cfg.PayloadSize,
		Alignment:            cfg.SlotAlignment,
		MemoryTechnology:     cfg.MemoryTechnology,
		TracingEnabled:       cfg.TracingEnabled,
		InitMode:             cfg.InitMode,
		ServerIntegrityLevel: cfg.ServerIntegrityLevel,
		AccessControl:        cfg.AccessControl,
		Provisioner:          provisioner,
		Logger:               cfg.Logger,
		Observer:             observer,
	})
	if err != nil {
		dispatcher.Close()
		return nil, WrapError("NEW_SERVER", err)
	}

	acc := acceptor.New(acceptor.Config{
		SocketPath:    cfg.SocketPath,
		Dispatcher:    dispatcher,
		Provisioner:   provisioner,
		MaxS2CBuffer:  cfg.MaxS2CBuffer,
		TimeoutNanos:  uint64(cfg.HandshakeTimeout.Nanoseconds()),
		ExpectedMajor: cfg.ExpectedProtocolMajor,
		Logger:        cfg.Logger,
		BacklogSize:   cfg.BacklogSize,
	})

	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		acc:        acc,
		manager:    manager,
		metrics:    metrics,
		stop:       make(chan struct{}),
		runDone:    make(chan struct{}),
		drainDone:  make(chan struct{}),
		regions:    make(map[slotserver.ReceiverID]handshake.Extracted),
	}, nil
}

// Start binds the listening socket and launches the reactor thread. The
// drain interval (ServerConfig.DrainInterval, default 5ms) governs how
// promptly a completed handshake is promoted out of the backlog and
// delivered to OnConnectionEstablished; the reactor itself wakes
// immediately on socket and timer activity regardless of this interval.
func (s *Server) Start() error {
	if err := s.acc.Start(); err != nil {
		return WrapError("START", err)
	}

	drainID, err := s.dispatcher.RegisterSW(s.onDrain)
	if err != nil {
		s.acc.Stop()
		return WrapError("START", err)
	}
	s.drainID = drainID

	go func() {
		defer close(s.runDone)
		if err := s.dispatcher.Run(s.stop); err != nil && s.cfg.Logger != nil {
			s.cfg.Logger.Printf("safeipc: reactor run: %v", err)
		}
	}()

	interval := s.cfg.DrainInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	go func() {
		defer close(s.drainDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.dispatcher.TriggerSW(s.drainID)
			}
		}
	}()

	return nil
}

// onDrain runs on the reactor thread: it promotes every completed
// handshake waiting in the backlog and hands it to
// ServerConfig.OnConnectionEstablished. extracted.ServerToClient and
// extracted.Notification are owned by the callback from this point on: call
// AddReceiver (which takes them over) or extracted.Close() directly if this
// connection is not going to become a receiver.
func (s *Server) onDrain(reactor.EventMask) {
	for s.acc.HasEstablished() {
		extracted, ok := s.acc.InitNext()
		if !ok {
			return
		}
		if s.cfg.OnConnectionEstablished != nil {
			s.cfg.OnConnectionEstablished(extracted)
		}
	}
}

// AddReceiver turns a promoted connection's fd into a side channel and
// registers it as a receiver against the event's slot server, performing
// the access-control check and per-class quota enforcement. Call this from
// inside (or soon after) OnConnectionEstablished.
//
// extracted's server-to-client and notification regions are taken over by
// the Server on success, tracked against the returned receiver id and
// released by RemoveReceiver. On any error path the regions are unlinked
// here before returning, since no receiver id will exist to key them by.
func (s *Server) AddReceiver(extracted handshake.Extracted, service, instance, event uint32, peer interfaces.PeerCredentials, level interfaces.IntegrityLevel, isTrace bool) (slotserver.ReceiverID, error) {
	f := os.NewFile(uintptr(extracted.FD), "safeipc-receiver")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		extracted.Close()
		return 0, WrapError("ADD_RECEIVER", err)
	}
	sc := &fdSideChannel{Conn: conn}
	id, err := s.manager.AddReceiver(service, instance, event, peer, level, isTrace, sc)
	if err != nil {
		extracted.Close()
		return 0, err
	}
	s.regionsMu.Lock()
	s.regions[id] = extracted
	s.regionsMu.Unlock()
	return id, nil
}

// RemoveReceiver unregisters a receiver and unlinks the server-to-client
// and notification regions its handshake handed over. Preconditioned on
// the receiver having no outstanding asynchronous work.
func (s *Server) RemoveReceiver(id slotserver.ReceiverID) error {
	if err := s.manager.RemoveReceiver(id); err != nil {
		return err
	}
	s.regionsMu.Lock()
	extracted, ok := s.regions[id]
	delete(s.regions, id)
	s.regionsMu.Unlock()
	if ok {
		return extracted.Close()
	}
	return nil
}

// TransitionReceiver forwards an asynchronously observed receiver-state
// change (e.g. a side-channel read returning EOF, or a corruption
// detector firing) to the event manager.
func (s *Server) TransitionReceiver(id slotserver.ReceiverID, state slotserver.ReceiverState) {
	s.manager.TransitionReceiver(id, state)
}

// Allocate reserves one slot for an outgoing sample.
func (s *Server) Allocate() (eventmgr.AllocatedSample, error) {
	return s.manager.Allocate()
}

// Send publishes an allocated sample to every currently permitted
// receiver, evicting the oldest outstanding slot of any class that would
// otherwise exceed its quota.
func (s *Server) Send(sample eventmgr.AllocatedSample) {
	s.manager.Send(sample)
}

// Metrics returns the server's built-in counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Status reports the first fatal error the acceptor latched, or nil.
func (s *Server) Status() error {
	return s.acc.Status()
}

// Stop tears down the acceptor, the event manager, and the reactor thread.
// Idempotent.
func (s *Server) Stop() error {
	select {
	case <-s.stop:
		return nil
	default:
		close(s.stop)
	}
	<-s.drainDone
	err := s.acc.Stop()
	s.manager.Deinitialize()
	// Wake the reactor thread out of its blocking wait so Run observes
	// the closed stop channel; Unregister only tombstones the slot, it
	// does not itself signal anything blocked in epoll_wait.
	s.dispatcher.TriggerSW(s.drainID)
	<-s.runDone
	s.dispatcher.UnregisterSW(s.drainID)
	if closeErr := s.dispatcher.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	s.regionsMu.Lock()
	for id, extracted := range s.regions {
		extracted.Close()
		delete(s.regions, id)
	}
	s.regionsMu.Unlock()
	s.metrics.Stop()
	if err != nil {
		return WrapError("STOP", err)
	}
	return nil
}

// fdSideChannel adapts a net.Conn recovered from a handshake-established
// fd to interfaces.SideChannel. IsInUse always reports false: this
// repository does not implement asynchronous side-channel I/O of its own,
// so a receiver's side channel has no outstanding work beyond what the
// application itself tracks.
type fdSideChannel struct {
	net.Conn
}

func (fdSideChannel) IsInUse() bool { return false }
