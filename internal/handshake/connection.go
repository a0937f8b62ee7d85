// Package handshake implements the per-client three-message handshake
// state machine (C2S1/S2C1/C2S2) that runs entirely on the reactor thread,
// one Connection per accepted socket.
package handshake

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/vectoripc/safeipc-core/internal/constants"
	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/reactor"
	"github.com/vectoripc/safeipc-core/internal/wire"
)

// State is the handshake's five-valued state enum (spec.md §4.2).
type State int

const (
	StateWaitingC2S1 State = iota
	StateSendingS2C1
	StateWaitingC2S2
	StateEstablished
	StateError
)

func (s State) String() string {
	switch s {
	case StateWaitingC2S1:
		return "WaitingC2S1"
	case StateSendingS2C1:
		return "SendingS2C1"
	case StateWaitingC2S2:
		return "WaitingC2S2"
	case StateEstablished:
		return "Established"
	case StateError:
		return "Error"
	default:
		return "unknown"
	}
}

// Extracted holds everything the application needs once a connection
// reaches Established: the socket handle, the reported protocol version,
// the three shared-memory region identifiers, and the live server-to-client
// and notification region handles themselves. Extraction transfers
// ownership of those two regions to the caller: the backlog and the
// handshake never unlink them once a connection reaches Established, so
// Close must be called once the application is done with the connection
// (typically from Server.RemoveReceiver, or directly if AddReceiver is
// never called for this connection).
type Extracted struct {
	FD               int
	ProtocolMajor    uint8
	ProtocolMinor    uint8
	AgreedS2CBuffer  uint64
	ClientToServerID wire.RegionID
	ServerToClientID wire.RegionID
	NotificationID   wire.RegionID
	ServerToClient   interfaces.ShmRegion
	Notification     interfaces.ShmRegion
}

// Close unlinks the server-to-client and notification regions. Safe to
// call more than once; Unlink itself is idempotent.
func (e Extracted) Close() error {
	var err error
	if e.ServerToClient != nil {
		err = e.ServerToClient.Unlink()
	}
	if e.Notification != nil {
		if nerr := e.Notification.Unlink(); nerr != nil && err == nil {
			err = nerr
		}
	}
	return err
}

// Connection is one in-flight handshake. It owns the accepted socket until
// Established (when the application extracts it) or Error (when Close
// releases it). All methods are expected to run on the reactor thread; the
// one exception is the timer goroutine, which only ever calls TriggerSW on
// the dispatcher's software event and never touches Connection state
// directly.
type Connection struct {
	fd          int
	dispatcher  *reactor.Dispatcher
	provisioner interfaces.ShmProvisioner
	logger      interfaces.Logger

	maxS2CBuffer  uint64
	timeout       time.Duration
	expectedMajor uint8

	state   State
	regID   reactor.ID
	timerID reactor.ID

	recvBuf []byte
	sendBuf []byte
	sendOff int
	rights  []int // fds still owed to the peer via SCM_RIGHTS, cleared once sent

	s2c   interfaces.ShmRegion
	notif interfaces.ShmRegion

	extracted Extracted

	timer *time.Timer

	onEstablished func(*Connection)
	onError       func(*Connection)
}

// Config bundles the construction parameters shared by every connection a
// given backlog creates.
type Config struct {
	Dispatcher    *reactor.Dispatcher
	Provisioner   interfaces.ShmProvisioner
	MaxS2CBuffer  uint64
	Timeout       time.Duration
	ExpectedMajor uint8
	Logger        interfaces.Logger
	OnEstablished func(*Connection)
	OnError       func(*Connection)
}

// New constructs a Connection for a freshly accepted, non-blocking socket
// fd. It does not yet register with the reactor or arm the timer; call
// Start for that.
func New(fd int, cfg Config) *Connection {
	return &Connection{
		fd:            fd,
		dispatcher:    cfg.Dispatcher,
		provisioner:   cfg.Provisioner,
		logger:        cfg.Logger,
		maxS2CBuffer:  cfg.MaxS2CBuffer,
		timeout:       cfg.Timeout,
		expectedMajor: cfg.ExpectedMajor,
		state:         StateWaitingC2S1,
		onEstablished: cfg.OnEstablished,
		onError:       cfg.OnError,
	}
}

// Start registers the socket for read events and arms the establishment
// timer. Entry to S0 per spec.md §4.2.
func (c *Connection) Start() error {
	id, err := c.dispatcher.RegisterFD(c.fd, reactor.EventRead, c.onEvent)
	if err != nil {
		return err
	}
	c.regID = id

	// The OS timer that actually measures the deadline runs on its own
	// goroutine and must never touch Connection state directly (every
	// other field is only ever read or written on the reactor thread).
	// It is wired to a dedicated software event instead, so the timeout
	// is delivered the same way a peer fault would be: TriggerSW from the
	// timer goroutine, onTimeoutFired runs on the reactor thread via the
	// normal dispatch path.
	timerID, err := c.dispatcher.RegisterSW(c.onTimeoutFired)
	if err != nil {
		c.dispatcher.Unregister(c.regID)
		return err
	}
	c.timerID = timerID
	c.armTimer()
	return nil
}

// onEvent is the single callback bound to this connection's dispatcher
// slot for its entire lifetime; SetEvents only ever changes which
// direction epoll reports readiness for, so dispatch always routes here
// and onEvent picks the step function from the current state.
func (c *Connection) onEvent(mask reactor.EventMask) {
	if mask&(reactor.EventHangup|reactor.EventError) != 0 {
		c.fail("peer socket closed")
		return
	}
	switch c.state {
	case StateWaitingC2S1, StateWaitingC2S2:
		c.readStep()
	case StateSendingS2C1:
		c.writeStep()
	}
}

func (c *Connection) armTimer() {
	if c.timer == nil {
		c.timer = time.AfterFunc(c.timeout, c.onTimeout)
		return
	}
	c.timer.Reset(c.timeout)
}

// onTimeout fires on the timer's own goroutine. It must not touch
// Connection state; it only asks the reactor thread to run
// onTimeoutFired, via the dispatcher's own cross-goroutine-safe trigger
// mechanism (the same path a peer-fault software event would use).
func (c *Connection) onTimeout() {
	c.dispatcher.TriggerSW(c.timerID)
}

// onTimeoutFired runs on the reactor thread via normal dispatch. A timer
// that fires after the connection already reached Established or Error
// (it raced a transition and lost, or Stop failed to cancel it in time)
// is a no-op: fail() already guards against re-entering a terminal state.
func (c *Connection) onTimeoutFired(reactor.EventMask) {
	c.fail("handshake timeout")
}

func (c *Connection) onTransition() {
	c.armTimer()
}

func (c *Connection) readStep() {
	var tmp [512]byte
	n, err := unix.Read(c.fd, tmp[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		c.fail("read error: " + err.Error())
		return
	}
	if n == 0 {
		c.fail("peer closed connection")
		return
	}
	c.recvBuf = append(c.recvBuf, tmp[:n]...)

	switch c.state {
	case StateWaitingC2S1:
		c.tryParseC2S1()
	case StateWaitingC2S2:
		c.tryParseC2S2()
	default:
		// A readable event while sending S2C1 (StateSendingS2C1) is
		// unexpected input from a peer that hasn't finished receiving
		// yet; per §4.2 "any unexpected message in a given state"
		// collapses to Error.
		c.fail("unexpected data in state " + c.state.String())
	}
}

func (c *Connection) tryParseC2S1() {
	msg, err := wire.UnmarshalC2S1(c.recvBuf)
	if err == wire.ErrInsufficientData {
		return // keep buffering
	}
	if err != nil {
		c.fail("malformed C2S1: " + err.Error())
		return
	}
	if msg.ProtocolMajor != c.expectedMajor {
		c.fail("protocol version mismatch")
		return
	}

	c.recvBuf = nil
	c.extracted.ProtocolMajor = msg.ProtocolMajor
	c.extracted.ProtocolMinor = msg.ProtocolMinor
	c.extracted.ClientToServerID = msg.ClientToServerID

	agreed := wire.ClampS2CBufferSize(msg.RequestedS2CBuffer, c.maxS2CBuffer)

	// agreed is already clamped to maxS2CBuffer (a uint32-range value in
	// every realistic configuration); Provision's size parameter stays
	// uint32 since it describes an actual memfd allocation, not a
	// wire-negotiated quantity.
	s2c, err := c.provisioner.Provision(uint32(agreed))
	if err != nil {
		c.fail("provisioning server-to-client region: " + err.Error())
		return
	}
	notif, err := c.provisioner.Provision(uint32(constants.MinBufferSize))
	if err != nil {
		s2c.Unlink()
		c.fail("provisioning notification region: " + err.Error())
		return
	}
	c.s2c = s2c
	c.notif = notif
	c.extracted.AgreedS2CBuffer = agreed
	c.extracted.ServerToClientID = s2c.ID()
	c.extracted.NotificationID = notif.ID()
	c.extracted.ServerToClient = s2c
	c.extracted.Notification = notif

	reply := &wire.S2C1{
		AgreedS2CBuffer:  agreed,
		ServerToClientID: s2c.ID(),
		NotificationID:   notif.ID(),
	}
	c.sendBuf = reply.Marshal()
	c.sendOff = 0
	c.rights = []int{s2c.FD(), notif.FD()}
	c.state = StateSendingS2C1
	c.onTransition()

	if err := c.dispatcher.SetEvents(c.regID, reactor.EventWrite); err != nil {
		c.fail("arming write events: " + err.Error())
		return
	}
	c.writeStep() // opportunistic immediate attempt; the socket is very likely writable
}

func (c *Connection) tryParseC2S2() {
	_, err := wire.UnmarshalC2S2(c.recvBuf)
	if err == wire.ErrInsufficientData {
		return
	}
	if err != nil {
		c.fail("malformed C2S2: " + err.Error())
		return
	}
	c.recvBuf = nil
	c.establish()
}

// writeStep drains sendBuf onto the socket, looping over partial writes. The
// server-to-client and notification region fds ride along as SCM_RIGHTS
// ancillary data on the first send; without them the regions named by the
// IDs in the S2C1 payload are memfds the client has no path to and so could
// never map (internal/shm provisions anonymous, not path-addressable,
// regions precisely so that SCM_RIGHTS is the only way in).
func (c *Connection) writeStep() {
	for c.sendOff < len(c.sendBuf) {
		var n int
		var err error
		if c.sendOff == 0 && len(c.rights) > 0 {
			oob := unix.UnixRights(c.rights...)
			n, err = unix.SendmsgN(c.fd, c.sendBuf, oob, nil, 0)
			if err == nil {
				c.rights = nil
			}
		} else {
			n, err = unix.Write(c.fd, c.sendBuf[c.sendOff:])
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			c.fail("write error: " + err.Error())
			return
		}
		c.sendOff += n
	}

	c.sendBuf = nil
	c.state = StateWaitingC2S2
	c.onTransition()

	if err := c.dispatcher.SetEvents(c.regID, reactor.EventRead); err != nil {
		c.fail("arming read events: " + err.Error())
	}
}

func (c *Connection) establish() {
	c.state = StateEstablished
	if c.timer != nil {
		c.timer.Stop()
	}
	c.dispatcher.Unregister(c.regID)
	c.dispatcher.UnregisterSW(c.timerID)
	c.extracted.FD = c.fd
	if c.onEstablished != nil {
		c.onEstablished(c)
	}
}

// fail transitions to Error, tears down the socket registration and timer,
// releases any regions this connection provisioned (the client never got
// a chance to map them), and notifies the owner.
func (c *Connection) fail(reason string) {
	if c.state == StateError || c.state == StateEstablished {
		return
	}
	c.state = StateError
	if c.timer != nil {
		c.timer.Stop()
	}
	c.dispatcher.Unregister(c.regID)
	c.dispatcher.UnregisterSW(c.timerID)
	if c.s2c != nil {
		c.s2c.Unlink()
		c.s2c = nil
	}
	if c.notif != nil {
		c.notif.Unlink()
		c.notif = nil
	}
	if c.logger != nil {
		c.logger.Debugf("handshake failed: %s", reason)
	}
	if c.onError != nil {
		c.onError(c)
	}
}

// Abort forcibly fails the connection, e.g. because the acceptor is
// shutting down. A no-op if the connection already reached a terminal
// state.
func (c *Connection) Abort(reason string) {
	c.fail(reason)
}

// State reports the connection's current handshake state.
func (c *Connection) State() State { return c.state }

// Extracted returns the established connection's resources. Only valid
// once State() == StateEstablished.
func (c *Connection) Extracted() Extracted { return c.extracted }

// Close releases the socket fd. Called by the backlog once a connection in
// StateError (or an Established one whose resources were never claimed) is
// removed from its slot.
func (c *Connection) Close() error {
	return unix.Close(c.fd)
}
