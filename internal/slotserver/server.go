// Package slotserver: Server, the zero-copy ring's builder and the
// single-threaded operations that acquire, publish, and reclaim slots
// (spec.md §4.5). Grounded on the teacher's queue runner (pre-sized
// index-addressed arrays, freelist-style slot reuse) and on
// internal/reactor's (index, sequence) token pattern, reused here so a
// stale Token from an already-reclaimed slot is rejected rather than
// silently operating on whatever now occupies that index.
package slotserver

import (
	"github.com/vectoripc/safeipc-core/internal/interfaces"
)

// SlotState is a slot's position in its WriterOwned → InFlight → Free
// lifecycle (spec.md §4.5).
type SlotState int

const (
	SlotFree SlotState = iota
	SlotWriterOwned
	SlotInFlight
)

// MemoryTechnology selects the shared-memory backing for the ring
// (spec.md §4.5 "memory technology: plain shared memory or
// physically-contiguous"). New does not read this setting: both values
// provision the ring through the configured ShmProvisioner.
type MemoryTechnology int

const (
	MemoryPlain MemoryTechnology = iota
	MemoryPhysicallyContiguous
)

// ReceiverID identifies one registered receiver.
type ReceiverID uint32

// ReceiverState is a receiver's fault-isolation state (spec.md §4.5).
type ReceiverState int

const (
	ReceiverConnecting ReceiverState = iota
	ReceiverConnected
	ReceiverDisconnected
	ReceiverCorrupted
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverConnecting:
		return "Connecting"
	case ReceiverConnected:
		return "Connected"
	case ReceiverDisconnected:
		return "Disconnected"
	case ReceiverCorrupted:
		return "Corrupted"
	default:
		return "unknown"
	}
}

// ClassConfig describes one receiver class's integrity level and quota.
type ClassConfig struct {
	Name           string
	Level          interfaces.IntegrityLevel
	MaxSlots       int
	MaxConnections int
}

// Token is a non-copyable (by convention — Go cannot enforce move
// semantics, callers must not reuse a Token after passing it to Send,
// UnacquireSlot, or AckReceived) handle to one WriterOwned slot.
type Token struct {
	index      int
	generation uint64
}

// Config bundles the Server builder's mandatory settings (spec.md §4.5
// "construction is via a builder with mandatory settings").
type Config struct {
	SlotCount        int
	PayloadSize      uint32
	Alignment        uint32
	MemoryTechnology MemoryTechnology
	MaxReceivers     int
	Classes          []ClassConfig
	Provisioner      interfaces.ShmProvisioner
	Logger           interfaces.Logger
	Observer         interfaces.Observer
	// OnReceiverTransition is invoked synchronously from ConnectReceiver
	// and TransitionReceiver, after the receiver's new state is recorded.
	OnReceiverTransition func(ReceiverID, ReceiverState)
}

type slotMeta struct {
	state       SlotState
	generation  uint64
	outstanding map[*classState]bool
}

type receiverState struct {
	id          ReceiverID
	class       *classState
	state       ReceiverState
	sideChannel interfaces.SideChannel
}

// ReceiverError is returned from Send when a receiver permitted to see the
// published slot has already been observed corrupted; the caller must
// walk receivers and terminate the corrupted ones (spec.md §4.5).
type ReceiverError struct {
	Receiver ReceiverID
}

func (e *ReceiverError) Error() string {
	return "slotserver: receiver error"
}

type slotserverError string

func (e slotserverError) Error() string { return string(e) }

const (
	// ErrNoSlotAvailable describes a full ring. AcquireSlot does not return
	// it; it reports a full ring by returning ok == false.
	ErrNoSlotAvailable = slotserverError("slotserver: no slot available")
	// ErrResourceExhausted is returned by AddReceiver when a class's
	// connection quota, or the server's total receiver count, is full.
	ErrResourceExhausted = slotserverError("slotserver: resource exhausted")
	// ErrInvalidToken is returned when a Token no longer refers to the
	// slot it was issued for (already sent, unacquired, or reclaimed).
	ErrInvalidToken = slotserverError("slotserver: invalid token")
	// ErrUnknownReceiver is returned by operations referencing a receiver
	// id that was never registered or has already been removed.
	ErrUnknownReceiver = slotserverError("slotserver: unknown receiver")
	// ErrStillInUse is returned by RemoveReceiver when the receiver still
	// has outstanding asynchronous work.
	ErrStillInUse = slotserverError("slotserver: receiver still in use")
)

// Server is the zero-copy slot ring together with its receiver-class
// quota bookkeeping. Every method is expected to run on the reactor
// thread (spec.md §5 "single-threaded cooperative").
type Server struct {
	region interfaces.ShmRegion
	ring   *ring

	classes []*classState
	slots   []slotMeta
	free    []int // stack of free slot indices

	receivers      map[ReceiverID]*receiverState
	nextReceiverID ReceiverID
	maxReceivers   int

	pendingCorruption []ReceiverID

	logger   interfaces.Logger
	observer interfaces.Observer
	onTransition func(ReceiverID, ReceiverState)

	shuttingDown bool
}

// New builds a Server: provisions the backing region and lays out the
// free list. Returns an error if the region cannot be provisioned.
func New(cfg Config) (*Server, error) {
	alignment := cfg.Alignment
	if alignment == 0 {
		alignment = 64
	}
	r := newRing(nil, cfg.SlotCount, cfg.PayloadSize, alignment)
	size := r.byteSize()

	region, err := cfg.Provisioner.Provision(size)
	if err != nil {
		return nil, err
	}
	r.data = region.Bytes()

	classes := make([]*classState, len(cfg.Classes))
	for i, c := range cfg.Classes {
		classes[i] = &classState{cfg: c}
	}

	slots := make([]slotMeta, cfg.SlotCount)
	free := make([]int, cfg.SlotCount)
	for i := range slots {
		slots[i] = slotMeta{state: SlotFree, outstanding: make(map[*classState]bool)}
		free[cfg.SlotCount-1-i] = i // pop from the back returns index 0 first
	}

	return &Server{
		region:         region,
		ring:           r,
		classes:        classes,
		slots:          slots,
		free:           free,
		receivers:      make(map[ReceiverID]*receiverState),
		nextReceiverID: 1,
		maxReceivers:   cfg.MaxReceivers,
		logger:         cfg.Logger,
		observer:       cfg.Observer,
		onTransition:   cfg.OnReceiverTransition,
	}, nil
}

// classByName resolves a configured class by name, or nil.
func (s *Server) classByName(name string) *classState {
	for _, c := range s.classes {
		if c.cfg.Name == name {
			return c
		}
	}
	return nil
}

// AcquireSlot returns a token for a free slot, or ok=false if the ring is
// full.
func (s *Server) AcquireSlot() (Token, bool) {
	if len(s.free) == 0 {
		if s.observer != nil {
			s.observer.ObserveSlotAcquire(false)
		}
		return Token{}, false
	}
	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	sm := &s.slots[idx]
	sm.state = SlotWriterOwned
	sm.generation++
	tok := Token{index: idx, generation: sm.generation}
	if s.observer != nil {
		s.observer.ObserveSlotAcquire(true)
	}
	return tok, true
}

func (s *Server) lookup(tok Token) (*slotMeta, error) {
	if tok.index < 0 || tok.index >= len(s.slots) {
		return nil, ErrInvalidToken
	}
	sm := &s.slots[tok.index]
	if sm.generation != tok.generation {
		return nil, ErrInvalidToken
	}
	return sm, nil
}

// Access yields the mutable payload view backing tok's slot. Valid only
// while tok's slot remains WriterOwned.
func (s *Server) Access(tok Token) ([]byte, error) {
	sm, err := s.lookup(tok)
	if err != nil {
		return nil, err
	}
	if sm.state != SlotWriterOwned {
		return nil, ErrInvalidToken
	}
	return s.ring.payload(tok.index), nil
}

// StampHeader writes the slot's timestamp and sequence fields. The event
// manager calls this between Access and Send to stamp the process-global
// sequence counter and steady-clock timestamp (spec.md §4.6, §9 "global
// state").
func (s *Server) StampHeader(tok Token, timestampNanos, sequence uint64) error {
	sm, err := s.lookup(tok)
	if err != nil {
		return err
	}
	if sm.state != SlotWriterOwned {
		return ErrInvalidToken
	}
	s.ring.writeHeader(tok.index, header{
		TimestampNanos: timestampNanos,
		Sequence:       sequence,
		PayloadOffset:  0,
		PayloadSize:    uint64(s.ring.payloadSize),
	})
	return nil
}

// Send transfers tok's slot to InFlight and publishes it to every class
// with at least one connected receiver, applying the quota algorithm:
// a class whose outstanding count would exceed its MaxSlots drops its
// oldest outstanding slot, appending the class's name to
// droppedClassesOut. Returns a *ReceiverError if a permitted receiver was
// already observed corrupted; the caller must still treat the slot as
// sent and walk receivers to terminate the corrupted ones.
func (s *Server) Send(tok Token, droppedClassesOut *[]string) error {
	sm, err := s.lookup(tok)
	if err != nil {
		return err
	}
	if sm.state != SlotWriterOwned {
		return ErrInvalidToken
	}
	sm.state = SlotInFlight

	if droppedClassesOut == nil {
		droppedClassesOut = &[]string{}
	}

	for _, c := range s.classes {
		if !c.hasActiveReceiver() {
			continue
		}
		sm.outstanding[c] = true
		evicted, ok := c.publish(tok.index)
		if !ok {
			continue
		}
		if droppedClassesOut != nil {
			*droppedClassesOut = append(*droppedClassesOut, c.cfg.Name)
		}
		if evicted == tok.index {
			// MaxSlots==0 for this class: immediately evicted itself.
			delete(sm.outstanding, c)
			continue
		}
		evictedMeta := &s.slots[evicted]
		delete(evictedMeta.outstanding, c)
		if len(evictedMeta.outstanding) == 0 {
			s.freeSlot(evicted)
		}
	}

	if s.observer != nil {
		s.observer.ObserveSlotSend(len(*droppedClassesOut))
	}

	if len(sm.outstanding) == 0 {
		// No active receiver in any class: nothing will ever reclaim it.
		s.freeSlot(tok.index)
	}

	if len(s.pendingCorruption) > 0 {
		rid := s.pendingCorruption[0]
		s.pendingCorruption = s.pendingCorruption[1:]
		return &ReceiverError{Receiver: rid}
	}
	return nil
}

// UnacquireSlot returns a WriterOwned slot to Free without publishing it.
func (s *Server) UnacquireSlot(tok Token) error {
	sm, err := s.lookup(tok)
	if err != nil {
		return err
	}
	if sm.state != SlotWriterOwned {
		return ErrInvalidToken
	}
	s.freeSlot(tok.index)
	return nil
}

// AckReceived records that receiver id has finished with the slot tok
// refers to, releasing its class's claim. Once every class holding the
// slot has released it, Reclaim returns it to Free.
func (s *Server) AckReceived(id ReceiverID, tok Token) error {
	sm, err := s.lookup(tok)
	if err != nil {
		return err
	}
	rs, ok := s.receivers[id]
	if !ok {
		return ErrUnknownReceiver
	}
	if rs.class != nil {
		rs.class.release(tok.index)
		delete(sm.outstanding, rs.class)
	}
	return nil
}

// Reclaim scans InFlight slots and returns to Free those no longer
// outstanding to any class.
func (s *Server) Reclaim() {
	for i := range s.slots {
		sm := &s.slots[i]
		if sm.state == SlotInFlight && len(sm.outstanding) == 0 {
			s.freeSlot(i)
		}
	}
}

func (s *Server) freeSlot(idx int) {
	sm := &s.slots[idx]
	sm.state = SlotFree
	for c := range sm.outstanding {
		delete(sm.outstanding, c)
	}
	s.free = append(s.free, idx)
}

// AddReceiver registers a new receiver under the named class, enforcing
// the class's connection quota and the server's total receiver cap.
func (s *Server) AddReceiver(className string, sideChannel interfaces.SideChannel) (ReceiverID, error) {
	if s.maxReceivers > 0 && len(s.receivers) >= s.maxReceivers {
		return 0, ErrResourceExhausted
	}
	class := s.classByName(className)
	if class == nil {
		return 0, ErrResourceExhausted
	}
	if class.activeReceivers >= class.cfg.MaxConnections {
		return 0, ErrResourceExhausted
	}
	id := s.nextReceiverID
	s.nextReceiverID++
	s.receivers[id] = &receiverState{id: id, class: class, state: ReceiverConnecting, sideChannel: sideChannel}
	return id, nil
}

// ConnectReceiver transitions a receiver from Connecting to Connected,
// making it eligible to receive published slots in its class.
func (s *Server) ConnectReceiver(id ReceiverID) error {
	rs, ok := s.receivers[id]
	if !ok {
		return ErrUnknownReceiver
	}
	rs.state = ReceiverConnected
	rs.class.activeReceivers++
	if s.onTransition != nil {
		s.onTransition(id, ReceiverConnected)
	}
	return nil
}

// RemoveReceiver unregisters a receiver. Preconditioned on the receiver
// having no outstanding asynchronous work.
func (s *Server) RemoveReceiver(id ReceiverID) error {
	rs, ok := s.receivers[id]
	if !ok {
		return ErrUnknownReceiver
	}
	if rs.sideChannel != nil && rs.sideChannel.IsInUse() {
		return ErrStillInUse
	}
	if rs.state == ReceiverConnected {
		rs.class.activeReceivers--
	}
	delete(s.receivers, id)
	return nil
}

// TransitionReceiver records an asynchronously observed receiver state
// change (spec.md §4.5 "delivered asynchronously via the state-transition
// callback"). A transition to Corrupted queues the receiver so the next
// Send call surfaces a *ReceiverError for the caller to act on.
func (s *Server) TransitionReceiver(id ReceiverID, newState ReceiverState) {
	rs, ok := s.receivers[id]
	if !ok {
		return
	}
	rs.state = newState
	if newState == ReceiverCorrupted {
		s.pendingCorruption = append(s.pendingCorruption, id)
		if s.observer != nil {
			s.observer.ObserveReceiverFault(true)
		}
		if rs.class != nil {
			rs.class.activeReceivers--
		}
	}
	if s.onTransition != nil {
		s.onTransition(id, newState)
	}
}

// ReceiverClassName returns the name of the class a receiver belongs to.
func (s *Server) ReceiverClassName(id ReceiverID) (string, bool) {
	rs, ok := s.receivers[id]
	if !ok || rs.class == nil {
		return "", false
	}
	return rs.class.cfg.Name, true
}

// ReceiverIntegrityLevel returns the integrity level of the class a
// receiver belongs to, used by the owning event manager to decide whether
// a corruption must abort the process (spec.md §7).
func (s *Server) ReceiverIntegrityLevel(id ReceiverID) (interfaces.IntegrityLevel, bool) {
	rs, ok := s.receivers[id]
	if !ok || rs.class == nil {
		return 0, false
	}
	return rs.class.cfg.Level, true
}

// IsInUse reports whether any slot is outstanding or any receiver's side
// channel still has pending work.
func (s *Server) IsInUse() bool {
	for i := range s.slots {
		if s.slots[i].state != SlotFree {
			return true
		}
	}
	for _, rs := range s.receivers {
		if rs.sideChannel != nil && rs.sideChannel.IsInUse() {
			return true
		}
	}
	return false
}

// Shutdown begins asynchronous teardown. IsInUse only falls to false once
// every slot has been reclaimed and every receiver's side channel is
// quiescent; Shutdown itself does not block.
func (s *Server) Shutdown() {
	s.shuttingDown = true
}
