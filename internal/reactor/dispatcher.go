// Package reactor implements the single-threaded callback dispatcher that
// multiplexes file-descriptor readiness and user-triggerable software events
// onto a fixed table of callback slots.
//
// A slot is identified by (index, sequence_number); the sequence number is
// bumped on every reuse so a caller holding a stale id after unregister can
// never accidentally re-arm someone else's callback. All mutating
// operations are legal from inside a running callback; unregistering a
// slot's own callback from within itself defers destruction to a reaper
// pass instead of destroying the slot synchronously.
package reactor

import (
	"sync"

	"github.com/vectoripc/safeipc-core/internal/interfaces"
)

// EventMask is a bitmask of readiness conditions, expressed independently
// of the underlying poller (epoll's EPOLLIN/EPOLLOUT are mapped onto this
// at the poller boundary).
type EventMask uint32

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventHangup
	EventError
)

// Kind distinguishes a file-descriptor watch from a software event.
type Kind uint8

const (
	KindFD Kind = iota
	KindSW
)

// Callback is invoked by dispatch with the triggering event mask. For a
// software event, mask is always EventRead.
type Callback func(mask EventMask)

// ID identifies a registered slot. The zero value is never valid.
type ID struct {
	index    int
	sequence uint64
}

// Valid reports whether id could conceivably refer to a live slot; it does
// not check the dispatcher's current state.
func (id ID) Valid() bool { return id.sequence != 0 }

type slot struct {
	mu        sync.Mutex
	occupied  bool
	tombstone bool
	sequence  uint64
	kind      Kind
	fd        int
	mask      EventMask
	cb        Callback
	running   bool
	pendingSW bool // trigger_sw requested another run while one is in flight
	swFD      int  // eventfd backing this software event, KindSW only
}

// poller is the narrow boundary between the dispatcher and the underlying
// OS multiplexer. epollPoller is the only production implementation; tests
// substitute a fake.
type poller interface {
	add(fd int, mask EventMask) error
	modify(fd int, mask EventMask) error
	remove(fd int) error
	wait(cb func(fd int, mask EventMask)) error
	newEventFD() (fd int, err error)
	drainEventFD(fd int)
	signalEventFD(fd int)
	closeFD(fd int) error
	close() error
}

// Dispatcher is the reactor's callback registry. It is safe for concurrent
// use; in normal operation exactly one goroutine calls Dispatch in a loop,
// but register/unregister calls are also legal from other goroutines (e.g.
// a timer firing on its own goroutine).
type Dispatcher struct {
	mu       sync.Mutex
	slots    []*slot
	freeList []int
	fdIndex  map[int]int // fd -> slot index, for dispatch-by-fd lookup
	poller   poller
	logger   interfaces.Logger

	reaperMu sync.Mutex
	reapList []int
}

// maxSlots bounds dispatcher slot exhaustion the same way the spec bounds
// poller slot exhaustion: both report ErrResource, never grow unbounded.
const maxSlots = 4096

// NewDispatcher constructs a Dispatcher backed by the given poller.
func NewDispatcher(p poller, logger interfaces.Logger) *Dispatcher {
	return &Dispatcher{
		poller:  p,
		fdIndex: make(map[int]int),
		logger:  logger,
	}
}

func (d *Dispatcher) allocSlot() (*slot, int, error) {
	if n := len(d.freeList); n > 0 {
		idx := d.freeList[n-1]
		d.freeList = d.freeList[:n-1]
		return d.slots[idx], idx, nil
	}
	if len(d.slots) >= maxSlots {
		return nil, 0, ErrResourceExhausted
	}
	s := &slot{}
	d.slots = append(d.slots, s)
	return s, len(d.slots) - 1, nil
}

// RegisterFD begins watching fd for the given initial event mask. The
// callback is invoked with the triggering mask on every dispatch.
func (d *Dispatcher) RegisterFD(fd int, mask EventMask, cb Callback) (ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, idx, err := d.allocSlot()
	if err != nil {
		return ID{}, err
	}
	s.mu.Lock()
	s.occupied = true
	s.tombstone = false
	s.sequence++
	s.kind = KindFD
	s.fd = fd
	s.mask = mask
	s.cb = cb
	s.running = false
	seq := s.sequence
	s.mu.Unlock()

	if err := d.poller.add(fd, mask); err != nil {
		s.mu.Lock()
		s.occupied = false
		s.cb = nil
		s.mu.Unlock()
		d.freeList = append(d.freeList, idx)
		return ID{}, err
	}
	d.fdIndex[fd] = idx
	return ID{index: idx, sequence: seq}, nil
}

// RegisterSW registers a software event backed by an eventfd. TriggerSW
// schedules a later invocation of cb.
func (d *Dispatcher) RegisterSW(cb Callback) (ID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, idx, err := d.allocSlot()
	if err != nil {
		return ID{}, err
	}
	fd, err := d.poller.newEventFD()
	if err != nil {
		d.freeList = append(d.freeList, idx)
		return ID{}, err
	}
	if err := d.poller.add(fd, EventRead); err != nil {
		d.poller.closeFD(fd)
		d.freeList = append(d.freeList, idx)
		return ID{}, err
	}

	s.mu.Lock()
	s.occupied = true
	s.tombstone = false
	s.sequence++
	s.kind = KindSW
	s.fd = fd
	s.swFD = fd
	s.mask = EventRead
	s.cb = cb
	s.running = false
	s.pendingSW = false
	seq := s.sequence
	s.mu.Unlock()

	d.fdIndex[fd] = idx
	return ID{index: idx, sequence: seq}, nil
}

// SetEvents replaces the monitored event mask for an fd registration.
func (d *Dispatcher) SetEvents(id ID, mask EventMask) error {
	return d.adjustEvents(id, func(cur EventMask) EventMask { return mask })
}

// AddEvents ORs additional events into the monitored mask.
func (d *Dispatcher) AddEvents(id ID, mask EventMask) error {
	return d.adjustEvents(id, func(cur EventMask) EventMask { return cur | mask })
}

// RemoveEvents clears the given events from the monitored mask.
func (d *Dispatcher) RemoveEvents(id ID, mask EventMask) error {
	return d.adjustEvents(id, func(cur EventMask) EventMask { return cur &^ mask })
}

func (d *Dispatcher) adjustEvents(id ID, f func(EventMask) EventMask) error {
	s, ok := d.lookup(id)
	if !ok {
		return nil // stale id: silently discarded, same as dispatch
	}
	s.mu.Lock()
	if s.kind != KindFD {
		s.mu.Unlock()
		return nil
	}
	newMask := f(s.mask)
	s.mask = newMask
	fd := s.fd
	s.mu.Unlock()
	return d.poller.modify(fd, newMask)
}

// TriggerSW requests a later execution of the software event's callback.
// Redundant triggers before the callback runs collapse into one; a
// self-trigger from inside the running callback is picked up on the next
// poller wake rather than re-entering synchronously.
func (d *Dispatcher) TriggerSW(id ID) {
	s, ok := d.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.kind != KindSW || s.tombstone {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.pendingSW = true
		s.mu.Unlock()
		return
	}
	fd := s.swFD
	s.mu.Unlock()
	d.poller.signalEventFD(fd)
}

// Unregister ensures the callback for id will not be invoked again. If it
// is currently executing, destruction is deferred to the reaper; no
// synchronous join is attempted.
func (d *Dispatcher) Unregister(id ID) {
	d.unregisterCommon(id)
}

// UnregisterSW is Unregister specialised for software-event ids; both close
// over the same tombstone+reap mechanics since KindSW and KindFD slots
// share one table.
func (d *Dispatcher) UnregisterSW(id ID) {
	d.unregisterCommon(id)
}

func (d *Dispatcher) unregisterCommon(id ID) {
	s, ok := d.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.tombstone || !s.occupied {
		s.mu.Unlock()
		return
	}
	s.tombstone = true
	running := s.running
	s.mu.Unlock()

	if running {
		d.reaperMu.Lock()
		d.reapList = append(d.reapList, id.index)
		d.reaperMu.Unlock()
		return
	}
	d.releaseSlot(id.index)
}

// releaseSlot tears down the poller registration and returns the slot to
// the free list. Must not be called while the slot's callback is running.
func (d *Dispatcher) releaseSlot(idx int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if idx < 0 || idx >= len(d.slots) {
		return
	}
	s := d.slots[idx]
	s.mu.Lock()
	fd := s.fd
	kind := s.kind
	s.occupied = false
	s.tombstone = false
	s.cb = nil
	s.mask = 0
	s.pendingSW = false
	s.mu.Unlock()

	delete(d.fdIndex, fd)
	if err := d.poller.remove(fd); err != nil && d.logger != nil {
		d.logger.Debugf("reactor: remove fd %d during release: %v", fd, err)
	}
	if kind == KindSW {
		d.poller.closeFD(fd)
	}
	d.freeList = append(d.freeList, idx)
}

func (d *Dispatcher) lookup(id ID) (*slot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id.index < 0 || id.index >= len(d.slots) {
		return nil, false
	}
	s := d.slots[id.index]
	s.mu.Lock()
	ok := s.occupied && !s.tombstone && s.sequence == id.sequence
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s, true
}

// swFDFor returns the eventfd backing a software-event id, for use by
// tests driving a fake poller's wait loop by hand.
func (d *Dispatcher) swFDFor(id ID) int {
	s, ok := d.lookup(id)
	if !ok {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swFD
}

// lookupByFD resolves the slot index registered for fd, used by the
// poller's wait loop to turn a ready fd into a slot before invoking.
func (d *Dispatcher) lookupByFD(fd int) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.fdIndex[fd]
	return idx, ok
}

// Dispatch is the poller's entry point for a single ready fd. It looks up
// the slot currently bound to fd and, if still valid, invokes its
// callback. An invalid id (stale, unregistered, tombstoned) is silently
// discarded.
func (d *Dispatcher) Dispatch(fd int, mask EventMask) {
	idx, ok := d.lookupByFD(fd)
	if !ok {
		return
	}

	d.mu.Lock()
	if idx < 0 || idx >= len(d.slots) {
		d.mu.Unlock()
		return
	}
	s := d.slots[idx]
	d.mu.Unlock()

	s.mu.Lock()
	if !s.occupied || s.tombstone || s.running {
		s.mu.Unlock()
		return
	}
	var cb Callback
	isSW := s.kind == KindSW
	swFD := s.swFD
	if isSW {
		d.poller.drainEventFD(swFD)
	}
	cb = s.cb
	s.running = true
	s.mu.Unlock()

	cb(mask)

	s.mu.Lock()
	s.running = false
	retrigger := isSW && s.pendingSW && !s.tombstone
	s.pendingSW = false
	s.mu.Unlock()

	if retrigger {
		d.poller.signalEventFD(swFD)
	}

	d.reap()
}

// reap reclaims every slot tombstoned while its callback was running. Run
// after every dispatch, matching the spec's "reaper pass after each
// dispatch reclaims tombstoned slots."
func (d *Dispatcher) reap() {
	d.reaperMu.Lock()
	if len(d.reapList) == 0 {
		d.reaperMu.Unlock()
		return
	}
	pending := d.reapList
	d.reapList = nil
	d.reaperMu.Unlock()

	for _, idx := range pending {
		d.mu.Lock()
		if idx < 0 || idx >= len(d.slots) {
			d.mu.Unlock()
			continue
		}
		s := d.slots[idx]
		d.mu.Unlock()

		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running {
			// Still executing (e.g. unregistered itself but dispatch
			// hasn't unwound yet); try again on the next pass.
			d.reaperMu.Lock()
			d.reapList = append(d.reapList, idx)
			d.reaperMu.Unlock()
			continue
		}
		d.releaseSlot(idx)
	}
}

// Run drives the poller's wait loop, calling Dispatch for every ready fd,
// until stop is closed.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := d.poller.wait(d.Dispatch); err != nil {
			return err
		}
	}
}

// Close releases the underlying poller. Registered slots are not
// individually torn down; callers are expected to have unregistered
// everything first.
func (d *Dispatcher) Close() error {
	return d.poller.close()
}

// ErrResourceExhausted is returned by RegisterFD/RegisterSW when the
// dispatcher's slot table (maxSlots entries) has no room left. Errors from
// the poller itself (adding the fd, creating the eventfd) are returned
// unchanged and are not mapped to ErrResourceExhausted.
var ErrResourceExhausted = resourceError("reactor: resource exhausted")

type resourceError string

func (e resourceError) Error() string { return string(e) }
