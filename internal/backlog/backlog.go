// Package backlog implements the fixed-capacity pool of in-flight
// handshakes (spec.md §4.3): a pre-sized array of optional connection
// slots with bitset-backed free/occupied tracking, grounded on the
// pre-sized, index-addressed per-tag arrays in the teacher's queue runner.
package backlog

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/vectoripc/safeipc-core/internal/handshake"
	"github.com/vectoripc/safeipc-core/internal/interfaces"
	"github.com/vectoripc/safeipc-core/internal/reactor"
)

// Backlog is the fixed-capacity connection pool. Every method is expected
// to run on the reactor thread except notify-from-callback reentry, which
// is itself still reactor-thread work (spec.md §4.3 "Ordering").
type Backlog struct {
	capacity int
	slots    []*handshake.Connection
	occupied *bitset.BitSet
	errored  *bitset.BitSet
	cursor   int // index last returned by NextEstablished, -1 if none

	dispatcher *reactor.Dispatcher
	notifyID   reactor.ID
	logger     interfaces.Logger

	freed func() // called after a slot frees, so the acceptor can re-enable accept
}

// New constructs an empty backlog of the given capacity. notifyID is the
// software event id the caller (the acceptor) has already registered with
// dispatcher; NotifyEstablished/NotifyError both trigger it, coalescing
// into the single callback invocation spec.md §4.3 requires.
func New(capacity int, dispatcher *reactor.Dispatcher, notifyID reactor.ID, logger interfaces.Logger, freed func()) *Backlog {
	return &Backlog{
		capacity:   capacity,
		slots:      make([]*handshake.Connection, capacity),
		occupied:   bitset.New(uint(capacity)),
		errored:    bitset.New(uint(capacity)),
		cursor:     -1,
		dispatcher: dispatcher,
		notifyID:   notifyID,
		logger:     logger,
		freed:      freed,
	}
}

// Capacity returns the backlog's fixed slot count.
func (b *Backlog) Capacity() int { return b.capacity }

// Occupied returns the number of slots currently holding a connection.
func (b *Backlog) Occupied() int { return int(b.occupied.Count()) }

// IsFull reports whether every slot is occupied.
func (b *Backlog) IsFull() bool {
	return b.Occupied() >= b.capacity
}

func (b *Backlog) firstFree() (int, bool) {
	for i := 0; i < b.capacity; i++ {
		if !b.occupied.Test(uint(i)) {
			return i, true
		}
	}
	return 0, false
}

// AddIncoming places a newly accepted connection in the first free slot,
// starting its handshake. Precondition: !IsFull().
func (b *Backlog) AddIncoming(conn *handshake.Connection) error {
	idx, ok := b.firstFree()
	if !ok {
		return ErrBacklogFull
	}
	b.slots[idx] = conn
	b.occupied.Set(uint(idx))
	return conn.Start()
}

// HasEstablished reports whether any occupied slot holds a connection that
// has reached StateEstablished. A connection already returned by
// NextEstablished still counts until RemoveLast frees its slot.
func (b *Backlog) HasEstablished() bool {
	for i := 0; i < b.capacity; i++ {
		if !b.occupied.Test(uint(i)) {
			continue
		}
		if b.slots[i] != nil && b.slots[i].State() == handshake.StateEstablished {
			return true
		}
	}
	return false
}

// NextEstablished returns the next established connection, setting the
// internal cursor so a subsequent RemoveLast destroys exactly this slot.
// Returns nil if none is established.
func (b *Backlog) NextEstablished() *handshake.Connection {
	for i := 0; i < b.capacity; i++ {
		if !b.occupied.Test(uint(i)) {
			continue
		}
		if b.slots[i] != nil && b.slots[i].State() == handshake.StateEstablished {
			b.cursor = i
			return b.slots[i]
		}
	}
	return nil
}

// RemoveLast destroys the connection most recently returned by
// NextEstablished, freeing its slot. A no-op if NextEstablished has not
// been called since the last RemoveLast.
func (b *Backlog) RemoveLast() {
	if b.cursor < 0 {
		return
	}
	b.freeSlot(b.cursor)
	b.cursor = -1
}

// HandleErrors sweeps every slot whose connection is in StateError and
// destroys it, closing the socket and freeing the slot.
func (b *Backlog) HandleErrors() {
	for i := 0; i < b.capacity; i++ {
		if !b.occupied.Test(uint(i)) {
			continue
		}
		conn := b.slots[i]
		if conn != nil && conn.State() == handshake.StateError {
			if err := conn.Close(); err != nil && b.logger != nil {
				b.logger.Debugf("backlog: closing errored connection: %v", err)
			}
			b.freeSlot(i)
		}
	}
}

// Shutdown aborts every occupied slot regardless of state, closes its
// socket, and frees the slot. Used when the acceptor is stopping and
// in-flight handshakes have nowhere left to go.
func (b *Backlog) Shutdown() {
	for i := 0; i < b.capacity; i++ {
		if !b.occupied.Test(uint(i)) {
			continue
		}
		conn := b.slots[i]
		if conn == nil {
			continue
		}
		conn.Abort("server stopping")
		if err := conn.Close(); err != nil && b.logger != nil {
			b.logger.Debugf("backlog: closing connection during shutdown: %v", err)
		}
		b.freeSlot(i)
	}
	b.cursor = -1
}

func (b *Backlog) freeSlot(idx int) {
	b.slots[idx] = nil
	b.occupied.Clear(uint(idx))
	b.errored.Clear(uint(idx))
	if b.freed != nil {
		b.freed()
	}
}

// NotifyEstablished is passed to handshake.Config.OnEstablished. It
// triggers the single coalesced software event the consumer drains via
// HasEstablished/NextEstablished.
func (b *Backlog) NotifyEstablished(*handshake.Connection) {
	b.dispatcher.TriggerSW(b.notifyID)
}

// NotifyError is passed to handshake.Config.OnError. It triggers the same
// coalesced software event; the consumer's callback is expected to call
// HandleErrors as well as drain established connections.
func (b *Backlog) NotifyError(*handshake.Connection) {
	b.dispatcher.TriggerSW(b.notifyID)
}

// backlogError is a sentinel error type distinct from the root safeipc
// package so internal packages stay free of a dependency on it. The
// acceptor does not wrap it: on an AddIncoming error it closes the
// accepted socket.
type backlogError string

func (e backlogError) Error() string { return string(e) }

// ErrBacklogFull is returned by AddIncoming when every slot is occupied.
const ErrBacklogFull = backlogError("backlog: full")
