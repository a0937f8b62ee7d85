package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() (*Dispatcher, *fakePoller) {
	p := newFakePoller()
	return NewDispatcher(p, nil), p
}

func TestRegisterFDAndDispatch(t *testing.T) {
	d, _ := newTestDispatcher()

	var gotMask EventMask
	calls := 0
	id, err := d.RegisterFD(7, EventRead, func(mask EventMask) {
		calls++
		gotMask = mask
	})
	require.NoError(t, err)
	require.True(t, id.Valid())

	d.Dispatch(7, EventRead)
	assert.Equal(t, 1, calls)
	assert.Equal(t, EventRead, gotMask)
}

func TestDispatchStaleIDIsDiscarded(t *testing.T) {
	d, _ := newTestDispatcher()

	calls := 0
	id, err := d.RegisterFD(7, EventRead, func(EventMask) { calls++ })
	require.NoError(t, err)

	d.Unregister(id)
	d.Dispatch(7, EventRead)
	assert.Equal(t, 0, calls)
}

func TestSequenceDetectsStaleID(t *testing.T) {
	d, _ := newTestDispatcher()

	id1, err := d.RegisterFD(7, EventRead, func(EventMask) {})
	require.NoError(t, err)
	d.Unregister(id1)

	calls := 0
	id2, err := d.RegisterFD(7, EventRead, func(EventMask) { calls++ })
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	// Dispatching with the stale id1's fd now hits id2's callback (fd
	// reuse is expected); the interesting invariant is that id1 itself
	// can never be looked up again.
	_, ok := d.lookup(id1)
	assert.False(t, ok)
	_, ok = d.lookup(id2)
	assert.True(t, ok)

	d.Dispatch(7, EventRead)
	assert.Equal(t, 1, calls)
}

func TestRegisterThenImmediateUnregisterNeverInvokes(t *testing.T) {
	d, _ := newTestDispatcher()

	calls := 0
	id, err := d.RegisterFD(9, EventRead, func(EventMask) { calls++ })
	require.NoError(t, err)
	d.Unregister(id)

	d.Dispatch(9, EventRead)
	assert.Equal(t, 0, calls)
}

func TestTriggerSWCollapsesRedundantTriggers(t *testing.T) {
	d, p := newTestDispatcher()

	calls := 0
	id, err := d.RegisterSW(func(EventMask) { calls++ })
	require.NoError(t, err)

	d.TriggerSW(id)
	d.TriggerSW(id)
	d.TriggerSW(id)

	fd := d.swFDFor(id)
	require.NotEqual(t, -1, fd)
	p.drainEventFD(fd) // wait() would drain before invoking; Dispatch also drains
	d.Dispatch(fd, EventRead)

	assert.Equal(t, 1, calls)
}

func TestTriggerSWFromWithinCallbackDoesNotReenter(t *testing.T) {
	d, _ := newTestDispatcher()

	var id ID
	calls := 0
	var dispatcher *Dispatcher
	id, err := d.RegisterSW(func(EventMask) {
		calls++
		if calls == 1 {
			dispatcher.TriggerSW(id)
		}
	})
	require.NoError(t, err)
	dispatcher = d

	fd := d.swFDFor(id)
	d.Dispatch(fd, EventRead)
	assert.Equal(t, 1, calls, "self-trigger during callback must not re-enter synchronously")

	// The self-trigger set pendingSW, so the *next* dispatch should fire
	// as is correct per the collapse semantics.
	d.Dispatch(fd, EventRead)
	assert.Equal(t, 2, calls)
}

func TestSetAddRemoveEvents(t *testing.T) {
	d, p := newTestDispatcher()

	id, err := d.RegisterFD(3, EventRead, func(EventMask) {})
	require.NoError(t, err)

	require.NoError(t, d.AddEvents(id, EventWrite))
	p.mu.Lock()
	mask := p.watched[3]
	p.mu.Unlock()
	assert.Equal(t, EventRead|EventWrite, mask)

	require.NoError(t, d.RemoveEvents(id, EventRead))
	p.mu.Lock()
	mask = p.watched[3]
	p.mu.Unlock()
	assert.Equal(t, EventWrite, mask)

	require.NoError(t, d.SetEvents(id, EventRead))
	p.mu.Lock()
	mask = p.watched[3]
	p.mu.Unlock()
	assert.Equal(t, EventRead, mask)
}

func TestUnregisterDuringOwnCallbackIsDeferred(t *testing.T) {
	d, _ := newTestDispatcher()

	var id ID
	var dispatcher *Dispatcher
	ranTwice := false
	id, err := d.RegisterFD(11, EventRead, func(EventMask) {
		dispatcher.Unregister(id)
		ranTwice = true
	})
	require.NoError(t, err)
	dispatcher = d

	d.Dispatch(11, EventRead)
	assert.True(t, ranTwice)

	// After dispatch returns, the reaper should have reclaimed the slot.
	_, ok := d.lookup(id)
	assert.False(t, ok)
}

func TestResourceExhaustion(t *testing.T) {
	d, _ := newTestDispatcher()

	var lastErr error
	for i := 0; i < maxSlots+1; i++ {
		_, err := d.RegisterFD(1000+i, EventRead, func(EventMask) {})
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	assert.Equal(t, ErrResourceExhausted, lastErr)
}

func TestDispatchConcurrentCallbackNeverOverlaps(t *testing.T) {
	d, _ := newTestDispatcher()

	var active atomic.Int32
	var overlapped atomic.Bool
	id, err := d.RegisterFD(5, EventRead, func(EventMask) {
		if active.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
	})
	require.NoError(t, err)
	_ = id

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(5, EventRead)
		}()
	}
	wg.Wait()
	assert.False(t, overlapped.Load())
}
