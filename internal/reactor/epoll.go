//go:build linux

package reactor

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vectoripc/safeipc-core/internal/interfaces"
)

// epollPoller is the production poller, backed by epoll_create1/epoll_ctl/
// epoll_wait. Every registered fd (including the eventfd backing a
// software event) is tracked identically; the dispatcher is the only
// caller that distinguishes KindFD from KindSW.
type epollPoller struct {
	epfd int

	mu     sync.Mutex
	events []unix.EpollEvent
}

// newEpollPoller creates a poller with capacity for maxEvents ready events
// per epoll_wait call.
func newEpollPoller(maxEvents int) (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = 256
	}
	return &epollPoller{
		epfd:   fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func toEpollEvents(mask EventMask) uint32 {
	var e uint32
	if mask&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	// Hangup/error are always reported by the kernel regardless of the
	// requested mask; EventHangup/EventError exist only as outputs.
	return e
}

func fromEpollEvents(e uint32) EventMask {
	var mask EventMask
	if e&unix.EPOLLIN != 0 {
		mask |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		mask |= EventWrite
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		mask |= EventHangup
	}
	if e&unix.EPOLLERR != 0 {
		mask |= EventError
	}
	return mask
}

func (p *epollPoller) add(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask)}
	ev.Fd = int32(fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) modify(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Events: toEpollEvents(mask)}
	ev.Fd = int32(fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

// wait blocks until at least one registered fd is ready (or a signal
// interrupts the call) and invokes cb once per ready fd.
func (p *epollPoller) wait(cb func(fd int, mask EventMask)) error {
	p.mu.Lock()
	buf := p.events
	p.mu.Unlock()

	n, err := unix.EpollWait(p.epfd, buf, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		cb(int(buf[i].Fd), fromEpollEvents(buf[i].Events))
	}
	return nil
}

func (p *epollPoller) newEventFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// drainEventFD reads and discards the eventfd's 8-byte counter so the next
// signalEventFD call produces a fresh readiness edge.
func (p *epollPoller) drainEventFD(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == nil || err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// signalEventFD writes 1 to the eventfd counter, waking any epoll_wait
// blocked on it.
func (p *epollPoller) signalEventFD(fd int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		if err == nil || err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

func (p *epollPoller) closeFD(fd int) error {
	return unix.Close(fd)
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

// NewEpollDispatcher is the production constructor: a Dispatcher backed by
// a real epoll instance.
func NewEpollDispatcher(logger interfaces.Logger, maxEvents int) (*Dispatcher, error) {
	p, err := newEpollPoller(maxEvents)
	if err != nil {
		return nil, err
	}
	return NewDispatcher(p, logger), nil
}
