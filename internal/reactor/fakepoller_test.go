package reactor

import "sync"

// fakePoller is an in-memory stand-in for epollPoller, driven explicitly by
// tests instead of a real kernel multiplexer. It also backs the software
// event fds with a plain counter instead of a real eventfd.
type fakePoller struct {
	mu        sync.Mutex
	watched   map[int]EventMask
	nextFD    int
	eventfds  map[int]*uint64
	closed    bool
	maxEvents int
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		watched:  make(map[int]EventMask),
		eventfds: make(map[int]*uint64),
		nextFD:   1000,
	}
}

func (p *fakePoller) add(fd int, mask EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched[fd] = mask
	return nil
}

func (p *fakePoller) modify(fd int, mask EventMask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watched[fd] = mask
	return nil
}

func (p *fakePoller) remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, fd)
	return nil
}

func (p *fakePoller) wait(cb func(fd int, mask EventMask)) error {
	return nil
}

func (p *fakePoller) newEventFD() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFD
	p.nextFD++
	var counter uint64
	p.eventfds[fd] = &counter
	return fd, nil
}

func (p *fakePoller) drainEventFD(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.eventfds[fd]; ok {
		*c = 0
	}
}

func (p *fakePoller) signalEventFD(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.eventfds[fd]; ok {
		*c++
	}
}

func (p *fakePoller) closeFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.eventfds, fd)
	return nil
}

func (p *fakePoller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fireFD simulates the poller's wait loop reporting fd ready with mask, by
// calling directly into the dispatcher (tests don't drive a real wait()
// loop against fakePoller).
func (p *fakePoller) fireFD(d *Dispatcher, fd int, mask EventMask) {
	d.Dispatch(fd, mask)
}
