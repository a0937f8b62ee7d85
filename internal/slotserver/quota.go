package slotserver

// classState tracks one receiver class's admission accounting: how many
// connections currently use it, and the FIFO of slot indices currently
// outstanding to it (oldest first), which is what the eviction-on-send
// algorithm walks.
type classState struct {
	cfg            ClassConfig
	activeReceivers int
	outstanding    []int // oldest first
}

func (c *classState) hasActiveReceiver() bool {
	return c.activeReceivers > 0
}

// publish appends idx to this class's outstanding FIFO. If that exceeds
// the class's quota, it evicts and returns the oldest entry (which may be
// idx itself only if MaxSlots is zero). ok is false if nothing was
// evicted.
func (c *classState) publish(idx int) (evicted int, ok bool) {
	c.outstanding = append(c.outstanding, idx)
	if len(c.outstanding) <= c.cfg.MaxSlots {
		return 0, false
	}
	evicted = c.outstanding[0]
	c.outstanding = c.outstanding[1:]
	return evicted, true
}

// release removes idx from this class's outstanding FIFO, e.g. because a
// receiver in the class explicitly acknowledged it. A no-op if idx is not
// present (already evicted or never published to this class).
func (c *classState) release(idx int) {
	for i, v := range c.outstanding {
		if v == idx {
			c.outstanding = append(c.outstanding[:i], c.outstanding[i+1:]...)
			return
		}
	}
}
