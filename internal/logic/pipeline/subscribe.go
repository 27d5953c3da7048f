package pipeline

// Subscribe returns a channel that receives a Status after every state
// change, and a cleanup function. Slow subscribers miss updates; the latest
// state is always available from Status. The channel is closed by cleanup or
// by Shutdown.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 16)
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, unsub
}

// publish sends the current status to every subscriber without blocking.
func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	st := c.session.status(c.machine.State(), c.position, c.lastVerdict)
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
			// subscriber full, skip
		}
	}
}
