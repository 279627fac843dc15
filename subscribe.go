package tasksync

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/erennakbas/tasksync/types"
)

type subscription struct {
	id int
	fn func(types.Event)
}

// Subscribe registers a listener invoked for every change of the local
// collection. Listeners run one event at a time, in mutation order, outside
// the client's lock; they may call back into the client. The returned
// function removes the listener.
func (c *Client) Subscribe(fn func(types.Event)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.listeners = append(c.listeners, subscription{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.listeners {
				if s.id == id {
					c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// emitLocked queues an event for delivery by drain.
func (c *Client) emitLocked(ev types.Event) {
	if len(c.listeners) == 0 {
		return
	}
	c.events = append(c.events, ev)
}

// drain delivers queued events. Only one goroutine drains at a time; others
// leave their events to it, which keeps delivery in mutation order.
func (c *Client) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true

	for len(c.events) > 0 {
		batch := c.events
		c.events = nil
		listeners := c.listeners
		c.mu.Unlock()

		for _, ev := range batch {
			for _, s := range listeners {
				c.deliver(s.fn, ev)
			}
		}

		c.mu.Lock()
	}

	c.draining = false
	c.mu.Unlock()
}

func (c *Client) deliver(fn func(types.Event), ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"task_id": ev.Task.ID,
				"event":   ev.Kind,
				"panic":   r,
			}).Error("subscriber panicked")
		}
	}()
	fn(ev)
}
