package common

import (
	"io"
	"sync"
)

// A control manages the lifecycle of a component.  A control is closed
// exactly once, either cleanly (Close) or with a cause (Fail).  Callbacks
// registered with OnClose are run, in order, by whichever call closes it.
type Control interface {
	io.Closer
	Fail(error)
	Closed() <-chan struct{}
	IsClosed() bool
	Failure() error
	OnClose(func(error))
	Sub() Control
}

type control struct {
	lock    sync.Mutex
	closes  []func(error)
	closed  chan struct{}
	closer  chan struct{}
	failure error
}

func NewControl(parent Control) Control {
	c := &control{
		closed: make(chan struct{}),
		closer: make(chan struct{}, 1),
	}

	if parent != nil {
		go func() {
			select {
			case <-parent.Closed():
				c.Fail(parent.Failure())
			case <-c.closed:
			}
		}()
	}

	return c
}

func (c *control) Fail(cause error) {
	select {
	case <-c.closed:
		return
	case c.closer <- struct{}{}:
	}

	c.lock.Lock()
	c.failure = cause
	close(c.closed)
	fns := c.closes
	c.closes = nil
	c.lock.Unlock()

	for _, fn := range fns {
		fn(cause)
	}
}

func (c *control) Close() error {
	c.Fail(nil)
	return c.Failure()
}

func (c *control) Closed() <-chan struct{} {
	return c.closed
}

func (c *control) IsClosed() bool {
	select {
	default:
		return false
	case <-c.closed:
		return true
	}
}

func (c *control) Failure() error {
	<-c.closed
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.failure
}

// Registers a function to be called on close.  If the control is
// already closed, the function is called immediately.
func (c *control) OnClose(fn func(error)) {
	c.lock.Lock()
	select {
	default:
		c.closes = append(c.closes, fn)
		c.lock.Unlock()
		return
	case <-c.closed:
	}
	cause := c.failure
	c.lock.Unlock()
	fn(cause)
}

func (c *control) Sub() Control {
	return NewControl(c)
}
