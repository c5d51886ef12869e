package msg

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/common"
	"github.com/pkopriv2/conduit/msg/wire"
)

// A message pipe is a bidirectional link between two ports.  Messages
// written at one port are read at the other.  Each port is backed by an
// end:
//
//   * local - messages are queued in process until read.
//   * proxy - messages are forwarded through a channel endpoint to a
//     pipe in another process.
//
// A pipe whose ends are both local never touches a channel.  A proxy
// pipe's endpoint is attached to a channel by the caller.  Closing the
// local port of a proxy pipe detaches that endpoint (if still attached)
// and then destroys it.
//
// *This object is thread-safe*
type MessagePipe struct {
	logger common.Logger
	fatal  bool
	ends   [2]pipeEnd
}

type pipeEnd interface {

	// Accepts a message written at the peer port.
	accept(data []byte) error

	// Closes this end.
	close() error

	// Notifies this end that the peer port is gone.
	peerClosed()

	isClosed() bool
}

// Returns a pipe whose ports are both in process.
func NewLocalMessagePipe(ctx common.Context) *MessagePipe {
	p := newMessagePipe(ctx)
	p.ends[Port0] = newLocalEnd()
	p.ends[Port1] = newLocalEnd()
	return p
}

// Returns a pipe whose port 0 is local and whose port 1 is proxied
// through the returned endpoint, which the caller must attach to a
// channel.
func NewProxyMessagePipe(ctx common.Context) (*MessagePipe, *ChannelEndpoint) {
	p := newMessagePipe(ctx)

	e, err := NewChannelEndpoint(p, Port1)
	if err != nil {
		panic(err) // impossible: the client and port are always valid.
	}

	p.ends[Port0] = newLocalEnd()
	p.ends[Port1] = &proxyEnd{pipe: p, endpoint: e}
	return p, e
}

func newMessagePipe(ctx common.Context) *MessagePipe {
	return &MessagePipe{
		logger: ctx.Logger().Fmt("MessagePipe"),
		fatal:  buildChannelOptions(ctx.Config()).ContractFatal,
	}
}

func (p *MessagePipe) report(err error) error {
	return reportViolation(p.logger, p.fatal, err)
}

func (p *MessagePipe) local(port Port, op string) (*localEnd, error) {
	if !port.Valid() {
		return nil, p.report(violation("%v: invalid port [%d]", op, uint8(port)))
	}

	end, ok := p.ends[port].(*localEnd)
	if !ok {
		return nil, p.report(violation("%v: [%v] is not local", op, port))
	}
	return end, nil
}

// Writes a message at the port, to be read at the peer port.  The data
// is copied.  Messages larger than a single frame are rejected with
// ErrMessageTooLarge, whatever the ends.
func (p *MessagePipe) Write(port Port, data []byte) error {
	if _, err := p.local(port, "write"); err != nil {
		return err
	}

	if len(data) > wire.MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "Payload [%v] exceeds [%v]", len(data), wire.MaxMessageSize)
	}

	if p.ends[port].isClosed() {
		return ErrClosed
	}

	cop := make([]byte, len(data))
	copy(cop, data)
	return p.ends[port.Peer()].accept(cop)
}

// Reads the next message at the port without blocking.  Returns
// ErrShouldWait if none is available.
func (p *MessagePipe) Read(port Port) ([]byte, error) {
	end, err := p.local(port, "read")
	if err != nil {
		return nil, err
	}
	return end.read()
}

// Blocks until the port is readable, its peer has closed, it is
// closed, or the cancel channel is closed.
func (p *MessagePipe) Await(port Port, cancel <-chan struct{}) error {
	end, err := p.local(port, "await")
	if err != nil {
		return err
	}
	return end.await(cancel)
}

func (p *MessagePipe) Close(port Port) error {
	if _, err := p.local(port, "close"); err != nil {
		return err
	}

	if err := p.ends[port].close(); err != nil {
		return err
	}

	p.ends[port.Peer()].peerClosed()
	return nil
}

// Called by the proxy endpoint with a message from the remote pipe.
func (p *MessagePipe) OnReadMessage(port Port, data []byte) {
	if err := p.ends[port.Peer()].accept(data); err != nil {
		p.logger.Debug("Dropping message for [%v]: %v", port.Peer(), err)
	}
}

// Called by the proxy endpoint once the remote pipe is gone.
func (p *MessagePipe) OnPeerClosed(port Port) {
	p.ends[port.Peer()].peerClosed()
}

type localEnd struct {
	lock   sync.Mutex
	queue  *queue.Queue
	closed bool
	peer   bool
	wake   chan struct{}
}

func newLocalEnd() *localEnd {
	return &localEnd{queue: queue.New(8), wake: make(chan struct{})}
}

// WARNING: Must be called with the lock held.
func (l *localEnd) notify() {
	close(l.wake)
	l.wake = make(chan struct{})
}

func (l *localEnd) accept(data []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return ErrPeerClosed
	}

	if err := l.queue.Put(data); err != nil {
		return ErrPeerClosed
	}
	l.notify()
	return nil
}

func (l *localEnd) read() ([]byte, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	if l.queue.Empty() {
		if l.peer {
			return nil, ErrPeerClosed
		}
		return nil, ErrShouldWait
	}

	items, err := l.queue.Get(1)
	if err != nil {
		return nil, errors.Wrap(err, "Error reading queue")
	}
	return items[0].([]byte), nil
}

func (l *localEnd) await(cancel <-chan struct{}) error {
	for {
		l.lock.Lock()
		closed, peer, empty, wake := l.closed, l.peer, l.queue.Empty(), l.wake
		l.lock.Unlock()

		switch {
		case closed:
			return ErrClosed
		case !empty:
			return nil
		case peer:
			return ErrPeerClosed
		}

		select {
		case <-wake:
		case <-cancel:
			return ErrCanceled
		}
	}
}

func (l *localEnd) close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return ErrClosed
	}

	l.closed = true
	l.queue.Dispose()
	l.notify()
	return nil
}

func (l *localEnd) peerClosed() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.peer = true
	l.notify()
}

func (l *localEnd) isClosed() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.closed
}

type proxyEnd struct {
	pipe     *MessagePipe
	endpoint *ChannelEndpoint

	lock   sync.Mutex
	closed bool
}

func (x *proxyEnd) accept(data []byte) error {
	if x.isClosed() {
		return ErrPeerClosed
	}

	err := x.endpoint.EnqueueMessage(data)
	if IsContractViolation(err) && x.isClosed() {
		// lost a race with peerClosed destroying the endpoint.
		return ErrPeerClosed
	}
	return x.pipe.report(err)
}

// Proxy ends are only closed through their peer.
func (x *proxyEnd) close() error {
	return x.pipe.report(violation("close: proxy [%v]", x.endpoint.Port()))
}

// The local port is gone: detach the endpoint (unless the channel beat
// us to it) and destroy it.
func (x *proxyEnd) peerClosed() {
	x.lock.Lock()
	if x.closed {
		x.lock.Unlock()
		return
	}
	x.closed = true
	x.lock.Unlock()

	if ch := x.endpoint.Channel(); ch != nil {
		if err := ch.DetachEndpoint(x.endpoint); err != nil && errors.Cause(err) != ErrEndpointUnknown {
			x.pipe.logger.Error("Error detaching endpoint: %v", err)
		}
	}

	x.pipe.report(x.endpoint.Close())
}

func (x *proxyEnd) isClosed() bool {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.closed
}
