package msg

import (
	"io"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/common"
	"github.com/pkopriv2/conduit/msg/wire"
	"github.com/pkopriv2/conduit/net"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// A channel multiplexes any number of message pipe endpoints over a
// single connection.  Each side of the connection owns a channel, and
// each channel owns a routing table from its local endpoint ids to
// the endpoints attached to it.
//
// Data flow:
//
//  OUT FLOW:
//  <ENDPOINT> ---> QUEUE ---> WRITER ----> <CONN>
//
//  IN FLOW:
//  <CONN> ---> READER ---> ROUTING TABLE ----> <ENDPOINT>
//
// Establishing a pipe is a two step handshake.  Each side attaches its
// endpoint (AttachEndpoint), which assigns a local id.  Ids are
// exchanged out of band (typically over an already running pipe).  The
// side that learns the peer's id first runs its endpoint (RunEndpoint),
// which sends a run message to the peer, which in turn runs its own
// endpoint.  Only then does data flow in both directions.
//
// Tearing down a running pipe is also a handshake:  the detaching side
// leaves a tombstone in its routing table and sends a remove message.
// The peer detaches its endpoint and acknowledges, at which point the
// tombstoned id is released.  If both sides detach concurrently, each
// acknowledges the other's remove.
//
// Concurrency model:
//
//      * READER    : A single routine, reading and dispatching frames.
//      * WRITER    : A single routine, draining the outbound queue.
//      * LIFECYCLE : Every attach/run/detach driven by the channel is
//                    serialized by the channel's lock.
//
// *This object is thread-safe*
type Channel struct {
	id     uuid.UUID
	ctrl   common.Control
	logger common.Logger
	opts   ChannelOptions
	conn   net.Connection

	// serializes endpoint lifecycle calls (lock order: channel, routes, endpoint)
	lock   sync.Mutex
	ids    *IdPool
	routes *routingTable

	out   *queue.Queue
	stats *ChannelStats

	workers  errgroup.Group
	done     chan struct{}
	closeErr error
}

func NewChannel(ctx common.Context, conn net.Connection) *Channel {
	c := newChannel(ctx, conn)
	c.start()
	return c
}

// Returns a channel whose bootstrap endpoint is attached and running
// before the first frame is read, so nothing the peer sends on the
// bootstrap pipe is dropped.  On failure the connection is closed.
func NewChannelWithBootstrap(ctx common.Context, conn net.Connection, e *ChannelEndpoint) (*Channel, error) {
	c := newChannel(ctx, conn)
	if err := c.AttachBootstrapEndpoint(e); err != nil {
		c.Close()
		return nil, err
	}

	c.start()
	return c, nil
}

func newChannel(ctx common.Context, conn net.Connection) *Channel {
	id := uuid.NewV1()
	opts := buildChannelOptions(ctx.Config())

	c := &Channel{
		id:     id,
		ctrl:   ctx.Control().Sub(),
		logger: ctx.Logger().Fmt("Channel(%v)", id),
		opts:   opts,
		conn:   conn,
		ids:    NewIdPool(),
		routes: newRoutingTable(),
		out:    queue.New(int64(opts.QueueHint)),
		stats:  NewChannelStats(id),
		done:   make(chan struct{}),
	}

	c.ctrl.OnClose(c.shutdown)
	return c
}

func (c *Channel) start() {
	c.workers.Go(c.read)
	c.workers.Go(c.write)
}

func (c *Channel) Id() uuid.UUID {
	return c.id
}

func (c *Channel) Stats() *ChannelStats {
	return c.stats
}

func (c *Channel) Closed() <-chan struct{} {
	return c.ctrl.Closed()
}

func (c *Channel) IsClosed() bool {
	return c.ctrl.IsClosed()
}

// Blocks until the channel is closed and returns the cause, if any.
func (c *Channel) Failure() error {
	return c.ctrl.Failure()
}

func (c *Channel) Close() error {
	c.ctrl.Close()
	<-c.done
	return multierr.Combine(c.workers.Wait(), c.closeErr)
}

// Attaches the endpoint to this channel under a newly allocated id.
func (c *Channel) AttachEndpoint(e *ChannelEndpoint) (wire.EndpointId, error) {
	if e == nil {
		return wire.InvalidEndpointId, c.report(violation("attach: nil endpoint"))
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ctrl.IsClosed() {
		return wire.InvalidEndpointId, ErrChannelClosed
	}

	id, err := c.ids.Take()
	if err != nil {
		return wire.InvalidEndpointId, err
	}

	if err := c.attach(e, id); err != nil {
		return wire.InvalidEndpointId, err
	}
	return id, nil
}

// Attaches and runs the endpoint of the bootstrap pipe.  Both sides of
// a channel know the bootstrap id, so no handshake is necessary.
func (c *Channel) AttachBootstrapEndpoint(e *ChannelEndpoint) error {
	if e == nil {
		return c.report(violation("attach: nil endpoint"))
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ctrl.IsClosed() {
		return ErrChannelClosed
	}

	if err := c.attach(e, wire.BootstrapEndpointId); err != nil {
		return err
	}
	return c.report(e.Run(wire.BootstrapEndpointId))
}

// Runs the local endpoint now that the peer's id is known, and tells the
// peer to run its side.
func (c *Channel) RunEndpoint(local wire.EndpointId, remote wire.EndpointId) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.ctrl.IsClosed() {
		return ErrChannelClosed
	}

	rt, ok := c.routes.Get(local)
	if !ok || !rt.Live() {
		return errors.Wrapf(ErrEndpointUnknown, "Endpoint [%v]", local)
	}

	if s := rt.endpoint.State(); s != EndpointAttached {
		return c.report(violation("run: endpoint [%v] is [%v]", local, s))
	}

	if !remote.Valid() {
		return c.report(violation("run: invalid remote id"))
	}

	// the run message must reach the peer before any data the endpoint
	// flushes, and the endpoint must be running before the peer can reply.
	return c.report(rt.endpoint.run(remote, true))
}

// Detaches the endpoint from this channel.  Returns ErrEndpointUnknown
// if the endpoint is not routed here (e.g. the channel was torn down
// first), in which case the endpoint is left untouched.
func (c *Channel) DetachEndpoint(e *ChannelEndpoint) error {
	if e == nil {
		return c.report(violation("detach: nil endpoint"))
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	ch, local, remote := e.Binding()
	if ch != c {
		return errors.Wrapf(ErrEndpointUnknown, "Endpoint [%v] is not attached here", e.Port())
	}

	rt, ok := c.routes.Get(local)
	if !ok || rt.endpoint != e {
		return errors.Wrapf(ErrEndpointUnknown, "Endpoint [%v]", local)
	}

	if remote.Valid() {
		c.routes.Tombstone(local, remote)
		if err := c.send(wire.NewControlMessage(wire.SubtypeChannelRemoveEndpoint, local, remote)); err != nil {
			c.logger.Debug("Unable to send remove for [%v]: %v", local, err)
		}
	} else {
		c.routes.Remove(local)
		c.release(local)
	}

	if err := c.report(e.DetachFromChannel()); err != nil {
		return err
	}

	c.stats.endpointsDetached.Inc(1)
	c.logger.Debug("Detached endpoint [%v -> %v]", local, remote)
	return nil
}

// WARNING: Must be called with the lock held.
func (c *Channel) attach(e *ChannelEndpoint, id wire.EndpointId) error {
	if err := c.routes.Add(id, e); err != nil {
		c.release(id)
		return err
	}

	if err := e.AttachToChannel(c, id); err != nil {
		c.routes.Remove(id)
		c.release(id)
		return c.report(err)
	}

	c.stats.endpointsAttached.Inc(1)
	c.logger.Debug("Attached endpoint [%v]", id)
	return nil
}

func (c *Channel) release(id wire.EndpointId) {
	if id < IdPoolMinId {
		return
	}

	if err := c.ids.Return(id); err != nil {
		c.logger.Error("Error releasing id [%v]: %v", id, err)
	}
}

func (c *Channel) report(err error) error {
	return reportViolation(c.logger, c.opts.ContractFatal, err)
}

// Hands the message to the writer.  Never blocks.
func (c *Channel) send(m wire.Message) error {
	if err := c.out.Put(m); err != nil {
		return ErrChannelClosed
	}
	return nil
}

func (c *Channel) write() error {
	for {
		items, err := c.out.Get(64)
		if err != nil {
			return nil
		}

		for _, item := range items {
			m := item.(wire.Message)
			if err := wire.WriteMessage(c.conn, m); err != nil {
				if c.ctrl.IsClosed() {
					return nil
				}

				// nothing was written, so the stream is intact.
				if _, ok := err.(wire.MessageEncodingError); ok {
					c.stats.messagesDropped.Inc(1)
					c.logger.Error("Dropping [%v]: %v", m, err)
					continue
				}

				err = errors.Wrapf(err, "Error writing message [%v]", m)
				c.ctrl.Fail(err)
				return err
			}

			c.stats.messagesSent.Inc(1)
			c.stats.bytesSent.Inc(int64(wire.HeaderSize + len(m.Data)))
		}
	}
}

func (c *Channel) read() error {
	for {
		m, err := wire.ReadMessage(c.conn)
		if err != nil {
			if c.ctrl.IsClosed() {
				return nil
			}

			if err == io.EOF {
				c.logger.Info("Peer closed connection")
				c.ctrl.Close()
				return nil
			}

			err = errors.Wrap(err, "Error reading message")
			c.ctrl.Fail(err)
			return err
		}

		c.stats.messagesReceived.Inc(1)
		c.stats.bytesReceived.Inc(int64(wire.HeaderSize + len(m.Data)))

		switch m.Type {
		case wire.TypeEndpoint:
			c.dispatchData(m)
		case wire.TypeChannel:
			c.dispatchControl(m)
		}
	}
}

func (c *Channel) dispatchData(m wire.Message) {
	rt, ok := c.routes.Get(m.Destination)
	if !ok || !rt.Live() {
		c.stats.messagesDropped.Inc(1)
		c.logger.Debug("Dropping [%v]: No endpoint", m)
		return
	}

	if err := rt.endpoint.onReadMessage(m); err != nil {
		c.stats.messagesDropped.Inc(1)
		c.logger.Debug("Dropping [%v]: %v", m, err)
	}
}

func (c *Channel) dispatchControl(m wire.Message) {
	var notify *ChannelEndpoint
	var err error

	c.lock.Lock()
	switch m.Subtype {
	case wire.SubtypeChannelRunEndpoint:
		err = c.onRunEndpoint(m.Destination, m.Source)
	case wire.SubtypeChannelRemoveEndpoint:
		notify, err = c.onRemoveEndpoint(m.Destination, m.Source)
	case wire.SubtypeChannelRemoveEndpointAck:
		err = c.onRemoveEndpointAck(m.Destination, m.Source)
	}
	c.lock.Unlock()

	if err != nil {
		c.stats.protocolErrors.Inc(1)
		c.logger.Error("Error handling [%v]: %v", m, err)
		return
	}

	if notify != nil {
		notify.onPeerClosed()
	}
}

// Everything below is driven by the peer, so nothing it sends may reach
// an endpoint in a state that would violate the endpoint's contract.

// WARNING: Must be called with the lock held.
func (c *Channel) onRunEndpoint(local wire.EndpointId, remote wire.EndpointId) error {
	rt, ok := c.routes.Get(local)
	if !ok || !rt.Live() {
		return errors.Wrapf(ErrProtocol, "Run for unknown endpoint [%v]", local)
	}

	if s := rt.endpoint.State(); s != EndpointAttached {
		return errors.Wrapf(ErrProtocol, "Run for endpoint [%v] in state [%v]", local, s)
	}

	if !remote.Valid() {
		return errors.Wrapf(ErrProtocol, "Run for endpoint [%v] from invalid id", local)
	}

	return c.report(rt.endpoint.Run(remote))
}

// WARNING: Must be called with the lock held.
func (c *Channel) onRemoveEndpoint(local wire.EndpointId, remote wire.EndpointId) (*ChannelEndpoint, error) {
	rt, ok := c.routes.Get(local)
	if !ok {
		return nil, errors.Wrapf(ErrProtocol, "Remove for unknown endpoint [%v]", local)
	}

	ack := wire.NewControlMessage(wire.SubtypeChannelRemoveEndpointAck, local, remote)

	// both sides detached concurrently.  ack theirs and keep waiting for ours.
	if !rt.Live() {
		if rt.remote != remote {
			return nil, errors.Wrapf(ErrProtocol, "Remove for endpoint [%v] from [%v]. Expected [%v]", local, remote, rt.remote)
		}
		return nil, c.send(ack)
	}

	e := rt.endpoint
	if _, _, r := e.Binding(); e.State() != EndpointRunning || r != remote {
		return nil, errors.Wrapf(ErrProtocol, "Remove for endpoint [%v] from [%v]", local, remote)
	}

	c.routes.Remove(local)
	c.release(local)
	if err := c.report(e.DetachFromChannel()); err != nil {
		return nil, err
	}

	c.stats.endpointsDetached.Inc(1)
	c.logger.Debug("Peer removed endpoint [%v -> %v]", local, remote)
	return e, c.send(ack)
}

// WARNING: Must be called with the lock held.
func (c *Channel) onRemoveEndpointAck(local wire.EndpointId, remote wire.EndpointId) error {
	rt, ok := c.routes.Get(local)
	if !ok || rt.Live() || rt.remote != remote {
		return errors.Wrapf(ErrProtocol, "Unexpected remove ack for endpoint [%v] from [%v]", local, remote)
	}

	c.routes.Remove(local)
	c.release(local)
	return nil
}

// Detaches every endpoint and releases every id.  Invoked exactly once,
// by whichever call closes the channel's control.
func (c *Channel) shutdown(cause error) {
	defer close(c.done)
	if cause != nil {
		c.logger.Error("Channel failed: %v", cause)
	} else {
		c.logger.Info("Closing")
	}

	c.out.Dispose()
	c.closeErr = c.conn.Close()

	c.lock.Lock()
	live := c.routes.Live()
	for _, id := range c.routes.Ids() {
		c.release(id)
	}
	c.routes.Clear()

	for _, rt := range live {
		if err := c.report(rt.endpoint.DetachFromChannel()); err == nil {
			c.stats.endpointsDetached.Inc(1)
		}
	}
	c.lock.Unlock()

	for _, rt := range live {
		rt.endpoint.onPeerClosed()
	}
}
