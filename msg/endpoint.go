package msg

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/msg/wire"
)

// The owner of a channel endpoint (typically a message pipe).  Both
// callbacks are invoked without any endpoint or channel locks held.
type EndpointClient interface {

	// Called with the payload of a message addressed to the endpoint.
	OnReadMessage(port Port, data []byte)

	// Called once the endpoint has been detached because the remote side
	// went away (remote close or channel teardown).
	OnPeerClosed(port Port)
}

// The identity of an endpoint within a channel.  A binding is never
// mutated: transitions swap in a new value.  The channel and local id
// exist together or not at all, and the remote id only exists within a
// binding.
type binding struct {
	channel *Channel
	local   wire.EndpointId
	remote  wire.EndpointId
}

// A channel endpoint is one side of a message pipe as seen by a channel.
// It is handed off between its owning pipe and the channel's routing
// table, so every read and write of its binding happens under a single
// lock.
//
// Lifecycle:
//
//   * AttachToChannel - the channel has assigned a local id.  Messages may
//     be enqueued but are held until the endpoint runs.
//   * Run - the peer's id is known.  Held messages are flushed, in order.
//   * DetachFromChannel - the binding is dropped.  Terminal.
//   * Close - the owner is done with the endpoint.  Only legal while
//     unattached or detached.
//
// Any call made out of order fails with ErrContractViolation and leaves
// the endpoint unchanged.
//
// *This object is thread-safe*
type ChannelEndpoint struct {
	client EndpointClient
	port   Port

	lock     sync.Mutex
	bind     *binding
	detached bool
	closed   bool
	paused   [][]byte
}

func NewChannelEndpoint(client EndpointClient, port Port) (*ChannelEndpoint, error) {
	if client == nil {
		return nil, violation("new endpoint: nil client")
	}
	if !port.Valid() {
		return nil, violation("new endpoint: invalid port [%d]", uint8(port))
	}
	return &ChannelEndpoint{client: client, port: port}, nil
}

func (e *ChannelEndpoint) Port() Port {
	return e.port
}

func (e *ChannelEndpoint) State() EndpointState {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state()
}

// Returns a consistent snapshot of the channel and both ids.
func (e *ChannelEndpoint) Binding() (*Channel, wire.EndpointId, wire.EndpointId) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.bind == nil {
		return nil, wire.InvalidEndpointId, wire.InvalidEndpointId
	}
	return e.bind.channel, e.bind.local, e.bind.remote
}

func (e *ChannelEndpoint) Channel() *Channel {
	ch, _, _ := e.Binding()
	return ch
}

func (e *ChannelEndpoint) LocalId() wire.EndpointId {
	_, local, _ := e.Binding()
	return local
}

func (e *ChannelEndpoint) RemoteId() wire.EndpointId {
	_, _, remote := e.Binding()
	return remote
}

// WARNING: Must be called with the lock held.
func (e *ChannelEndpoint) state() EndpointState {
	switch {
	case e.closed:
		return EndpointClosed
	case e.detached:
		return EndpointDetached
	case e.bind == nil:
		return EndpointUnattached
	case e.bind.remote.Valid():
		return EndpointRunning
	default:
		return EndpointAttached
	}
}

func (e *ChannelEndpoint) AttachToChannel(channel *Channel, local wire.EndpointId) error {
	if channel == nil {
		return violation("attach: nil channel")
	}
	if !local.Valid() {
		return violation("attach: invalid local id")
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if s := e.state(); s != EndpointUnattached {
		return violation("attach: endpoint [%v] is [%v]", e.port, s)
	}

	e.bind = &binding{channel: channel, local: local}
	return nil
}

// Records the peer's id, after which messages flow in both directions.
// Messages enqueued before now are handed to the channel first.
func (e *ChannelEndpoint) Run(remote wire.EndpointId) error {
	return e.run(remote, false)
}

// Runs the endpoint.  When announce is set, the run message for the peer
// is queued ahead of the held messages.  Inbound delivery takes the same
// lock, so nothing the peer sends in reply can observe the endpoint
// before it is running.
func (e *ChannelEndpoint) run(remote wire.EndpointId, announce bool) error {
	if !remote.Valid() {
		return violation("run: invalid remote id")
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if s := e.state(); s != EndpointAttached {
		return violation("run: endpoint [%v] is [%v]", e.port, s)
	}

	channel, local := e.bind.channel, e.bind.local
	if announce {
		if err := channel.send(wire.NewControlMessage(wire.SubtypeChannelRunEndpoint, local, remote)); err != nil {
			return err
		}
	}

	e.bind = &binding{channel: channel, local: local, remote: remote}

	paused := e.paused
	e.paused = nil
	for _, data := range paused {
		if err := channel.send(wire.NewDataMessage(local, remote, data)); err != nil {
			// the channel is shutting down and will detach us shortly.
			break
		}
	}
	return nil
}

func (e *ChannelEndpoint) DetachFromChannel() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if s := e.state(); !s.Is(EndpointAttached | EndpointRunning) {
		return violation("detach: endpoint [%v] is [%v]", e.port, s)
	}

	e.bind = nil
	e.detached = true
	e.paused = nil
	return nil
}

// Destroys the endpoint.  An endpoint that is still bound to a channel
// would leave a dangling route, so closing one is a violation.
func (e *ChannelEndpoint) Close() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if s := e.state(); !s.Is(EndpointUnattached | EndpointDetached) {
		return violation("close: endpoint [%v] is [%v]", e.port, s)
	}

	e.closed = true
	e.paused = nil
	return nil
}

// Sends a message to the remote side of the pipe.  Until the endpoint
// runs, messages are held locally.  Payloads that cannot be framed are
// rejected with ErrMessageTooLarge before anything is queued.
func (e *ChannelEndpoint) EnqueueMessage(data []byte) error {
	if len(data) > wire.MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "Payload [%v] exceeds [%v]", len(data), wire.MaxMessageSize)
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	switch s := e.state(); s {
	default:
		return violation("enqueue: endpoint [%v] is [%v]", e.port, s)
	case EndpointDetached:
		return ErrPeerClosed
	case EndpointUnattached, EndpointAttached:
		e.paused = append(e.paused, data)
		return nil
	case EndpointRunning:
		return e.bind.channel.send(wire.NewDataMessage(e.bind.local, e.bind.remote, data))
	}
}

// Called by the channel with an inbound data message.
func (e *ChannelEndpoint) onReadMessage(m wire.Message) error {
	e.lock.Lock()
	bind, s := e.bind, e.state()
	e.lock.Unlock()

	if s != EndpointRunning {
		return errors.Wrapf(ErrProtocol, "Endpoint [%v] is [%v]", e.port, s)
	}
	if m.Source != bind.remote {
		return errors.Wrapf(ErrProtocol, "Unexpected source [%v]. Expected [%v]", m.Source, bind.remote)
	}

	e.client.OnReadMessage(e.port, m.Data)
	return nil
}

func (e *ChannelEndpoint) onPeerClosed() {
	e.client.OnPeerClosed(e.port)
}
