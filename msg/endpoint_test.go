package msg

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/common"
	"github.com/pkopriv2/conduit/msg/wire"
	"github.com/pkopriv2/conduit/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	lock     sync.Mutex
	messages [][]byte
	closed   []Port
}

func (c *testClient) OnReadMessage(port Port, data []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.messages = append(c.messages, data)
}

func (c *testClient) OnPeerClosed(port Port) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = append(c.closed, port)
}

func (c *testClient) Messages() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([][]byte{}, c.messages...)
}

func (c *testClient) PeerClosed() []Port {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]Port{}, c.closed...)
}

func newTestEndpoint(t *testing.T, port Port) *ChannelEndpoint {
	e, err := NewChannelEndpoint(&testClient{}, port)
	require.Nil(t, err)
	return e
}

// A channel with no connection.  Only good for handing to endpoints
// directly: messages they send pile up in the outbound queue.
func newStubChannel() *Channel {
	return &Channel{out: queue.New(8)}
}

func drainStubChannel(t *testing.T, c *Channel) []wire.Message {
	items, err := c.out.TakeUntil(func(interface{}) bool { return true })
	require.Nil(t, err)

	ret := make([]wire.Message, 0, len(items))
	for _, i := range items {
		ret = append(ret, i.(wire.Message))
	}
	return ret
}

func newTestContext() common.Context {
	return common.NewContextWithLogger(
		common.NewConfig(map[string]interface{}{
			confContractFatal: false,
		}), common.NewNopLogger())
}

func newTestChannelPair(t *testing.T, ctx common.Context) (*Channel, *Channel) {
	l, r := net.NewMemPair()
	return NewChannel(ctx, l), NewChannel(ctx, r)
}

func waitFor(t *testing.T, fn func() bool) {
	timer := time.After(5 * time.Second)
	for !fn() {
		select {
		case <-timer:
			t.Fatal("Timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func assertViolation(t *testing.T, err error) {
	assert.True(t, IsContractViolation(err), "Expected contract violation. Got: %v", err)
}

func assertBinding(t *testing.T, e *ChannelEndpoint, c *Channel, local, remote wire.EndpointId) {
	ch, l, r := e.Binding()
	assert.True(t, c == ch, "Unexpected channel")
	assert.Equal(t, local, l)
	assert.Equal(t, remote, r)
}

func TestNewChannelEndpoint(t *testing.T) {
	e, err := NewChannelEndpoint(&testClient{}, Port1)
	require.Nil(t, err)
	assert.Equal(t, Port1, e.Port())
	assert.Equal(t, EndpointUnattached, e.State())
	assertBinding(t, e, nil, wire.InvalidEndpointId, wire.InvalidEndpointId)
}

func TestNewChannelEndpoint_NilClient(t *testing.T) {
	_, err := NewChannelEndpoint(nil, Port0)
	assertViolation(t, err)
}

func TestNewChannelEndpoint_InvalidPort(t *testing.T) {
	_, err := NewChannelEndpoint(&testClient{}, Port(2))
	assertViolation(t, err)
}

func TestChannelEndpoint_Lifecycle(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)

	require.Nil(t, e.AttachToChannel(c, 7))
	assert.Equal(t, EndpointAttached, e.State())
	assertBinding(t, e, c, 7, wire.InvalidEndpointId)

	require.Nil(t, e.Run(42))
	assert.Equal(t, EndpointRunning, e.State())
	assertBinding(t, e, c, 7, 42)

	require.Nil(t, e.DetachFromChannel())
	assert.Equal(t, EndpointDetached, e.State())
	assertBinding(t, e, nil, wire.InvalidEndpointId, wire.InvalidEndpointId)

	require.Nil(t, e.Close())
	assert.Equal(t, EndpointClosed, e.State())
}

func TestChannelEndpoint_Close_Unattached(t *testing.T) {
	e := newTestEndpoint(t, Port1)
	assert.Nil(t, e.Close())
	assert.Equal(t, EndpointClosed, e.State())
}

func TestChannelEndpoint_Close_Twice(t *testing.T) {
	e := newTestEndpoint(t, Port1)
	require.Nil(t, e.Close())
	assertViolation(t, e.Close())
}

func TestChannelEndpoint_Run_Unattached(t *testing.T) {
	e := newTestEndpoint(t, Port1)
	assertViolation(t, e.Run(5))
	assert.Equal(t, EndpointUnattached, e.State())
	assertBinding(t, e, nil, wire.InvalidEndpointId, wire.InvalidEndpointId)
}

func TestChannelEndpoint_Run_InvalidRemote(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))

	assertViolation(t, e.Run(wire.InvalidEndpointId))
	assert.Equal(t, EndpointAttached, e.State())
	assertBinding(t, e, c, 7, wire.InvalidEndpointId)
}

func TestChannelEndpoint_Run_Twice(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))
	require.Nil(t, e.Run(42))

	assertViolation(t, e.Run(43))
	assertBinding(t, e, c, 7, 42)
}

func TestChannelEndpoint_Attach_Twice(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))

	assertViolation(t, e.AttachToChannel(c, 7))
	assertViolation(t, e.AttachToChannel(c, 8))
	assertViolation(t, e.AttachToChannel(newStubChannel(), 9))
	assertBinding(t, e, c, 7, wire.InvalidEndpointId)
}

func TestChannelEndpoint_Attach_Running(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))
	require.Nil(t, e.Run(42))

	assertViolation(t, e.AttachToChannel(c, 8))
	assertBinding(t, e, c, 7, 42)
}

func TestChannelEndpoint_Attach_NilChannel(t *testing.T) {
	e := newTestEndpoint(t, Port0)
	assertViolation(t, e.AttachToChannel(nil, 7))
	assert.Equal(t, EndpointUnattached, e.State())
}

func TestChannelEndpoint_Attach_InvalidId(t *testing.T) {
	e := newTestEndpoint(t, Port0)
	assertViolation(t, e.AttachToChannel(newStubChannel(), wire.InvalidEndpointId))
	assert.Equal(t, EndpointUnattached, e.State())
}

func TestChannelEndpoint_Attach_Detached(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))
	require.Nil(t, e.DetachFromChannel())

	assertViolation(t, e.AttachToChannel(c, 8))
	assert.Equal(t, EndpointDetached, e.State())
}

func TestChannelEndpoint_Attach_Closed(t *testing.T) {
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.Close())
	assertViolation(t, e.AttachToChannel(newStubChannel(), 7))
	assert.Equal(t, EndpointClosed, e.State())
}

func TestChannelEndpoint_Attach_Concurrent(t *testing.T) {
	chans := []*Channel{newStubChannel(), newStubChannel()}
	e := newTestEndpoint(t, Port0)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.AttachToChannel(chans[i%2], wire.EndpointId(i+2))
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			assert.Equal(t, -1, winner)
			winner = i
			continue
		}
		assertViolation(t, err)
	}

	require.NotEqual(t, -1, winner)
	assertBinding(t, e, chans[winner%2], wire.EndpointId(winner+2), wire.InvalidEndpointId)
}

func TestChannelEndpoint_Detach_Unattached(t *testing.T) {
	e := newTestEndpoint(t, Port0)
	assertViolation(t, e.DetachFromChannel())
	assert.Equal(t, EndpointUnattached, e.State())
}

func TestChannelEndpoint_Detach_Twice(t *testing.T) {
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(newStubChannel(), 7))
	require.Nil(t, e.DetachFromChannel())

	assertViolation(t, e.DetachFromChannel())
	assert.Equal(t, EndpointDetached, e.State())
}

func TestChannelEndpoint_Detach_Attached(t *testing.T) {
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(newStubChannel(), 7))
	assert.Nil(t, e.DetachFromChannel())
	assertBinding(t, e, nil, wire.InvalidEndpointId, wire.InvalidEndpointId)
}

func TestChannelEndpoint_Close_Attached(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))

	assertViolation(t, e.Close())
	assert.Equal(t, EndpointAttached, e.State())
	assertBinding(t, e, c, 7, wire.InvalidEndpointId)
}

func TestChannelEndpoint_Close_Running(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))
	require.Nil(t, e.Run(42))

	assertViolation(t, e.Close())
	assert.Equal(t, EndpointRunning, e.State())
	assertBinding(t, e, c, 7, 42)
}

func TestChannelEndpoint_Enqueue_Paused(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)

	require.Nil(t, e.EnqueueMessage([]byte("1")))
	require.Nil(t, e.AttachToChannel(c, 7))
	require.Nil(t, e.EnqueueMessage([]byte("2")))
	assert.Equal(t, int64(0), c.out.Len())

	require.Nil(t, e.Run(42))
	require.Nil(t, e.EnqueueMessage([]byte("3")))

	msgs := drainStubChannel(t, c)
	require.Equal(t, 3, len(msgs))
	for i, m := range msgs {
		assert.Equal(t, wire.TypeEndpoint, m.Type)
		assert.Equal(t, wire.EndpointId(7), m.Source)
		assert.Equal(t, wire.EndpointId(42), m.Destination)
		assert.Equal(t, []byte{byte('1' + i)}, m.Data)
	}
}

func TestChannelEndpoint_Enqueue_Detached(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.EnqueueMessage([]byte("dropped")))
	require.Nil(t, e.AttachToChannel(c, 7))
	require.Nil(t, e.DetachFromChannel())

	assert.Equal(t, ErrPeerClosed, e.EnqueueMessage([]byte("1")))
	assert.Equal(t, int64(0), c.out.Len())
}

func TestChannelEndpoint_Enqueue_Closed(t *testing.T) {
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.Close())
	assertViolation(t, e.EnqueueMessage([]byte("1")))
}

func TestChannelEndpoint_OnReadMessage(t *testing.T) {
	client := &testClient{}
	e, err := NewChannelEndpoint(client, Port1)
	require.Nil(t, err)

	m := wire.NewDataMessage(42, 7, []byte("hello"))
	assert.Equal(t, ErrProtocol, errors.Cause(e.onReadMessage(m)))

	require.Nil(t, e.AttachToChannel(newStubChannel(), 7))
	assert.Equal(t, ErrProtocol, errors.Cause(e.onReadMessage(m)))

	require.Nil(t, e.Run(42))
	assert.Nil(t, e.onReadMessage(m))
	assert.Equal(t, ErrProtocol, errors.Cause(e.onReadMessage(wire.NewDataMessage(43, 7, []byte("spoof")))))
	assert.Equal(t, [][]byte{[]byte("hello")}, client.Messages())

	e.onPeerClosed()
	assert.Equal(t, []Port{Port1}, client.PeerClosed())
}

// Drives an endpoint through random calls and checks that its binding is
// always consistent: the channel and local id exist together, and a
// remote id implies both.
func TestChannelEndpoint_RandomCalls(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	chans := []*Channel{newStubChannel(), newStubChannel()}

	for i := 0; i < 100; i++ {
		e := newTestEndpoint(t, Port(rnd.Intn(2)))
		for j := 0; j < 20; j++ {
			before := e.State()

			var err error
			switch rnd.Intn(6) {
			case 0:
				var ch *Channel
				if rnd.Intn(4) > 0 {
					ch = chans[rnd.Intn(2)]
				}
				err = e.AttachToChannel(ch, wire.EndpointId(rnd.Intn(4)))
			case 1:
				err = e.Run(wire.EndpointId(rnd.Intn(4)))
			case 2:
				err = e.DetachFromChannel()
			case 3:
				err = e.Close()
			case 4:
				err = e.EnqueueMessage([]byte("x"))
			case 5:
				e.Binding()
			}

			if IsContractViolation(err) {
				assert.Equal(t, before, e.State())
			}

			ch, local, remote := e.Binding()
			assert.Equal(t, ch == nil, !local.Valid())
			if remote.Valid() {
				assert.NotNil(t, ch)
				assert.True(t, local.Valid())
			}

			switch e.State() {
			case EndpointUnattached, EndpointDetached, EndpointClosed:
				assert.Nil(t, ch)
			case EndpointAttached:
				assert.NotNil(t, ch)
				assert.False(t, remote.Valid())
			case EndpointRunning:
				assert.True(t, remote.Valid())
			}
		}
	}
}

func TestChannelEndpoint_Run_Announce(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.EnqueueMessage([]byte("held")))
	require.Nil(t, e.AttachToChannel(c, 7))

	require.Nil(t, e.run(42, true))
	assertBinding(t, e, c, 7, 42)

	msgs := drainStubChannel(t, c)
	require.Equal(t, 2, len(msgs))
	assert.Equal(t, wire.NewControlMessage(wire.SubtypeChannelRunEndpoint, 7, 42), msgs[0])
	assert.Equal(t, wire.NewDataMessage(7, 42, []byte("held")), msgs[1])
}

func TestChannelEndpoint_Run_Announce_ChannelClosed(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))
	c.out.Dispose()

	assert.Equal(t, ErrChannelClosed, e.run(42, true))
	assertBinding(t, e, c, 7, wire.InvalidEndpointId)
}

func TestChannelEndpoint_Enqueue_TooLarge(t *testing.T) {
	c := newStubChannel()
	e := newTestEndpoint(t, Port0)
	require.Nil(t, e.AttachToChannel(c, 7))

	big := make([]byte, wire.MaxMessageSize+1)
	assert.Equal(t, ErrMessageTooLarge, errors.Cause(e.EnqueueMessage(big)))

	require.Nil(t, e.Run(42))
	assert.Equal(t, ErrMessageTooLarge, errors.Cause(e.EnqueueMessage(big)))
	assert.Equal(t, int64(0), c.out.Len())

	require.Nil(t, e.EnqueueMessage(make([]byte, wire.MaxMessageSize)))
	assert.Equal(t, int64(1), c.out.Len())
}
