package msg

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/msg/wire"
)

// A route is either live (points at an endpoint) or a tombstone: the
// endpoint has been detached, but the id must not be reissued until the
// peer acknowledges the removal.
type route struct {
	endpoint *ChannelEndpoint
	remote   wire.EndpointId
}

type liveRoute struct {
	id       wire.EndpointId
	endpoint *ChannelEndpoint
}

func (r route) Live() bool {
	return r.endpoint != nil
}

func endpointIdComparator(a, b interface{}) int {
	return utils.UInt32Comparator(uint32(a.(wire.EndpointId)), uint32(b.(wire.EndpointId)))
}

// A thread safe, ordered, endpoint routing table.
//
// *This object is thread-safe.*
type routingTable struct {
	lock   sync.RWMutex
	routes *treemap.Map
}

func newRoutingTable() *routingTable {
	return &routingTable{routes: treemap.NewWith(endpointIdComparator)}
}

func (r *routingTable) Get(id wire.EndpointId) (route, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	val, ok := r.routes.Get(id)
	if !ok {
		return route{}, false
	}
	return val.(route), true
}

func (r *routingTable) Add(id wire.EndpointId, e *ChannelEndpoint) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.routes.Get(id); ok {
		return errors.Wrapf(ErrRouteExists, "Route [%v]", id)
	}

	r.routes.Put(id, route{endpoint: e})
	return nil
}

// Replaces a live route with a tombstone that remembers the peer's id.
func (r *routingTable) Tombstone(id wire.EndpointId, remote wire.EndpointId) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	val, ok := r.routes.Get(id)
	if !ok || !val.(route).Live() {
		return errors.Wrapf(ErrEndpointUnknown, "Route [%v]", id)
	}

	r.routes.Put(id, route{remote: remote})
	return nil
}

func (r *routingTable) Remove(id wire.EndpointId) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.routes.Get(id); !ok {
		return errors.Wrapf(ErrEndpointUnknown, "Route [%v]", id)
	}

	r.routes.Remove(id)
	return nil
}

// Returns the ids of every route, live or not, in ascending order.
func (r *routingTable) Ids() []wire.EndpointId {
	r.lock.RLock()
	defer r.lock.RUnlock()

	ret := make([]wire.EndpointId, 0, r.routes.Size())
	for _, k := range r.routes.Keys() {
		ret = append(ret, k.(wire.EndpointId))
	}
	return ret
}

// Returns the live routes, ordered by id.
func (r *routingTable) Live() []liveRoute {
	r.lock.RLock()
	defer r.lock.RUnlock()

	ret := make([]liveRoute, 0, r.routes.Size())
	it := r.routes.Iterator()
	for it.Next() {
		if rt := it.Value().(route); rt.Live() {
			ret = append(ret, liveRoute{it.Key().(wire.EndpointId), rt.endpoint})
		}
	}
	return ret
}

func (r *routingTable) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.routes.Size()
}

func (r *routingTable) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.routes.Clear()
}
