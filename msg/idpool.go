package msg

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkopriv2/conduit/msg/wire"
)

const (
	// The pool of ids is restricted to the range [IdPoolMinId, IdPoolMaxId].
	// Everything below IdPoolMinId is reserved (invalid, bootstrap).
	IdPoolMinId wire.EndpointId = 2
	IdPoolMaxId wire.EndpointId = 1<<31 - 1

	// Each time the pool is expanded, it grows by this amount.
	IdPoolExpInc = 16
)

// A memory efficient pool of available endpoint ids. The pool will be
// restricted to the range defined by:
//
//  [IdPoolMinId, IdPoolMaxId]
//
// The pool grows upward, so lower ids are favored, and returned ids are
// reissued before fresh ones.  Unlike a sync.Pool, this does not
// automatically clean up the available pool.
//
// Unlike the available list, ownership IS tracked: returning an id that
// is not currently taken is rejected rather than allowing the same id to
// be handed out twice.
//
// *This object is thread-safe*
type IdPool struct {
	lock  sync.Mutex
	avail *list.List
	taken map[wire.EndpointId]struct{}
	next  wire.EndpointId // used as a high watermark
	max   wire.EndpointId
}

// Creates a new id pool.  Each time the pool's values are exhausted,
// it is automatically and safely expanded.
func NewIdPool() *IdPool {
	return newIdPool(IdPoolMaxId)
}

func newIdPool(max wire.EndpointId) *IdPool {
	pool := &IdPool{avail: list.New(), taken: make(map[wire.EndpointId]struct{}), next: IdPoolMinId, max: max}
	pool.expand(IdPoolExpInc)
	return pool
}

// WARNING: Not thread-safe.  Internal use only!
//
// Expands the available ids by num items or until
// it has reached maximum capacity.
func (p *IdPool) expand(num int) error {
	i := 0
	for ; i < num && p.next <= p.max; i++ {
		p.avail.PushBack(p.next)
		p.next++
	}

	// if we didn't move, the pool is full.
	if i == 0 {
		return ErrIdPoolCapacity
	}
	return nil
}

// Takes an available id from the pool.  If one can't be taken
// a non-nil error is returned.
func (p *IdPool) Take() (wire.EndpointId, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.avail.Len() == 0 {
		if err := p.expand(IdPoolExpInc); err != nil {
			return wire.InvalidEndpointId, err
		}
	}

	id := p.avail.Remove(p.avail.Front()).(wire.EndpointId)
	p.taken[id] = struct{}{}
	return id, nil
}

// Returns an id to the pool.  Only ids that are currently taken may be
// returned.
func (p *IdPool) Return(id wire.EndpointId) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.taken[id]; !ok {
		return errors.Wrapf(ErrIdPoolInvalid, "Id [%v] was not taken", id)
	}

	delete(p.taken, id)
	p.avail.PushFront(id)
	return nil
}

// Returns the number of outstanding ids.
func (p *IdPool) Taken() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.taken)
}
