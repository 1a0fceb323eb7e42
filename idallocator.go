package tubez

import "sync"

// IDPolicy selects how an IDAllocator's counter advances when no released
// id is available for reuse.
type IDPolicy uint8

const (
	// IDPolicySequential advances the counter by 1 each time, starting at 0.
	IDPolicySequential IDPolicy = iota
	// IDPolicyOdd yields only odd ids, starting at 1. Client-initiated
	// tube ids use this policy per the wire spec's parity convention.
	IDPolicyOdd
	// IDPolicyEven yields only even ids, starting at 0. Reserved for
	// server-initiated tube ids.
	IDPolicyEven
)

// IDAllocator issues ids up to max (inclusive) and recycles released ones
// in FIFO order. It is safe for concurrent use.
type IDAllocator struct {
	mu        sync.Mutex
	policy    IDPolicy
	max       uint32
	next      uint32 // first id not yet issued by counter advance
	started   bool
	released  []uint16
	exhausted bool
}

// NewIDAllocator returns an allocator following policy over the full
// 16-bit id space.
func NewIDAllocator(policy IDPolicy) *IDAllocator {
	return NewIDAllocatorMax(policy, 0xFFFF)
}

// NewIDAllocatorMax returns an allocator following policy over [0, max].
// Used for the 15-bit ack id space, where max is 0x7FFF.
func NewIDAllocatorMax(policy IDPolicy, max uint16) *IDAllocator {
	return &IDAllocator{policy: policy, max: uint32(max)}
}

func (a *IDAllocator) firstID() uint32 {
	switch a.policy {
	case IDPolicyOdd:
		return 1
	default:
		return 0
	}
}

func (a *IDAllocator) step() uint32 {
	if a.policy == IDPolicySequential {
		return 1
	}
	return 2
}

// Take allocates an id, preferring a released id (FIFO) before advancing
// the counter. It returns ErrNoIDsAvailable once the policy's id space is
// exhausted and nothing has been released.
func (a *IDAllocator) Take() (*IDHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.released) > 0 {
		id := a.released[0]
		a.released = a.released[1:]
		return &IDHandle{allocator: a, id: id}, nil
	}

	if a.exhausted {
		return nil, ErrNoIDsAvailable
	}

	var id uint32
	if !a.started {
		id = a.firstID()
		a.started = true
	} else {
		id = a.next
	}

	if id > a.max {
		a.exhausted = true
		return nil, ErrNoIDsAvailable
	}

	nextID := id + a.step()
	if nextID > a.max {
		a.exhausted = true
	}
	a.next = nextID

	return &IDHandle{allocator: a, id: uint16(id)}, nil
}

func (a *IDAllocator) release(id uint16) {
	a.mu.Lock()
	a.released = append(a.released, id)
	a.exhausted = false
	a.mu.Unlock()
}

// IDHandle owns exactly one allocated id until Release is called (or
// TakeOver transfers that ownership to a new handle). A handle guards
// against double release with the taken flag.
type IDHandle struct {
	allocator *IDAllocator
	id        uint16
	taken     bool
}

// ID returns the allocated id.
func (h *IDHandle) ID() uint16 {
	return h.id
}

// Release returns the id to the allocator for reuse. Safe to call at most
// once; subsequent calls (or calls after TakeOver) are no-ops.
func (h *IDHandle) Release() {
	if h.taken {
		return
	}
	h.taken = true
	h.allocator.release(h.id)
}

// TakeOver transfers release responsibility to a new handle without
// running this handle's release, so a detached cleanup task can own the
// id without racing the original owner's drop path.
func (h *IDHandle) TakeOver() *IDHandle {
	h.taken = true
	return &IDHandle{allocator: h.allocator, id: h.id}
}
