// Package state holds the process-wide state shared by the listener, the dispatcher and the
// per-job tasks. Each field documents its writer.
package state

import (
	"crypto/ecdsa"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Identity is fixed at startup.
type Identity struct {
	Address           common.Address
	Key               *ecdsa.PrivateKey
	JobsContract      common.Address
	ExecutorsContract common.Address
	Quorum            uint8 // num_selected_executors
}

// NodeState is the shared context passed to every component.
type NodeState struct {
	Identity Identity

	// written by the registration gate (true) and the dispatcher (false)
	registered atomic.Bool
	// held by the running listener for its whole lifetime
	listenerActive atomic.Bool

	ownerMu sync.RWMutex
	owner   common.Address

	Cursor  *Cursor
	Running *RunningJobs
}

func New(identity Identity, startBlock uint64) *NodeState {
	return &NodeState{
		Identity: identity,
		Cursor:   NewCursor(startBlock),
		Running:  NewRunningJobs(),
	}
}

func (s *NodeState) Registered() bool {
	return s.registered.Load()
}

func (s *NodeState) SetRegistered(registered bool) {
	s.registered.Store(registered)
}

// Owner is the operator address used to narrow the registration filter. It may be zero.
func (s *NodeState) Owner() common.Address {
	s.ownerMu.RLock()
	defer s.ownerMu.RUnlock()

	return s.owner
}

func (s *NodeState) SetOwner(owner common.Address) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	s.owner = owner
}

// AcquireListener marks the listener active. It returns false if one is already running.
func (s *NodeState) AcquireListener() bool {
	return s.listenerActive.CompareAndSwap(false, true)
}

func (s *NodeState) ReleaseListener() {
	s.listenerActive.Store(false)
}

func (s *NodeState) ListenerActive() bool {
	return s.listenerActive.Load()
}

// Cursor is the last block seen. It never decreases.
type Cursor struct {
	block atomic.Uint64
}

func NewCursor(start uint64) *Cursor {
	c := new(Cursor)
	c.block.Store(start)
	return c
}

func (c *Cursor) Load() uint64 {
	return c.block.Load()
}

// Advance moves the cursor to n unless it is already past n. It reports whether n is now
// the cursor value.
func (c *Cursor) Advance(n uint64) bool {
	for {
		cur := c.block.Load()
		if n < cur {
			return false
		}
		if n == cur || c.block.CompareAndSwap(cur, n) {
			return true
		}
	}
}

// IsStale reports whether a log at block n predates the cursor.
func (c *Cursor) IsStale(n uint64) bool {
	return n < c.block.Load()
}

// RunningJobs is the set of jobs in flight. Written by the dispatcher only; job tasks read it.
type RunningJobs struct {
	jobs cmap.ConcurrentMap[string, *big.Int]
}

func NewRunningJobs() *RunningJobs {
	return &RunningJobs{jobs: cmap.New[*big.Int]()}
}

// Insert adds id and reports whether it was absent.
func (r *RunningJobs) Insert(id *big.Int) bool {
	return r.jobs.SetIfAbsent(id.String(), new(big.Int).Set(id))
}

// Remove deletes id and reports whether it was present.
func (r *RunningJobs) Remove(id *big.Int) bool {
	_, ok := r.jobs.Pop(id.String())
	return ok
}

func (r *RunningJobs) Has(id *big.Int) bool {
	return r.jobs.Has(id.String())
}

func (r *RunningJobs) Len() int {
	return r.jobs.Count()
}

func (r *RunningJobs) IDs() []*big.Int {
	ids := make([]*big.Int, 0, r.jobs.Count())
	for _, id := range r.jobs.Items() {
		ids = append(ids, new(big.Int).Set(id))
	}

	return ids
}
