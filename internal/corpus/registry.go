package corpus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// member is the type-erased view the registry needs of a store.
type member interface {
	Role() Role
	has(id ID) bool
	// references adds, for every live entry, one reference to its parent.
	references(refs map[ParentRef]int)
}

// Registry is the arena shared by the stores of one corpus set. It allocates
// ids, validates dependency parents, and serializes pruning against inserts
// that create new parent links.
type Registry struct {
	// links is read-held by inserts carrying a parent and write-held by
	// compaction, so a pruning pass never observes half an insertion.
	links sync.RWMutex

	mu     sync.RWMutex
	stores map[Role]member
	nextID atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[Role]member)}
}

func (r *Registry) register(m member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[m.Role()]; ok {
		panic(fmt.Sprintf("corpus: store for role %q registered twice", m.Role()))
	}
	r.stores[m.Role()] = m
}

func (r *Registry) allocate() ID {
	return ID(r.nextID.Add(1))
}

// observe makes sure freshly allocated ids stay above a restored id.
func (r *Registry) observe(id ID) {
	for {
		cur := r.nextID.Load()
		if uint64(id) <= cur || r.nextID.CompareAndSwap(cur, uint64(id)) {
			return
		}
	}
}

func (r *Registry) member(role Role) (member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.stores[role]
	return m, ok
}

// Exists reports whether ref names a live entry.
func (r *Registry) Exists(ref ParentRef) bool {
	m, ok := r.member(ref.Role)
	if !ok {
		return false
	}
	return m.has(ref.ID)
}

// liveReferences rebuilds the reverse index of parent links across all stores.
func (r *Registry) liveReferences() map[ParentRef]int {
	r.mu.RLock()
	members := make([]member, 0, len(r.stores))
	for _, m := range r.stores {
		members = append(members, m)
	}
	r.mu.RUnlock()

	refs := make(map[ParentRef]int)
	for _, m := range members {
		m.references(refs)
	}
	return refs
}

// Children returns how many live entries name ref as their parent.
func (r *Registry) Children(ref ParentRef) int {
	return r.liveReferences()[ref]
}
