package kernel

import (
	"fmt"
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/scusemua/kernel-manager/internal/utils/hashmap"
)

// Registry is the in-memory table of all known kernels: the single source of
// truth for lookups and listing. Lookups go through a sharded concurrent map
// so they never block on an in-flight create/delete of an unrelated kernel;
// the creation-order index has its own short-held lock, distinct from the
// per-kernel locks handed out by Lock.
type Registry struct {
	// records is a mapping from kernel id to *Record.
	records hashmap.HashMap[string, *Record]

	// locks is a mapping from kernel id to the mutex serializing lifecycle
	// operations on that kernel.
	locks hashmap.HashMap[string, *sync.Mutex]

	// orderMu guards order. Held only for index mutation and iteration.
	orderMu sync.RWMutex

	// order indexes live kernel ids in creation order.
	order *orderedmap.OrderedMap[string, *Record]
}

func NewRegistry() *Registry {
	return &Registry{
		records: hashmap.NewConcurrentMap[*Record](),
		locks:   hashmap.NewConcurrentMap[*sync.Mutex](),
		order:   orderedmap.NewOrderedMap[string, *Record](),
	}
}

// Lock returns the mutex serializing lifecycle operations on the given
// kernel id, creating it on first use.
func (r *Registry) Lock(id string) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	return mu
}

// Insert adds a new record. It fails with ErrDuplicateKernelId when a live
// record already exists under the same id; the loser of a racing create
// observes the error rather than overwriting the winner.
func (r *Registry) Insert(record *Record) error {
	if _, loaded := r.records.LoadOrStore(record.Id(), record); loaded {
		return fmt.Errorf("%w: \"%s\"", ErrDuplicateKernelId, record.Id())
	}

	r.orderMu.Lock()
	r.order.Set(record.Id(), record)
	r.orderMu.Unlock()

	return nil
}

// Get returns the live record for the given id.
func (r *Registry) Get(id string) (*Record, bool) {
	return r.records.Load(id)
}

// Remove deletes the record and its creation-order index entry. The per-id
// mutex is kept: a waiter already blocked on it must still be handed the
// same mutex by a later Lock call, or two goroutines end up serializing the
// same id on different mutexes. Lock entries are bounded by the number of
// distinct ids ever seen.
func (r *Registry) Remove(id string) {
	r.records.Delete(id)

	r.orderMu.Lock()
	r.order.Delete(id)
	r.orderMu.Unlock()
}

// List returns all live records in creation order.
func (r *Registry) List() []*Record {
	r.orderMu.RLock()
	defer r.orderMu.RUnlock()

	records := make([]*Record, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		records = append(records, el.Value)
	}

	return records
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	return r.records.Len()
}
