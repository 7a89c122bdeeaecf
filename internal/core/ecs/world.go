package ecs

// World owns the entity pool, the component stores and the deferred
// destruction queue flushed by the cleanup phase each step.
type World struct {
	pool         *EntityPool
	stores       []Removable
	onDestroy    []func(EntityID)
	destroyQueue []EntityID
	queued       map[EntityID]struct{}
}

func NewWorld() *World {
	return &World{
		pool:         NewEntityPool(),
		stores:       make([]Removable, 0, 8),
		destroyQueue: make([]EntityID, 0, 32),
		queued:       make(map[EntityID]struct{}, 32),
	}
}

func (w *World) Pool() *EntityPool { return w.pool }

// Register adds a component store cleared on destruction.
func (w *World) Register(store Removable) {
	w.stores = append(w.stores, store)
}

// OnDestroy registers a hook run for every entity flushed from the queue,
// before its components are removed.
func (w *World) OnDestroy(fn func(EntityID)) {
	w.onDestroy = append(w.onDestroy, fn)
}

func (w *World) CreateEntity() EntityID { return w.pool.Create() }

func (w *World) Alive(id EntityID) bool { return w.pool.Alive(id) }

// MarkForDestruction queues an entity for end-of-step cleanup. Queuing twice
// is harmless.
func (w *World) MarkForDestruction(id EntityID) {
	if !w.pool.Alive(id) {
		return
	}
	if _, dup := w.queued[id]; dup {
		return
	}
	w.queued[id] = struct{}{}
	w.destroyQueue = append(w.destroyQueue, id)
}

// PendingDestruction reports whether id is queued.
func (w *World) PendingDestruction(id EntityID) bool {
	_, ok := w.queued[id]
	return ok
}

// FlushDestroyQueue destroys every queued entity and returns how many died.
func (w *World) FlushDestroyQueue() int {
	n := 0
	for _, id := range w.destroyQueue {
		for _, fn := range w.onDestroy {
			fn(id)
		}
		for _, s := range w.stores {
			s.Remove(id)
		}
		if w.pool.Destroy(id) {
			n++
		}
		delete(w.queued, id)
	}
	w.destroyQueue = w.destroyQueue[:0]
	return n
}
