package ecs

import "sort"

// Removable is implemented by every component store so the world can drop an
// entity's data from all of them when it is destroyed.
type Removable interface {
	Remove(id EntityID)
}

// PtrComponentStore maps entities to component pointers.
type PtrComponentStore[T any] struct {
	data map[EntityID]*T
}

func NewPtrComponentStore[T any]() *PtrComponentStore[T] {
	return &PtrComponentStore[T]{data: make(map[EntityID]*T, 128)}
}

func (s *PtrComponentStore[T]) Set(id EntityID, c *T) { s.data[id] = c }

func (s *PtrComponentStore[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

func (s *PtrComponentStore[T]) Remove(id EntityID) { delete(s.data, id) }

func (s *PtrComponentStore[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *PtrComponentStore[T]) Len() int { return len(s.data) }

// Each visits components in unspecified order.
func (s *PtrComponentStore[T]) Each(fn func(EntityID, *T)) {
	for id, c := range s.data {
		fn(id, c)
	}
}

// Sorted returns the ids ordered by fn's key. Replication walks ghosts in a
// stable order so packets are reproducible.
func (s *PtrComponentStore[T]) Sorted(key func(EntityID, *T) uint64, dst []EntityID) []EntityID {
	dst = dst[:0]
	for id := range s.data {
		dst = append(dst, id)
	}
	sort.Slice(dst, func(i, j int) bool {
		return key(dst[i], s.data[dst[i]]) < key(dst[j], s.data[dst[j]])
	})
	return dst
}

// Each2 iterates entities present in both stores, walking the smaller one.
func Each2[A, B any](sa *PtrComponentStore[A], sb *PtrComponentStore[B], fn func(EntityID, *A, *B)) {
	if sa.Len() <= sb.Len() {
		for id, a := range sa.data {
			if b, ok := sb.data[id]; ok {
				fn(id, a, b)
			}
		}
		return
	}
	for id, b := range sb.data {
		if a, ok := sa.data[id]; ok {
			fn(id, a, b)
		}
	}
}
