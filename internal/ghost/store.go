package ghost

import (
	"fmt"

	"github.com/l1jgo/ghostnet/internal/core/ecs"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
)

// NoOwner marks a ghost no connection owns.
const NoOwner int32 = -1

// Info is the replication bookkeeping attached to every ghost.
type Info struct {
	NetID     uint32
	Type      int
	Owner     int32
	Mode      schema.GhostMode
	SpawnTick tick.Tick
	Predicted bool // client side: this peer predicts the ghost

	// Client-side predicted spawn not yet confirmed by the server.
	PendingSpawn bool
}

// Store maps network ids onto generational entities and owns their state.
// It is used from the step goroutine only; encode workers read states but
// never add or remove ghosts.
type Store struct {
	world  *ecs.World
	types  *schema.Collection
	states *ecs.PtrComponentStore[State]
	infos  *ecs.PtrComponentStore[Info]
	byNet  map[uint32]ecs.EntityID
	order  []ecs.EntityID
	dirty  bool
}

func NewStore(world *ecs.World, types *schema.Collection) *Store {
	s := &Store{
		world:  world,
		types:  types,
		states: ecs.NewPtrComponentStore[State](),
		infos:  ecs.NewPtrComponentStore[Info](),
		byNet:  make(map[uint32]ecs.EntityID, 128),
	}
	world.Register(s.states)
	world.Register(s.infos)
	world.OnDestroy(func(id ecs.EntityID) {
		if info, ok := s.infos.Get(id); ok && s.byNet[info.NetID] == id {
			delete(s.byNet, info.NetID)
		}
		s.dirty = true
	})
	return s
}

func (s *Store) World() *ecs.World         { return s.world }
func (s *Store) Types() *schema.Collection { return s.types }

// Spawn creates a ghost of type typeIndex. A NetID already in use is an error.
func (s *Store) Spawn(info Info) (ecs.EntityID, *State, error) {
	l, ok := s.types.Layout(info.Type)
	if !ok {
		return 0, nil, fmt.Errorf("spawn ghost %d: unknown type %d", info.NetID, info.Type)
	}
	if old, dup := s.byNet[info.NetID]; dup && s.world.Alive(old) {
		return 0, nil, fmt.Errorf("spawn ghost %d: net id in use", info.NetID)
	}
	info.Mode = l.Mode
	id := s.world.CreateEntity()
	st := NewState(l)
	inf := info
	s.states.Set(id, st)
	s.infos.Set(id, &inf)
	s.byNet[info.NetID] = id
	s.dirty = true
	return id, st, nil
}

// Rebind moves a ghost to a new network id. Predicted spawns use it when the
// server confirms them.
func (s *Store) Rebind(id ecs.EntityID, netID uint32) error {
	info, ok := s.infos.Get(id)
	if !ok {
		return fmt.Errorf("rebind: entity %x not a ghost", uint64(id))
	}
	if other, dup := s.byNet[netID]; dup && other != id && s.world.Alive(other) {
		return fmt.Errorf("rebind: net id %d in use", netID)
	}
	if s.byNet[info.NetID] == id {
		delete(s.byNet, info.NetID)
	}
	info.NetID = netID
	s.byNet[netID] = id
	s.dirty = true
	return nil
}

// Despawn queues the ghost for the cleanup phase.
func (s *Store) Despawn(id ecs.EntityID) {
	s.world.MarkForDestruction(id)
}

func (s *Store) Alive(id ecs.EntityID) bool { return s.world.Alive(id) }

func (s *Store) State(id ecs.EntityID) (*State, bool) {
	if !s.world.Alive(id) {
		return nil, false
	}
	return s.states.Get(id)
}

func (s *Store) Info(id ecs.EntityID) (*Info, bool) {
	if !s.world.Alive(id) {
		return nil, false
	}
	return s.infos.Get(id)
}

func (s *Store) ByNetID(netID uint32) (ecs.EntityID, bool) {
	id, ok := s.byNet[netID]
	if !ok || !s.world.Alive(id) {
		return 0, false
	}
	return id, true
}

func (s *Store) Len() int { return s.infos.Len() }

// Sorted returns live ghosts ordered by network id. The slice is reused
// between calls and must not be retained.
func (s *Store) Sorted() []ecs.EntityID {
	if s.dirty || len(s.order) != s.infos.Len() {
		s.order = s.infos.Sorted(func(_ ecs.EntityID, i *Info) uint64 { return uint64(i.NetID) }, s.order)
		s.dirty = false
	}
	return s.order
}

// Each visits live ghosts in network id order.
func (s *Store) Each(fn func(ecs.EntityID, *Info, *State)) {
	for _, id := range s.Sorted() {
		info, _ := s.infos.Get(id)
		st, _ := s.states.Get(id)
		fn(id, info, st)
	}
}
