package geometry

import (
	"context"
	"sync"
)

// Index is an in-memory Applier keyed by element ID. A later entity for the
// same ID replaces the earlier one but keeps its original position.
type Index struct {
	mu      sync.RWMutex
	order   []int32
	byID    map[int32]Entity
	applied int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{byID: map[int32]Entity{}}
}

// Apply records entity under its ID.
func (i *Index) Apply(_ context.Context, entity Entity) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, seen := i.byID[entity.ID]; !seen {
		i.order = append(i.order, entity.ID)
	}
	i.byID[entity.ID] = entity
	i.applied++
	return nil
}

// Lookup returns the entity recorded for id.
func (i *Index) Lookup(id int32) (Entity, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entity, ok := i.byID[id]
	return entity, ok
}

// Entities returns recorded entities in first-arrival order.
func (i *Index) Entities() []Entity {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]Entity, 0, len(i.order))
	for _, id := range i.order {
		out = append(out, i.byID[id])
	}
	return out
}

// Len is the number of distinct element IDs.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.order)
}

// Applied is the number of Apply calls, duplicates included.
func (i *Index) Applied() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.applied
}

var _ Applier = (*Index)(nil)
