// Package ownership maintains the 1:1 mapping between logical key slots and
// the nodes responsible for them.
package ownership

import (
	"fmt"
	"sync"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// Lookup resolves slot ownership. Both Registry and Snapshot implement it.
type Lookup interface {
	OwnerOf(slot interfaces.SlotIndex) (interfaces.NodeID, error)
	SlotOf(node interfaces.NodeID) (interfaces.SlotIndex, error)
}

// Registry maps a fixed set of slots to their owning nodes.
// Transfers are serialized; readers observe either the mapping before or after
// a transfer, never an intermediate state.
type Registry struct {
	mu          sync.RWMutex
	slotCount   int
	owners      []interfaces.NodeID
	slots       map[interfaces.NodeID]interfaces.SlotIndex
	initialized bool
	version     uint64
}

// New creates an uninitialized registry for slotCount slots.
func New(slotCount int) *Registry {
	return &Registry{
		slotCount: slotCount,
		slots:     make(map[interfaces.NodeID]interfaces.SlotIndex, slotCount),
	}
}

// SlotCount returns the fixed number of slots.
func (r *Registry) SlotCount() int {
	return r.slotCount
}

// Initialize assigns slot i to nodes[i]. It may only be called once.
func (r *Registry) Initialize(nodes []interfaces.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initializeLocked(nodes)
}

func (r *Registry) initializeLocked(nodes []interfaces.NodeID) error {
	if r.initialized {
		return interfaces.ErrAlreadyInitialized
	}
	if len(nodes) != r.slotCount {
		return fmt.Errorf("%w: %d nodes for %d slots", interfaces.ErrCardinalityMismatch, len(nodes), r.slotCount)
	}

	slots := make(map[interfaces.NodeID]interfaces.SlotIndex, len(nodes))
	for i, node := range nodes {
		if err := node.Validate(); err != nil {
			return err
		}
		if _, dup := slots[node]; dup {
			return fmt.Errorf("%w: node %s listed twice", interfaces.ErrCardinalityMismatch, node)
		}
		slots[node] = interfaces.SlotIndex(i)
	}

	r.owners = append([]interfaces.NodeID(nil), nodes...)
	r.slots = slots
	r.initialized = true
	r.version++
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Transfer reassigns the slot owned by leaving to joining and returns the slot.
// The slot index itself never changes.
func (r *Registry) Transfer(leaving, joining interfaces.NodeID) (interfaces.SlotIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transferLocked(leaving, joining)
}

func (r *Registry) transferLocked(leaving, joining interfaces.NodeID) (interfaces.SlotIndex, error) {
	slot, ok := r.slots[leaving]
	if !ok {
		return 0, fmt.Errorf("%w: %s owns no slot", interfaces.ErrUnknownOwner, leaving)
	}
	if err := joining.Validate(); err != nil {
		return 0, err
	}
	if _, owns := r.slots[joining]; owns {
		return 0, fmt.Errorf("%w: %s already owns a slot", interfaces.ErrCardinalityMismatch, joining)
	}

	delete(r.slots, leaving)
	r.slots[joining] = slot
	r.owners[slot] = joining
	r.version++
	return slot, nil
}

// Apply applies a ledger membership change. Leaving[i] is transferred to
// Joining[i]; an uninitialized registry is initialized from change.Members.
// The change is applied atomically: on error the mapping is left untouched.
func (r *Registry) Apply(change interfaces.MembershipChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return r.initializeLocked(change.Members)
	}
	if len(change.Leaving) != len(change.Joining) {
		return fmt.Errorf("%w: %d leaving, %d joining", interfaces.ErrCardinalityMismatch, len(change.Leaving), len(change.Joining))
	}

	owners := append([]interfaces.NodeID(nil), r.owners...)
	slots := make(map[interfaces.NodeID]interfaces.SlotIndex, len(r.slots))
	for k, v := range r.slots {
		slots[k] = v
	}
	version := r.version

	for i := range change.Leaving {
		if _, err := r.transferLocked(change.Leaving[i], change.Joining[i]); err != nil {
			r.owners, r.slots, r.version = owners, slots, version
			return err
		}
	}

	if len(change.Members) > 0 {
		for i, m := range change.Members {
			if i >= len(r.owners) || r.owners[i] != m {
				r.owners, r.slots, r.version = owners, slots, version
				return fmt.Errorf("%w: member %s does not own slot %d after transfer", interfaces.ErrCardinalityMismatch, m, i)
			}
		}
	}
	return nil
}

// OwnerOf returns the node owning slot.
func (r *Registry) OwnerOf(slot interfaces.SlotIndex) (interfaces.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized || slot < 0 || int(slot) >= len(r.owners) {
		return "", fmt.Errorf("%w: slot %d", interfaces.ErrNotFound, slot)
	}
	return r.owners[slot], nil
}

// SlotOf returns the slot owned by node.
func (r *Registry) SlotOf(node interfaces.NodeID) (interfaces.SlotIndex, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[node]
	if !ok {
		return 0, fmt.Errorf("%w: node %s", interfaces.ErrNotFound, node)
	}
	return slot, nil
}

// VerifyComplete fails closed unless every slot has exactly one owner.
func (r *Registry) VerifyComplete() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return fmt.Errorf("%w: ownership not initialized", interfaces.ErrNotFound)
	}
	if len(r.owners) != r.slotCount || len(r.slots) != r.slotCount {
		return fmt.Errorf("%w: %d owners for %d slots", interfaces.ErrNotFound, len(r.slots), r.slotCount)
	}
	for i, owner := range r.owners {
		if owner == "" {
			return fmt.Errorf("%w: slot %d has no owner", interfaces.ErrNotFound, i)
		}
		if slot, ok := r.slots[owner]; !ok || int(slot) != i {
			return fmt.Errorf("%w: slot %d owner mapping is inconsistent", interfaces.ErrNotFound, i)
		}
	}
	return nil
}

// Members returns the owners ordered by slot.
func (r *Registry) Members() []interfaces.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]interfaces.NodeID(nil), r.owners...)
}

// Snapshot returns an immutable copy of the current mapping.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Owners:  append([]interfaces.NodeID(nil), r.owners...),
		Version: r.version,
	}
}

// Snapshot is a point-in-time copy of the slot mapping.
type Snapshot struct {
	Owners  []interfaces.NodeID `json:"owners"`
	Version uint64              `json:"version"`
}

// OwnerOf returns the node owning slot in the snapshot.
func (s Snapshot) OwnerOf(slot interfaces.SlotIndex) (interfaces.NodeID, error) {
	if slot < 0 || int(slot) >= len(s.Owners) {
		return "", fmt.Errorf("%w: slot %d", interfaces.ErrNotFound, slot)
	}
	return s.Owners[slot], nil
}

// SlotOf returns the slot owned by node in the snapshot.
func (s Snapshot) SlotOf(node interfaces.NodeID) (interfaces.SlotIndex, error) {
	for i, owner := range s.Owners {
		if owner == node {
			return interfaces.SlotIndex(i), nil
		}
	}
	return 0, fmt.Errorf("%w: node %s", interfaces.ErrNotFound, node)
}
