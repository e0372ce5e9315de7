package ownership

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodes(prefix string, n int) []interfaces.NodeID {
	out := make([]interfaces.NodeID, n)
	for i := range out {
		out[i] = interfaces.NodeID(fmt.Sprintf("%s-%d", prefix, i))
	}
	return out
}

func TestRegistry_Initialize(t *testing.T) {
	r := New(3)
	assert.ErrorIs(t, r.VerifyComplete(), interfaces.ErrNotFound, "Uninitialized registry must fail closed")

	err := r.Initialize(nodes("n", 2))
	assert.ErrorIs(t, err, interfaces.ErrCardinalityMismatch)

	err = r.Initialize([]interfaces.NodeID{"a", "b", "a"})
	assert.ErrorIs(t, err, interfaces.ErrCardinalityMismatch, "A node may own at most one slot")

	require.NoError(t, r.Initialize(nodes("n", 3)))
	require.NoError(t, r.VerifyComplete())

	owner, err := r.OwnerOf(1)
	require.NoError(t, err)
	assert.Equal(t, interfaces.NodeID("n-1"), owner)

	slot, err := r.SlotOf("n-2")
	require.NoError(t, err)
	assert.Equal(t, interfaces.SlotIndex(2), slot)

	err = r.Initialize(nodes("m", 3))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyInitialized)
}

func TestRegistry_Lookups(t *testing.T) {
	r := New(2)
	require.NoError(t, r.Initialize(nodes("n", 2)))

	_, err := r.OwnerOf(2)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = r.OwnerOf(-1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = r.SlotOf("stranger")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRegistry_Transfer(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Initialize(nodes("n", 4)))

	slot, err := r.Transfer("n-2", "joiner")
	require.NoError(t, err)
	assert.Equal(t, interfaces.SlotIndex(2), slot)

	owner, err := r.OwnerOf(2)
	require.NoError(t, err)
	assert.Equal(t, interfaces.NodeID("joiner"), owner)

	_, err = r.SlotOf("n-2")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Old owner's entry should be removed")

	_, err = r.Transfer("n-2", "other")
	assert.ErrorIs(t, err, interfaces.ErrUnknownOwner)

	_, err = r.Transfer("n-0", "n-1")
	assert.ErrorIs(t, err, interfaces.ErrCardinalityMismatch, "Joining node must not already own a slot")

	require.NoError(t, r.VerifyComplete())
}

func TestRegistry_TransferSequencePreservesCompleteness(t *testing.T) {
	r := New(11)
	require.NoError(t, r.Initialize(nodes("n", 11)))

	current := nodes("n", 11)
	for round := 0; round < 25; round++ {
		i := (round * 7) % 11
		joining := interfaces.NodeID(fmt.Sprintf("r%d", round))
		slot, err := r.Transfer(current[i], joining)
		require.NoError(t, err)
		assert.Equal(t, interfaces.SlotIndex(i), slot)
		current[i] = joining

		require.NoError(t, r.VerifyComplete())
		assert.Equal(t, current, r.Members())
	}
}

func TestRegistry_Apply(t *testing.T) {
	t.Run("initializes from members", func(t *testing.T) {
		r := New(3)
		require.NoError(t, r.Apply(interfaces.MembershipChange{Members: nodes("n", 3)}))
		require.NoError(t, r.VerifyComplete())
	})

	t.Run("applies pairs", func(t *testing.T) {
		r := New(3)
		require.NoError(t, r.Initialize(nodes("n", 3)))
		change := interfaces.MembershipChange{
			Leaving: []interfaces.NodeID{"n-0", "n-2"},
			Joining: []interfaces.NodeID{"x", "y"},
			Members: []interfaces.NodeID{"x", "n-1", "y"},
		}
		require.NoError(t, r.Apply(change))
		assert.Equal(t, change.Members, r.Members())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		r := New(3)
		require.NoError(t, r.Initialize(nodes("n", 3)))
		before := r.Snapshot()

		change := interfaces.MembershipChange{
			Leaving: []interfaces.NodeID{"n-0", "ghost"},
			Joining: []interfaces.NodeID{"x", "y"},
		}
		assert.ErrorIs(t, r.Apply(change), interfaces.ErrUnknownOwner)
		assert.Equal(t, before, r.Snapshot(), "Failed change must leave the mapping untouched")
	})
}

func TestRegistry_NoTornReads(t *testing.T) {
	r := New(2)
	require.NoError(t, r.Initialize([]interfaces.NodeID{"a", "b"}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := r.Snapshot()
			seen := map[interfaces.NodeID]bool{}
			for _, owner := range snap.Owners {
				if owner == "" || seen[owner] {
					select {
					case errs <- fmt.Errorf("torn snapshot %v", snap.Owners):
					default:
					}
					return
				}
				seen[owner] = true
			}
		}
	}()

	current := "a"
	for i := 0; i < 500; i++ {
		next := fmt.Sprintf("a%d", i)
		_, err := r.Transfer(interfaces.NodeID(current), interfaces.NodeID(next))
		require.NoError(t, err)
		current = next
	}
	close(stop)
	wg.Wait()

	select {
	case err := <-errs:
		t.Fatal(err)
	default:
	}
	require.NoError(t, r.VerifyComplete())
}

func TestSnapshot_Lookup(t *testing.T) {
	r := New(3)
	require.NoError(t, r.Initialize(nodes("n", 3)))
	snap := r.Snapshot()

	_, err := r.Transfer("n-1", "z")
	require.NoError(t, err)

	slot, err := snap.SlotOf("n-1")
	require.NoError(t, err, "Snapshot should keep the pre-transfer mapping")
	assert.Equal(t, interfaces.SlotIndex(1), slot)

	_, err = snap.SlotOf("z")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.Less(t, snap.Version, r.Snapshot().Version)
}
