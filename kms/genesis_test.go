package kms

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenesis(t *testing.T) {
	members := make([]interfaces.NodeID, 5)
	for i := range members {
		members[i] = interfaces.NodeID(fmt.Sprintf("node-%d", i))
	}

	result, err := Genesis(rand.Reader, members, 3)
	require.NoError(t, err)
	require.Len(t, result.Addresses, 5)
	require.Len(t, result.Bundles, 5)

	for _, m := range members {
		assert.Len(t, result.Bundles[m], 5, "Each member holds one share per slot")
	}

	// Reconstruct slot 2 from three members and check it matches the published address.
	var slotShares []interfaces.Share
	for _, m := range members[:3] {
		for _, s := range result.Bundles[m] {
			if s.Slot == 2 {
				slotShares = append(slotShares, s)
			}
		}
	}
	secret, err := Combine(slotShares)
	require.NoError(t, err)
	defer secret.Destroy()

	key, err := crypto.ToECDSA(secret.Bytes())
	require.NoError(t, err)
	assert.Equal(t, result.Addresses[2], crypto.PubkeyToAddress(key.PublicKey))
	for _, s := range slotShares {
		assert.Equal(t, interfaces.Epoch(0), s.Epoch)
	}
}

func TestGenesis_Rejects(t *testing.T) {
	_, err := Genesis(rand.Reader, []interfaces.NodeID{"a", "b", "a"}, 2)
	assert.ErrorIs(t, err, interfaces.ErrCardinalityMismatch)

	_, err = Genesis(rand.Reader, []interfaces.NodeID{"a", "b"}, 3)
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters)
}
