package kms

import (
	"crypto/ecdsa"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// GenesisResult holds the epoch-0 share bundles of a new group.
type GenesisResult struct {
	// Bundles maps each member to its shares, one per slot.
	Bundles map[interfaces.NodeID][]interfaces.Share
	// Addresses maps slot index to the public address of the slot key.
	Addresses []common.Address
}

// Genesis generates one secp256k1 key per slot and splits each over members at
// epoch 0. Member i owns slot i. The keys are destroyed before returning; only
// the shares and public addresses leave this function.
func Genesis(rng io.Reader, members []interfaces.NodeID, threshold int) (*GenesisResult, error) {
	if err := ValidateParams(len(members), threshold); err != nil {
		return nil, err
	}
	seen := make(map[interfaces.NodeID]struct{}, len(members))
	for _, m := range members {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[m]; dup {
			return nil, fmt.Errorf("%w: duplicate member %s", interfaces.ErrCardinalityMismatch, m)
		}
		seen[m] = struct{}{}
	}

	result := &GenesisResult{
		Bundles:   make(map[interfaces.NodeID][]interfaces.Share, len(members)),
		Addresses: make([]common.Address, len(members)),
	}

	for slot := range members {
		key, err := ecdsa.GenerateKey(crypto.S256(), rng)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key for slot %d: %w", slot, err)
		}
		result.Addresses[slot] = crypto.PubkeyToAddress(key.PublicKey)

		secret := SecretFromBytes(crypto.FromECDSA(key))
		key.D.SetInt64(0)

		shares, err := Split(secret, interfaces.ShareParams{
			Slot:      interfaces.SlotIndex(slot),
			Epoch:     0,
			Threshold: threshold,
			Total:     len(members),
		})
		secret.Destroy()
		if err != nil {
			for _, bundle := range result.Bundles {
				interfaces.WipeShares(bundle)
			}
			return nil, err
		}

		for i, member := range members {
			result.Bundles[member] = append(result.Bundles[member], shares[i])
		}
	}

	return result, nil
}
