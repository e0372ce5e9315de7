package kms

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/threshold-key-custody/cryptoutils"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// GenesisManifest is the public record of a genesis: who holds the slots and
// the address each slot key signs for.
type GenesisManifest struct {
	Group     interfaces.GroupID  `json:"group"`
	Threshold int                 `json:"threshold"`
	Members   []interfaces.NodeID `json:"members"`
	Addresses []common.Address    `json:"addresses"`
}

// Manifest returns the public part of the genesis.
func (g *GenesisResult) Manifest(group interfaces.GroupID, members []interfaces.NodeID, threshold int) GenesisManifest {
	return GenesisManifest{
		Group:     group,
		Threshold: threshold,
		Members:   append([]interfaces.NodeID(nil), members...),
		Addresses: append([]common.Address(nil), g.Addresses...),
	}
}

// Wipe overwrites every share of every bundle.
func (g *GenesisResult) Wipe() {
	for _, bundle := range g.Bundles {
		interfaces.WipeShares(bundle)
	}
}

type sealedBundle struct {
	Group  interfaces.GroupID `json:"group"`
	Member interfaces.NodeID  `json:"member"`
	Shares []interfaces.Share `json:"shares"`
}

func bundleAAD(group interfaces.GroupID, member interfaces.NodeID) []byte {
	return []byte("custody-genesis:" + string(group) + ":" + string(member))
}

// SealBundle encrypts the genesis shares of member to its transport key.
func SealBundle(group interfaces.GroupID, member interfaces.NodeID, shares []interfaces.Share, recipientPEM []byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, errors.New("empty genesis bundle")
	}
	plaintext, err := json.Marshal(sealedBundle{Group: group, Member: member, Shares: shares})
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	defer wipeBytes(plaintext)

	sealed, err := cryptoutils.EncryptWithPublicKey(recipientPEM, plaintext, bundleAAD(group, member))
	if err != nil {
		return nil, fmt.Errorf("failed to seal bundle for %s: %w", member, err)
	}
	return sealed, nil
}

// OpenBundle decrypts a bundle sealed by SealBundle. The bundle must have
// been issued to member of group.
func OpenBundle(group interfaces.GroupID, member interfaces.NodeID, sealed []byte, privateKeyPEM []byte) ([]interfaces.Share, error) {
	plaintext, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, sealed, bundleAAD(group, member))
	if err != nil {
		return nil, fmt.Errorf("failed to open genesis bundle: %w", err)
	}
	defer wipeBytes(plaintext)

	var bundle sealedBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode genesis bundle: %w", err)
	}
	if bundle.Group != group || bundle.Member != member {
		interfaces.WipeShares(bundle.Shares)
		return nil, fmt.Errorf("%w: bundle issued to %s of %s", interfaces.ErrUnauthorizedPeer, bundle.Member, bundle.Group)
	}
	return bundle.Shares, nil
}
