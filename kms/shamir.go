package kms

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// MaxShares is the largest share count the GF(2^8) scheme supports.
const MaxShares = 255

// ValidateParams checks the threshold and total of a sharing.
func ValidateParams(total, threshold int) error {
	if threshold < 2 {
		return fmt.Errorf("%w: threshold must be at least 2, got %d", interfaces.ErrInvalidParameters, threshold)
	}
	if total < threshold {
		return fmt.Errorf("%w: total shares (%d) must be at least equal to threshold (%d)", interfaces.ErrInvalidParameters, total, threshold)
	}
	if total > MaxShares {
		return fmt.Errorf("%w: total shares must not exceed %d", interfaces.ErrInvalidParameters, MaxShares)
	}
	return nil
}

// Split divides secret into params.Total shares, any params.Threshold of which
// reconstruct it. Re-splitting the same secret yields a different, equally
// valid share set.
func Split(secret *Secret, params interfaces.ShareParams) ([]interfaces.Share, error) {
	if err := ValidateParams(params.Total, params.Threshold); err != nil {
		return nil, err
	}
	if secret == nil || secret.Len() == 0 {
		return nil, fmt.Errorf("%w: cannot split an empty secret", interfaces.ErrInvalidParameters)
	}

	parts, err := shamir.Split(secret.Bytes(), params.Total, params.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}

	shares := make([]interfaces.Share, len(parts))
	for i, part := range parts {
		shares[i] = interfaces.Share{
			Slot:      params.Slot,
			Index:     i,
			Value:     part,
			Threshold: params.Threshold,
			Total:     params.Total,
			Epoch:     params.Epoch,
		}
	}
	return shares, nil
}

// Combine reconstructs the secret from at least Threshold shares of the same
// (slot, epoch). When more than Threshold shares are supplied, two different
// Threshold-sized subsets are combined and must agree.
func Combine(shares []interfaces.Share) (*Secret, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", interfaces.ErrInsufficientShares)
	}
	if err := CheckConsistent(shares); err != nil {
		return nil, err
	}

	threshold := shares[0].Threshold
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d for slot %d", interfaces.ErrInsufficientShares, len(shares), threshold, shares[0].Slot)
	}

	secret, err := combineParts(shares[:threshold])
	if err != nil {
		return nil, err
	}

	if len(shares) > threshold {
		check, err := combineParts(shares[len(shares)-threshold:])
		if err != nil {
			secret.Destroy()
			return nil, err
		}
		equal := secret.Equal(check)
		check.Destroy()
		if !equal {
			secret.Destroy()
			return nil, fmt.Errorf("%w: share subsets reconstruct different secrets for slot %d", interfaces.ErrInconsistentShareSet, shares[0].Slot)
		}
	}

	return secret, nil
}

func combineParts(shares []interfaces.Share) (*Secret, error) {
	parts := make([][]byte, len(shares))
	for i := range shares {
		parts[i] = shares[i].Value
	}
	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInconsistentShareSet, err)
	}
	return SecretFromBytes(secret), nil
}

// CheckConsistent verifies that shares belong to one sharing: same slot, epoch,
// threshold, total and value length, with pairwise distinct indices and
// x-coordinates.
func CheckConsistent(shares []interfaces.Share) error {
	if len(shares) == 0 {
		return nil
	}
	first := shares[0]
	if len(first.Value) < 2 {
		return fmt.Errorf("%w: share value too short", interfaces.ErrInconsistentShareSet)
	}

	indices := make(map[int]struct{}, len(shares))
	xs := make(map[byte]struct{}, len(shares))
	for _, s := range shares {
		switch {
		case s.Slot != first.Slot:
			return fmt.Errorf("%w: slots %d and %d mixed", interfaces.ErrInconsistentShareSet, first.Slot, s.Slot)
		case s.Epoch != first.Epoch:
			return fmt.Errorf("%w: epochs %d and %d mixed", interfaces.ErrInconsistentShareSet, first.Epoch, s.Epoch)
		case s.Threshold != first.Threshold || s.Total != first.Total:
			return fmt.Errorf("%w: sharing parameters differ", interfaces.ErrInconsistentShareSet)
		case len(s.Value) != len(first.Value):
			return fmt.Errorf("%w: share lengths differ", interfaces.ErrInconsistentShareSet)
		}

		if _, dup := indices[s.Index]; dup {
			return fmt.Errorf("%w: duplicate share index %d", interfaces.ErrInconsistentShareSet, s.Index)
		}
		indices[s.Index] = struct{}{}

		x := s.XCoordinate()
		if x == 0 {
			return fmt.Errorf("%w: share %d has a zero x-coordinate", interfaces.ErrInconsistentShareSet, s.Index)
		}
		if _, dup := xs[x]; dup {
			return fmt.Errorf("%w: duplicate x-coordinate in share %d", interfaces.ErrInconsistentShareSet, s.Index)
		}
		xs[x] = struct{}{}
	}
	return nil
}

// ShareCommitment returns the keccak256 hash of the canonical encoding of a
// node's shares. The hash is independent of slice order.
func ShareCommitment(shares []interfaces.Share) [32]byte {
	sorted := make([]interfaces.Share, len(shares))
	copy(sorted, shares)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Slot != sorted[j].Slot {
			return sorted[i].Slot < sorted[j].Slot
		}
		return sorted[i].Index < sorted[j].Index
	})

	var buf []byte
	for _, s := range sorted {
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.Slot))
		buf = binary.BigEndian.AppendUint32(buf, uint32(s.Index))
		buf = binary.BigEndian.AppendUint64(buf, uint64(s.Epoch))
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.Threshold))
		buf = binary.BigEndian.AppendUint16(buf, uint16(s.Total))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s.Value)))
		buf = append(buf, s.Value...)
	}
	hash := crypto.Keccak256Hash(buf)
	wipeBytes(buf)
	return hash
}
