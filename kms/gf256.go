package kms

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// Arithmetic in GF(2^8) with the AES reduction polynomial x^8+x^4+x^3+x+1,
// the field used by github.com/hashicorp/vault/shamir. Shares produced here
// combine with shares produced by shamir.Split.

func gfAdd(a, b uint8) uint8 {
	return a ^ b
}

// gfMult multiplies in constant time.
func gfMult(a, b uint8) uint8 {
	var r uint8
	for i := 7; i >= 0; i-- {
		bit := (b >> uint(i)) & 1
		r = (-bit & a) ^ (-(r >> 7) & 0x1B) ^ (r + r)
	}
	return r
}

// gfInverse returns a^254, the multiplicative inverse of a (0 maps to 0).
func gfInverse(a uint8) uint8 {
	b := gfMult(a, a)
	c := gfMult(a, b)
	b = gfMult(c, c)
	b = gfMult(b, b)
	c = gfMult(b, c)
	b = gfMult(b, b)
	b = gfMult(b, b)
	b = gfMult(b, c)
	b = gfMult(b, b)
	b = gfMult(a, b)
	return gfMult(b, b)
}

func gfDiv(a, b uint8) uint8 {
	return gfMult(a, gfInverse(b))
}

// interpolate evaluates at x the polynomial passing through (xs[i], ys[i]).
func interpolate(xs, ys []uint8, x uint8) uint8 {
	var result uint8
	for i := range xs {
		basis := uint8(1)
		for j := range xs {
			if i == j {
				continue
			}
			num := gfAdd(x, xs[j])
			denom := gfAdd(xs[i], xs[j])
			basis = gfMult(basis, gfDiv(num, denom))
		}
		result = gfAdd(result, gfMult(ys[i], basis))
	}
	return result
}

type point struct {
	x uint8
	y []byte
}

// Extend issues new shares for the sharing described by params such that the
// surviving shares remain valid: survivors and new shares together combine to
// secret. Up to Threshold-1 survivors pin the polynomial together with the
// secret; any remaining degrees of freedom are drawn at random.
//
// newIndices are the share indices to issue; they must be unused by the
// survivors and lie in [0, params.Total).
func Extend(secret *Secret, survivors []interfaces.Share, params interfaces.ShareParams, newIndices []int) ([]interfaces.Share, error) {
	return extend(rand.Reader, secret, survivors, params, newIndices)
}

func extend(rng io.Reader, secret *Secret, survivors []interfaces.Share, params interfaces.ShareParams, newIndices []int) ([]interfaces.Share, error) {
	if err := ValidateParams(params.Total, params.Threshold); err != nil {
		return nil, err
	}
	if secret == nil || secret.Len() == 0 {
		return nil, fmt.Errorf("%w: cannot extend from an empty secret", interfaces.ErrInvalidParameters)
	}
	if len(newIndices) == 0 {
		return nil, nil
	}
	secretBytes := secret.Bytes()
	valueLen := len(secretBytes) + 1

	if err := CheckConsistent(survivors); err != nil {
		return nil, err
	}
	usedIndices := make(map[int]struct{}, len(survivors)+len(newIndices))
	usedX := map[uint8]struct{}{0: {}}
	for _, s := range survivors {
		if s.Slot != params.Slot || s.Epoch != params.Epoch || s.Threshold != params.Threshold || s.Total != params.Total {
			return nil, fmt.Errorf("%w: survivor share %d does not belong to slot %d epoch %d", interfaces.ErrInconsistentShareSet, s.Index, params.Slot, params.Epoch)
		}
		if len(s.Value) != valueLen {
			return nil, fmt.Errorf("%w: survivor share %d has length %d, want %d", interfaces.ErrInconsistentShareSet, s.Index, len(s.Value), valueLen)
		}
		usedIndices[s.Index] = struct{}{}
		usedX[s.XCoordinate()] = struct{}{}
	}
	for _, idx := range newIndices {
		if idx < 0 || idx >= params.Total {
			return nil, fmt.Errorf("%w: share index %d outside [0, %d)", interfaces.ErrInvalidParameters, idx, params.Total)
		}
		if _, dup := usedIndices[idx]; dup {
			return nil, fmt.Errorf("%w: share index %d already issued", interfaces.ErrInvalidParameters, idx)
		}
		usedIndices[idx] = struct{}{}
	}
	if len(usedX)-1+len(newIndices) > MaxShares {
		return nil, fmt.Errorf("%w: not enough free evaluation points", interfaces.ErrInvalidParameters)
	}

	// Defining points: the secret at x=0, up to K-1 survivors, then random padding.
	defining := make([]point, 0, params.Threshold)
	defining = append(defining, point{x: 0, y: secretBytes})
	for _, s := range survivors {
		if len(defining) == params.Threshold {
			break
		}
		defining = append(defining, point{x: s.XCoordinate(), y: s.Value[:valueLen-1]})
	}
	var padding [][]byte
	defer func() {
		for _, p := range padding {
			wipeBytes(p)
		}
	}()
	for len(defining) < params.Threshold {
		x, err := freshX(rng, usedX)
		if err != nil {
			return nil, err
		}
		y := make([]byte, valueLen-1)
		if _, err := io.ReadFull(rng, y); err != nil {
			return nil, fmt.Errorf("failed to draw padding point: %w", err)
		}
		padding = append(padding, y)
		defining = append(defining, point{x: x, y: y})
	}

	xs := make([]uint8, len(defining))
	ys := make([]uint8, len(defining))
	for i, p := range defining {
		xs[i] = p.x
	}

	out := make([]interfaces.Share, 0, len(newIndices))
	for _, idx := range newIndices {
		x, err := freshX(rng, usedX)
		if err != nil {
			interfaces.WipeShares(out)
			return nil, err
		}
		value := make([]byte, valueLen)
		for b := 0; b < valueLen-1; b++ {
			for i, p := range defining {
				ys[i] = p.y[b]
			}
			value[b] = interpolate(xs, ys, x)
		}
		value[valueLen-1] = x
		out = append(out, interfaces.Share{
			Slot:      params.Slot,
			Index:     idx,
			Value:     value,
			Threshold: params.Threshold,
			Total:     params.Total,
			Epoch:     params.Epoch,
		})
	}
	wipeBytes(ys)
	return out, nil
}

// freshX draws an unused non-zero evaluation point and marks it used.
func freshX(rng io.Reader, used map[uint8]struct{}) (uint8, error) {
	var b [1]byte
	for attempts := 0; attempts < 4096; attempts++ {
		if _, err := io.ReadFull(rng, b[:]); err != nil {
			return 0, fmt.Errorf("failed to draw evaluation point: %w", err)
		}
		if _, taken := used[b[0]]; taken {
			continue
		}
		used[b[0]] = struct{}{}
		return b[0], nil
	}
	return 0, fmt.Errorf("%w: could not find a free evaluation point", interfaces.ErrInvalidParameters)
}
