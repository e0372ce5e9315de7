package kms

import (
	"testing"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGF256_Inverse(t *testing.T) {
	for a := 1; a < 256; a++ {
		inv := gfInverse(uint8(a))
		assert.Equal(t, uint8(1), gfMult(uint8(a), inv), "a * a^-1 should be 1 for a=%d", a)
	}
	assert.Equal(t, uint8(0), gfInverse(0))
}

func TestGF256_KnownProducts(t *testing.T) {
	// FIPS-197 section 4.2 example: {57} * {83} = {c1}.
	assert.Equal(t, uint8(0xc1), gfMult(0x57, 0x83))
	assert.Equal(t, uint8(0xfe), gfMult(0x57, 0x13))
}

func TestExtend_RestoresThreshold(t *testing.T) {
	secret, expected := newTestSecret(t, 32)
	defer secret.Destroy()

	params := interfaces.ShareParams{Slot: 3, Epoch: 2, Threshold: 6, Total: 11}
	shares, err := Split(secret, params)
	require.NoError(t, err)

	survivors := shares[:5]
	newShares, err := Extend(secret, survivors, params, []int{5, 6, 7, 8, 9, 10})
	require.NoError(t, err)
	require.Len(t, newShares, 6)

	for i, s := range newShares {
		assert.Equal(t, 5+i, s.Index)
		assert.Equal(t, params.Epoch, s.Epoch)
		assert.Equal(t, params.Slot, s.Slot)
	}

	mixed := append(append([]interfaces.Share(nil), survivors...), newShares[0])
	got, err := Combine(mixed)
	require.NoError(t, err, "Survivors plus one new share should reach the threshold")
	assert.Equal(t, expected, got.Bytes())
	got.Destroy()

	onlyNew, err := Combine(newShares)
	require.NoError(t, err, "New shares alone should also reconstruct")
	assert.Equal(t, expected, onlyNew.Bytes())
	onlyNew.Destroy()

	all := append(append([]interfaces.Share(nil), survivors...), newShares...)
	full, err := Combine(all)
	require.NoError(t, err, "The extended set should pass the subset consistency check")
	assert.Equal(t, expected, full.Bytes())
	full.Destroy()
}

func TestExtend_FewSurvivors(t *testing.T) {
	secret, expected := newTestSecret(t, 32)
	defer secret.Destroy()

	params := interfaces.ShareParams{Slot: 0, Epoch: 9, Threshold: 6, Total: 11}
	shares, err := Split(secret, params)
	require.NoError(t, err)

	survivors := []interfaces.Share{shares[1], shares[7]}
	newShares, err := Extend(secret, survivors, params, []int{0, 2, 3, 4, 5, 6, 8, 9, 10})
	require.NoError(t, err)
	require.Len(t, newShares, 9)

	set := []interfaces.Share{survivors[0], survivors[1], newShares[0], newShares[3], newShares[5], newShares[8]}
	got, err := Combine(set)
	require.NoError(t, err)
	assert.Equal(t, expected, got.Bytes())
	got.Destroy()
}

func TestExtend_NoSurvivors(t *testing.T) {
	secret, expected := newTestSecret(t, 32)
	defer secret.Destroy()

	params := interfaces.ShareParams{Slot: 4, Epoch: 1, Threshold: 3, Total: 5}
	newShares, err := Extend(secret, nil, params, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)

	got, err := Combine(newShares[2:])
	require.NoError(t, err)
	assert.Equal(t, expected, got.Bytes())
	got.Destroy()
}

func TestExtend_Rejects(t *testing.T) {
	secret, _ := newTestSecret(t, 32)
	defer secret.Destroy()

	params := interfaces.ShareParams{Slot: 1, Epoch: 1, Threshold: 3, Total: 5}
	shares, err := Split(secret, params)
	require.NoError(t, err)

	_, err = Extend(secret, shares[:2], params, []int{1})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "Index already held by a survivor")

	_, err = Extend(secret, shares[:2], params, []int{5})
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters, "Index outside the sharing")

	wrongEpoch := params
	wrongEpoch.Epoch = 2
	_, err = Extend(secret, shares[:2], wrongEpoch, []int{3})
	assert.ErrorIs(t, err, interfaces.ErrInconsistentShareSet, "Survivors must belong to the extended epoch")
}
