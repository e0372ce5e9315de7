package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSealKey = bytes.Repeat([]byte{0x42}, 32)

func newSealed(t *testing.T) (*SealedStore, *FileBackend) {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)
	sealed, err := NewSealedStore(backend, testSealKey, discardLogger())
	require.NoError(t, err)
	return sealed, backend
}

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), discardLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))

	_, err = backend.Fetch(ctx, "a/b")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backend.Store(ctx, "a/b", []byte("one"), 0))
	require.NoError(t, backend.Store(ctx, "a/c", []byte("two"), 0))
	require.NoError(t, backend.Store(ctx, "z", []byte("three"), 0))

	data, err := backend.Fetch(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	keys, err := backend.List(ctx, "a/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/b", "a/c"}, keys)

	require.NoError(t, backend.Delete(ctx, "a/b"))
	require.NoError(t, backend.Delete(ctx, "a/b"), "Deleting an absent key is not an error")
	_, err = backend.Fetch(ctx, "a/b")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	for _, bad := range []string{"", "/abs", "../escape", "a/../../b"} {
		assert.Error(t, backend.Store(ctx, bad, []byte("x"), 0), "key %q", bad)
	}
}

func TestSealedStore(t *testing.T) {
	ctx := context.Background()
	sealed, backend := newSealed(t)

	require.NoError(t, sealed.Put(ctx, "k/1", []byte("plaintext share"), time.Hour))

	raw, err := backend.Fetch(ctx, "k/1")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext share", "Backend must only see ciphertext")

	got, err := sealed.Get(ctx, "k/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext share"), got)

	t.Run("bound to key", func(t *testing.T) {
		require.NoError(t, backend.Store(ctx, "k/2", raw, 0))
		_, err := sealed.Get(ctx, "k/2")
		assert.ErrorIs(t, err, ErrSealedRecordInvalid)
	})

	t.Run("wrong sealing key", func(t *testing.T) {
		other, err := NewSealedStore(backend, bytes.Repeat([]byte{0x01}, 32), discardLogger())
		require.NoError(t, err)
		_, err = other.Get(ctx, "k/1")
		assert.ErrorIs(t, err, ErrSealedRecordInvalid)
	})

	t.Run("expiry", func(t *testing.T) {
		require.NoError(t, sealed.Put(ctx, "k/3", []byte("short-lived"), time.Minute))
		sealed.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { sealed.now = time.Now }()

		_, err := sealed.Get(ctx, "k/3")
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

		_, err = backend.Fetch(ctx, "k/3")
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound, "Expired record should be purged")
	})

	_, err = NewSealedStore(backend, []byte("short"), discardLogger())
	assert.Error(t, err)
}

func testShares(epoch interfaces.Epoch) []interfaces.Share {
	return []interfaces.Share{
		{Slot: 0, Index: 2, Value: []byte{1, 2, 3, 9}, Threshold: 3, Total: 5, Epoch: epoch},
		{Slot: 1, Index: 2, Value: []byte{4, 5, 6, 7}, Threshold: 3, Total: 5, Epoch: epoch},
	}
}

func TestShareBackup_SaveLoad(t *testing.T) {
	ctx := context.Background()
	sealed, _ := newSealed(t)

	backup, err := NewShareBackup(sealed, "node-1", 0, discardLogger())
	require.NoError(t, err)

	_, err = backup.Load(ctx, 3)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, backup.Save(ctx, 3, testShares(3)))
	got, err := backup.Load(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, testShares(3), got)

	err = backup.Save(ctx, 4, testShares(3))
	assert.ErrorIs(t, err, interfaces.ErrInconsistentShareSet, "Shares must match the epoch they are saved under")

	_, err = NewShareBackup(sealed, "bad/node", 0, discardLogger())
	assert.Error(t, err)
}

func TestShareBackup_LatestAndPurge(t *testing.T) {
	ctx := context.Background()
	sealed, _ := newSealed(t)

	backup, err := NewShareBackup(sealed, "node-1", time.Hour, discardLogger())
	require.NoError(t, err)
	other, err := NewShareBackup(sealed, "node-2", time.Hour, discardLogger())
	require.NoError(t, err)

	for _, e := range []interfaces.Epoch{1, 2, 10} {
		require.NoError(t, backup.Save(ctx, e, testShares(e)))
	}
	require.NoError(t, other.Save(ctx, 1, testShares(1)))

	epochs, err := backup.Epochs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Epoch{1, 2, 10}, epochs, "Epochs are ordered numerically and scoped to the node")

	latest, shares, err := backup.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Epoch(10), latest)
	assert.Equal(t, testShares(10), shares)

	removed, err := backup.Purge(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	epochs, err = backup.Epochs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Epoch{10}, epochs)

	otherEpochs, err := other.Epochs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Epoch{1}, otherEpochs, "Purge must not touch other nodes' backups")

	sealed.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = backup.Purge(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "Expired backups are purged")

	_, _, err = backup.LoadLatest(ctx)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestShareBackup_PurgeSkipsVanishedRecords(t *testing.T) {
	ctx := context.Background()
	backend := &MockStorageBackend{name: "mock"}
	sealed, err := NewSealedStore(backend, testSealKey, discardLogger())
	require.NoError(t, err)
	backup, err := NewShareBackup(sealed, "node-1", time.Hour, discardLogger())
	require.NoError(t, err)

	stale := backup.key(3)
	vanished := backup.key(5)
	backend.On("List", ctx, "shares/node-1/").Return([]string{stale, vanished}, nil)
	backend.On("Delete", ctx, stale).Return(nil)
	backend.On("Fetch", ctx, vanished).Return(nil, interfaces.ErrContentNotFound)

	removed, err := backup.Purge(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "A record that was already gone is not counted")
	backend.AssertExpectations(t)
	backend.AssertNotCalled(t, "Delete", ctx, vanished)
}

func TestStorageBackendFactory(t *testing.T) {
	factory := NewStorageBackendFactory(discardLogger())

	backend, err := factory.StorageBackendFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	_, err = factory.StorageBackendFor("github://owner/repo")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiBackend([]string{"file://" + t.TempDir(), "file://" + t.TempDir(), "bogus://x"})
	require.NoError(t, err)
	assert.IsType(t, &MultiStorageBackend{}, multi)

	_, err = factory.CreateMultiBackend([]string{"bogus://x"})
	assert.Error(t, err)
}
