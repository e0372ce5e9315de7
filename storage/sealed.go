package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

const sealedVersion byte = 1

var (
	// ErrSealedRecordInvalid is returned when a record fails authentication.
	ErrSealedRecordInvalid = errors.New("sealed record failed authentication")

	// ErrSealedRecordExpired marks a record that was found past its expiry and
	// removed. It also matches interfaces.ErrContentNotFound.
	ErrSealedRecordExpired = errors.New("sealed record expired")
)

// SealedStore encrypts records with AES-256-GCM before handing them to a
// backend. Each record carries its own expiry, authenticated together with
// the storage key, so records cannot be replayed under another key and
// expired records are refused even by backends without native TTLs.
type SealedStore struct {
	backend interfaces.StorageBackend
	aead    cipher.AEAD
	log     *slog.Logger
	now     func() time.Time
}

// NewSealedStore creates a sealed store. key must be 32 bytes.
func NewSealedStore(backend interfaces.StorageBackend, key []byte, log *slog.Logger) (*SealedStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &SealedStore{backend: backend, aead: aead, log: log, now: time.Now}, nil
}

// Backend returns the underlying storage backend.
func (s *SealedStore) Backend() interfaces.StorageBackend {
	return s.backend
}

func (s *SealedStore) additionalData(key string) []byte {
	return append([]byte{sealedVersion}, key...)
}

// Put seals plaintext under key. A positive ttl bounds the record's lifetime.
func (s *SealedStore) Put(ctx context.Context, key string, plaintext []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixNano()
	}

	body := make([]byte, 8+len(plaintext))
	binary.BigEndian.PutUint64(body, uint64(expiresAt))
	copy(body[8:], plaintext)
	defer wipe(body)

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	record := make([]byte, 0, 1+len(nonce)+len(body)+s.aead.Overhead())
	record = append(record, sealedVersion)
	record = append(record, nonce...)
	record = s.aead.Seal(record, nonce, body, s.additionalData(key))

	return s.backend.Store(ctx, key, record, ttl)
}

// Get opens the record stored under key. Expired records are deleted and
// reported as ErrContentNotFound.
func (s *SealedStore) Get(ctx context.Context, key string) ([]byte, error) {
	record, err := s.backend.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	nonceSize := s.aead.NonceSize()
	if len(record) < 1+nonceSize+s.aead.Overhead()+8 || record[0] != sealedVersion {
		return nil, fmt.Errorf("%w: malformed record %s", ErrSealedRecordInvalid, key)
	}

	nonce := record[1 : 1+nonceSize]
	body, err := s.aead.Open(nil, nonce, record[1+nonceSize:], s.additionalData(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSealedRecordInvalid, key)
	}

	expiresAt := int64(binary.BigEndian.Uint64(body))
	if expiresAt != 0 && s.now().UnixNano() > expiresAt {
		wipe(body)
		if err := s.backend.Delete(ctx, key); err != nil {
			s.log.Warn("Failed to purge expired record", slog.String("key", key), "err", err)
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrContentNotFound, ErrSealedRecordExpired)
	}

	plaintext := body[8:]
	return plaintext, nil
}

// Delete removes key.
func (s *SealedStore) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// List returns the keys under prefix.
func (s *SealedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.List(ctx, prefix)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
