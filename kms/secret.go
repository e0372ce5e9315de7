package kms

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// Secret is a zeroizing buffer for reconstructed key material.
//
// The backing memory is locked against swapping where the platform allows it
// and is overwritten by Destroy. A finalizer wipes buffers that are dropped
// without an explicit Destroy, but callers must not rely on it: every scope
// that creates a Secret destroys it on all exit paths.
type Secret struct {
	mu        sync.Mutex
	buf       []byte
	locked    bool
	destroyed bool
}

// NewSecret allocates a zeroed secret of the given size.
func NewSecret(size int) *Secret {
	return wrapSecret(make([]byte, size))
}

// SecretFromBytes takes ownership of b. The caller must not use b afterwards.
func SecretFromBytes(b []byte) *Secret {
	return wrapSecret(b)
}

func wrapSecret(buf []byte) *Secret {
	s := &Secret{buf: buf}
	if len(buf) > 0 {
		s.locked = lockMemory(buf) == nil
	}
	runtime.SetFinalizer(s, (*Secret).Destroy)
	return s
}

// Bytes returns the underlying buffer, or nil once destroyed.
// The returned slice aliases the secret and must not be retained.
func (s *Secret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Len returns the secret length, or 0 once destroyed.
func (s *Secret) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Equal compares two secrets in constant time.
func (s *Secret) Equal(other *Secret) bool {
	if s == nil || other == nil {
		return false
	}
	a, b := s.Bytes(), other.Bytes()
	if a == nil || b == nil {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Destroy overwrites the buffer, unlocks its pages and drops the reference.
// It is safe to call repeatedly and on a nil Secret.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	wipeBytes(s.buf)
	if s.locked {
		_ = unlockMemory(s.buf)
		s.locked = false
	}
	runtime.KeepAlive(s.buf)
	s.buf = nil
	s.destroyed = true
	runtime.SetFinalizer(s, nil)
}

// Destroyed reports whether Destroy has run.
func (s *Secret) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// DestroyAll destroys every secret in the map and empties it.
func DestroyAll[K comparable](secrets map[K]*Secret) {
	for k, s := range secrets {
		s.Destroy()
		delete(secrets, k)
	}
}

// wipeBytes securely erases sensitive data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
