package cryptoutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// Keyring maps node IDs to their PEM transport public keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[interfaces.NodeID][]byte
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[interfaces.NodeID][]byte)}
}

// Add registers a node's public key after checking it parses.
func (k *Keyring) Add(node interfaces.NodeID, publicKeyPEM []byte) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if _, err := parsePublicKey(publicKeyPEM); err != nil {
		return fmt.Errorf("invalid public key for %s: %w", node, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[node] = append([]byte(nil), publicKeyPEM...)
	return nil
}

// Get returns the public key of node.
func (k *Keyring) Get(node interfaces.NodeID) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[node]
	return key, ok
}

// Len returns the number of known keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// LoadKeyringDir reads every <node>.pem file in dir into a keyring.
func LoadKeyringDir(dir string) (*Keyring, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return nil, fmt.Errorf("failed to list keyring directory: %w", err)
	}

	keyring := NewKeyring()
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		node := interfaces.NodeID(strings.TrimSuffix(filepath.Base(path), ".pem"))
		if err := keyring.Add(node, data); err != nil {
			return nil, err
		}
	}
	return keyring, nil
}

// ECIESEncryptor implements interfaces.Encryptor on top of a keyring.
// Ciphertexts are bound to the recipient's node ID, so a payload addressed
// to one node cannot be replayed to another holding the same key.
type ECIESEncryptor struct {
	self          interfaces.NodeID
	privateKeyPEM []byte
	keyring       *Keyring
}

// NewECIESEncryptor creates an encryptor for the local node.
func NewECIESEncryptor(self interfaces.NodeID, privateKeyPEM []byte, keyring *Keyring) (*ECIESEncryptor, error) {
	if _, err := parsePrivateKey(privateKeyPEM); err != nil {
		return nil, err
	}
	if keyring == nil {
		keyring = NewKeyring()
	}
	return &ECIESEncryptor{self: self, privateKeyPEM: privateKeyPEM, keyring: keyring}, nil
}

// Keyring returns the encryptor's keyring.
func (e *ECIESEncryptor) Keyring() *Keyring {
	return e.keyring
}

// EncryptFor encrypts plaintext for recipient.
func (e *ECIESEncryptor) EncryptFor(recipient interfaces.NodeID, plaintext []byte) ([]byte, error) {
	publicKeyPEM, ok := e.keyring.Get(recipient)
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrRecipientKeyMissing, recipient)
	}
	return EncryptWithPublicKey(publicKeyPEM, plaintext, []byte(recipient))
}

// Decrypt opens a payload addressed to the local node.
func (e *ECIESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	return DecryptWithPrivateKey(e.privateKeyPEM, ciphertext, []byte(e.self))
}
