package cryptoutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncryptionDecryption tests the EncryptWithPublicKey and DecryptWithPrivateKey functions
func TestEncryptionDecryption(t *testing.T) {
	privateKeyPEM, publicKeyPEM, err := GenerateKeyPEM()
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Simple string",
			data: []byte("This is a secret message"),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Empty data",
			data: []byte{},
		},
		{
			name: "Long data",
			data: make([]byte, 1024),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encryptedData, err := EncryptWithPublicKey(publicKeyPEM, tc.data, []byte("aad"))
			require.NoError(t, err)
			require.Greater(t, len(encryptedData), len(tc.data))

			decryptedData, err := DecryptWithPrivateKey(privateKeyPEM, encryptedData, []byte("aad"))
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(decryptedData))
			if len(tc.data) > 0 {
				require.Equal(t, tc.data, decryptedData)
			}

			_, err = DecryptWithPrivateKey(privateKeyPEM, encryptedData, []byte("other"))
			require.Error(t, err, "Additional data must match")
		})
	}
}

// TestDecryptionWithWrongKey tests that decryption fails with the wrong key
func TestDecryptionWithWrongKey(t *testing.T) {
	_, publicKeyPEM, err := GenerateKeyPEM()
	require.NoError(t, err)
	otherPrivateKeyPEM, _, err := GenerateKeyPEM()
	require.NoError(t, err)

	encryptedData, err := EncryptWithPublicKey(publicKeyPEM, []byte("Top secret data"), nil)
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherPrivateKeyPEM, encryptedData, nil)
	require.Error(t, err)
}

// TestInvalidKeyFormats tests error handling for invalid key formats
func TestInvalidKeyFormats(t *testing.T) {
	_, err := EncryptWithPublicKey([]byte("not a valid PEM"), []byte("test"), nil)
	require.Error(t, err)

	_, err = DecryptWithPrivateKey([]byte("not a valid PEM"), []byte("test"), nil)
	require.Error(t, err)

	privateKeyPEM, _, err := GenerateKeyPEM()
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(privateKeyPEM, []byte{0x01}, nil)
	require.Error(t, err)

	_, err = DecryptWithPrivateKey(privateKeyPEM, make([]byte, 100), nil)
	require.Error(t, err)
}

func TestECIESEncryptor(t *testing.T) {
	alicePriv, alicePub, err := GenerateKeyPEM()
	require.NoError(t, err)
	bobPriv, bobPub, err := GenerateKeyPEM()
	require.NoError(t, err)

	keyring := NewKeyring()
	require.NoError(t, keyring.Add("alice", alicePub))
	require.NoError(t, keyring.Add("bob", bobPub))
	require.Error(t, keyring.Add("carol", []byte("garbage")))
	require.Equal(t, 2, keyring.Len())

	alice, err := NewECIESEncryptor("alice", alicePriv, keyring)
	require.NoError(t, err)
	bob, err := NewECIESEncryptor("bob", bobPriv, keyring)
	require.NoError(t, err)

	ciphertext, err := alice.EncryptFor("bob", []byte("share"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), plaintext)

	_, err = alice.Decrypt(ciphertext)
	assert.Error(t, err, "Only the recipient can open the payload")

	_, err = alice.EncryptFor("carol", []byte("share"))
	assert.ErrorIs(t, err, interfaces.ErrRecipientKeyMissing)

	// bob's key registered under a second name does not let that name open bob's payloads
	impostor, err := NewECIESEncryptor("mallory", bobPriv, keyring)
	require.NoError(t, err)
	_, err = impostor.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestLoadKeyringDir(t *testing.T) {
	dir := t.TempDir()
	_, pub, err := GenerateKeyPEM()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node-1.pem"), pub, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0600))

	keyring, err := LoadKeyringDir(dir)
	require.NoError(t, err)
	got, ok := keyring.Get("node-1")
	require.True(t, ok)
	assert.Equal(t, pub, got)
}

func TestEnvelopeSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	env := &interfaces.Envelope{
		Type:      interfaces.MsgShareRequest,
		From:      NodeIDFromKey(key),
		To:        NodeIDFromKey(otherKey),
		Group:     "group-a",
		Epoch:     4,
		Slot:      2,
		RequestID: "req-1",
	}

	require.NoError(t, SignEnvelope(key, env))
	require.NoError(t, VerifyEnvelope(env))

	t.Run("tampered", func(t *testing.T) {
		tampered := *env
		tampered.Slot = 3
		assert.ErrorIs(t, VerifyEnvelope(&tampered), interfaces.ErrUnauthorizedPeer)
	})

	t.Run("spoofed sender", func(t *testing.T) {
		spoofed := *env
		spoofed.From = NodeIDFromKey(otherKey)
		assert.ErrorIs(t, VerifyEnvelope(&spoofed), interfaces.ErrUnauthorizedPeer)
	})

	t.Run("unsigned", func(t *testing.T) {
		unsigned := *env
		unsigned.Signature = nil
		assert.ErrorIs(t, VerifyEnvelope(&unsigned), interfaces.ErrUnauthorizedPeer)
	})
}

func TestDeriveSealingKey(t *testing.T) {
	a := DeriveSealingKey("node-1", []byte("secret"))
	require.Len(t, a, 32)
	assert.Equal(t, a, DeriveSealingKey("node-1", []byte("secret")))
	assert.NotEqual(t, a, DeriveSealingKey("node-2", []byte("secret")))
	assert.NotEqual(t, a, DeriveSealingKey("node-1", []byte("other")))
}
