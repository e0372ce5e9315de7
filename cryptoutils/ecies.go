package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	eciesInfo      = "custody-ecies-v1"
	gcmNonceSize   = 12
	aesKeySize     = 32
	maxEphKeyBytes = 133
)

// GenerateKeyPEM creates a P-256 transport key pair.
// The private key is returned as an EC PRIVATE KEY block and the public key as PKIX PUBLIC KEY.
func GenerateKeyPEM() (privateKeyPEM []byte, publicKeyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes})
	publicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	return privateKeyPEM, publicKeyPEM, nil
}

// PublicKeyPEM derives the PEM public key of a PEM private key.
func PublicKeyPEM(privateKeyPEM []byte) ([]byte, error) {
	privateKey, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes}), nil
}

func parsePublicKey(publicKeyPEM []byte) (*ecdh.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	publicKeyInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	publicKey, ok := publicKeyInterface.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return publicKey.ECDH()
}

func parsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

// deriveKey expands the ECDH output into an AES-256 key bound to both public keys.
func deriveKey(shared, ephemeral, recipient []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeral)+len(recipient))
	salt = append(salt, ephemeral...)
	salt = append(salt, recipient...)

	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(eciesInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// EncryptWithPublicKey encrypts data using ECIES with the given public key PEM.
// Key agreement is ECDH over the recipient's curve with a fresh ephemeral key,
// HKDF-SHA256 derives the AES-256-GCM key, and aad is authenticated but not encrypted.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte, aad []byte) ([]byte, error) {
	publicKey, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := publicKey.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	ephemeralPublicKeyBytes := ephemeralKey.PublicKey().Bytes()
	key, err := deriveKey(shared, ephemeralPublicKeyBytes, publicKey.Bytes())
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	result := make([]byte, 2, 2+len(ephemeralPublicKeyBytes)+len(iv)+len(data)+aesGCM.Overhead())
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	result = append(result, ephemeralPublicKeyBytes...)
	result = append(result, iv...)
	return aesGCM.Seal(result, iv, data, aad), nil
}

// DecryptWithPrivateKey decrypts data encrypted with EncryptWithPublicKey using the corresponding private key.
// aad must match the value used for encryption.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte, aad []byte) ([]byte, error) {
	privateKey, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	ecdhKey, err := privateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}

	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if ephemeralKeyLen == 0 || ephemeralKeyLen > maxEphKeyBytes || len(encryptedData) < 2+ephemeralKeyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralKeyBytes := encryptedData[2 : 2+ephemeralKeyLen]
	ephemeralKey, err := ecdhKey.Curve().NewPublicKey(ephemeralKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := ecdhKey.ECDH(ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	key, err := deriveKey(shared, ephemeralKeyBytes, ecdhKey.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ivStart := 2 + ephemeralKeyLen
	iv := encryptedData[ivStart : ivStart+gcmNonceSize]
	ciphertext := encryptedData[ivStart+gcmNonceSize:]

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
