package httpserver

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruteri/threshold-key-custody/api"
)

// AdminAuth authenticates operator requests against a whitelist of admin
// public keys.
type AdminAuth struct {
	keys map[string]*ecdsa.PublicKey
	log  *slog.Logger
}

// NewAdminAuth parses the PEM encoded admin keys, indexed by admin ID.
func NewAdminAuth(adminPubKeys map[string][]byte, log *slog.Logger) (*AdminAuth, error) {
	keys := make(map[string]*ecdsa.PublicKey, len(adminPubKeys))
	for id, pemKey := range adminPubKeys {
		key, err := parsePublicKey(pemKey)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", id, err)
		}
		keys[id] = key
	}
	if log == nil {
		log = slog.Default()
	}
	return &AdminAuth{keys: keys, log: log}, nil
}

// Middleware rejects requests without a valid admin signature.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminID, ok := a.verify(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("admin authentication failed"))
			return
		}
		a.log.Info("Admin request", "adminID", adminID, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) verify(r *http.Request) (string, bool) {
	adminID := r.Header.Get(api.AdminIDHeader)
	signatureStr := r.Header.Get(api.AdminSignatureHeader)
	if adminID == "" || signatureStr == "" {
		return "", false
	}

	key, exists := a.keys[adminID]
	if !exists {
		a.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	signature, err := base64.StdEncoding.DecodeString(signatureStr)
	if err != nil {
		a.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			a.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body))
	}

	hash := sha256.Sum256([]byte(r.URL.Path + string(body)))
	if !ecdsa.VerifyASN1(key, hash[:], signature) {
		a.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}
	return adminID, true
}

// LoadAdminKeys reads admin public keys from JSON:
//
//	{"admins": [{"id": "alice", "pubkey": "-----BEGIN PUBLIC KEY-----..."}]}
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data struct {
		Admins []struct {
			ID     string `json:"id"`
			PubKey string `json:"pubkey"`
		} `json:"admins"`
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if _, err := parsePublicKey([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}
	return result, nil
}

// GenerateAdminKeyPair returns a new P-256 admin key pair, PEM encoded.
func GenerateAdminKeyPair() (privateKeyPEM string, publicKeyPEM string, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	privateKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privateKeyBytes}))
	publicKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes}))
	return privateKeyPEM, publicKeyPEM, nil
}

// ParsePrivateKey parses a PEM encoded admin private key.
func ParsePrivateKey(privateKeyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ECDSA private key: %w", err)
	}
	return privateKey, nil
}

func parsePublicKey(publicKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("invalid PEM data")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA key")
	}
	return key, nil
}
