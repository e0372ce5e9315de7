package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// VaultBackend implements a storage backend on a HashiCorp Vault KV v2 mount.
// It authenticates with a token or with a TLS client certificate.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "custody/node-1")
//   - token: Vault token; may be empty when clientCert is set
//   - clientCert: optional TLS client certificate for cert auth
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token string, clientCert *tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address

	if clientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*clientCert},
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) dataPathFor(key string) string {
	return path.Join(b.mountPath, "data", b.dataPath, key)
}

func (b *VaultBackend) metadataPathFor(key string) string {
	return path.Join(b.mountPath, "metadata", b.dataPath, key)
}

// Fetch retrieves the record stored under key.
func (b *VaultBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	start := time.Now()
	p := b.dataPathFor(key)

	secret, err := b.client.Logical().ReadWithContext(ctx, p)
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", p),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		b.log.Debug("Record not found in Vault", slog.String("path", p))
		return nil, interfaces.ErrContentNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// Deleted versions keep metadata but carry no data.
		return nil, interfaces.ErrContentNotFound
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", p)
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Vault content: %w", err)
	}

	b.log.Debug("Fetched record from Vault",
		slog.String("path", p),
		slog.Duration("duration", time.Since(start)))

	return decoded, nil
}

// Store writes data under key. Vault KV v2 has no per-secret TTL, so expiry is
// left to the sealed record.
func (b *VaultBackend) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	start := time.Now()
	p := b.dataPathFor(key)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	if _, err := b.client.Logical().WriteWithContext(ctx, p, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", p),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored record in Vault",
		slog.String("path", p),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Delete removes every version of the record stored under key.
func (b *VaultBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := b.client.Logical().DeleteWithContext(ctx, b.metadataPathFor(key)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// List returns the keys stored under prefix by walking the metadata tree.
func (b *VaultBackend) List(ctx context.Context, prefix string) ([]string, error) {
	dir := prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	} else {
		dir = ""
	}

	var keys []string
	if err := b.listRecursive(ctx, dir, &keys); err != nil {
		return nil, err
	}

	filtered := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			filtered = append(filtered, k)
		}
	}
	return filtered, nil
}

func (b *VaultBackend) listRecursive(ctx context.Context, dir string, out *[]string) error {
	secret, err := b.client.Logical().ListWithContext(ctx, b.metadataPathFor(dir))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	entries, _ := secret.Data["keys"].([]interface{})
	for _, e := range entries {
		name, ok := e.(string)
		if !ok {
			continue
		}
		if strings.HasSuffix(name, "/") {
			if err := b.listRecursive(ctx, dir+name, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, dir+name)
	}
	return nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
