package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// IPFSBackend implements a storage backend on the mutable file system (MFS)
// of an IPFS node. Records are only reachable through the node's API; they
// are never announced by CID.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS storage backend connected to the API at host:port.
// Records live below root in MFS.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	if root == "" {
		root = "/custody"
	}
	root = "/" + strings.Trim(root, "/")

	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, root, timeout),
	}, nil
}

func (b *IPFSBackend) mfsPath(key string) string {
	return path.Join(b.root, key)
}

func isIPFSNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "no link named") || strings.Contains(msg, "not found")
}

// Fetch reads the MFS file stored under key.
func (b *IPFSBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	start := time.Now()
	p := b.mfsPath(key)

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if isIPFSNotFound(err) {
			b.log.Debug("Record not found in IPFS", slog.String("path", p))
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to read record from IPFS",
			slog.String("path", p),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched record from IPFS",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store writes data to the MFS path of key, creating parent directories.
func (b *IPFSBackend) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	p := b.mfsPath(key)

	err := b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("failed to write record to IPFS: %w", err)
	}

	b.log.Debug("Stored record in IPFS", slog.String("path", p))
	return nil
}

// Delete removes the MFS file stored under key.
func (b *IPFSBackend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := b.shell.FilesRm(ctx, b.mfsPath(key), true); err != nil && !isIPFSNotFound(err) {
		return fmt.Errorf("failed to delete record from IPFS: %w", err)
	}
	return nil
}

// List returns the keys stored under prefix.
func (b *IPFSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
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

func (b *IPFSBackend) listRecursive(ctx context.Context, dir string, out *[]string) error {
	entries, err := b.shell.FilesLs(ctx, b.mfsPath(dir), shell.FilesLs.Stat(true))
	if err != nil {
		if isIPFSNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to list IPFS directory: %w", err)
	}
	for _, e := range entries {
		if e.Type == shell.TDirectory {
			if err := b.listRecursive(ctx, dir+e.Name+"/", out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, dir+e.Name)
	}
	return nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
