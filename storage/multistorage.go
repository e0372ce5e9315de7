package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

// MultiStorageBackend implements interfaces.StorageBackend using multiple backends with fallback.
// Writes go to every available backend; reads return the first hit.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback
func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var errs *multierror.Error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key))
			continue
		}

		data, err := backend.Fetch(ctx, key)
		if err == nil {
			m.log.Debug("Fetched record",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key),
			"err", err)
	}

	if errs == nil {
		if notFound > 0 {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, interfaces.ErrBackendUnavailable
	}

	m.log.Error("All backends failed to fetch record",
		slog.String("key", key),
		slog.Int("failed_backends", errs.Len()),
		slog.Duration("duration", time.Since(start)))

	return nil, fmt.Errorf("all backends failed to fetch %s: %w", key, errs.ErrorOrNil())
}

// Store saves data to all available backends. It succeeds if at least one backend accepted the record.
func (m *MultiStorageBackend) Store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	start := time.Now()
	var errs *multierror.Error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, key, data, ttl); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store record",
			slog.String("key", key),
			slog.Duration("duration", time.Since(start)))
		if errs == nil {
			return interfaces.ErrBackendUnavailable
		}
		return fmt.Errorf("all backends failed to store %s: %w", key, errs.ErrorOrNil())
	}

	if errs != nil {
		m.log.Warn("Record stored on a subset of backends",
			slog.String("key", key),
			slog.Int("stored", stored),
			"err", errs.ErrorOrNil())
	}
	return nil
}

// Delete removes key from every available backend.
func (m *MultiStorageBackend) Delete(ctx context.Context, key string) error {
	var errs *multierror.Error
	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		if err := backend.Delete(ctx, key); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		}
	}
	return errs.ErrorOrNil()
}

// List returns the union of the keys held by every available backend.
func (m *MultiStorageBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var errs *multierror.Error
	seen := make(map[string]struct{})
	listed := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		keys, err := backend.List(ctx, prefix)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		listed++
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	if listed == 0 && errs != nil {
		return nil, errs.ErrorOrNil()
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the combined location URIs of all backends.
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}
