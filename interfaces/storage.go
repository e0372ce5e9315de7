package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned for malformed or unsupported storage
	// locations. URIs follow [scheme]://[auth@]host[:port][/path][?params].
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// Query parameters holding credentials; they are redacted when a location is printed.
var secretParams = []string{"token", "password", "secret"}

// StorageBackendLocation is a parsed storage location URI.
type StorageBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Auth   string
}

func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "vault", "redis":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the URI with credentials redacted, safe for logs.
func (loc StorageBackendLocation) String() string {
	return RedactLocation(loc.Raw)
}

func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// GetParamDuration parses a duration parameter, returning def when absent.
func (loc StorageBackendLocation) GetParamDuration(name string, def time.Duration) (time.Duration, error) {
	raw := loc.Query.Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrInvalidLocationURI, name, raw)
	}
	return d, nil
}

// RedactLocation hides user info and credential parameters of a location URI.
func RedactLocation(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "<invalid uri>"
	}
	if parsed.User != nil {
		parsed.User = url.User("xxxxx")
	}
	query := parsed.Query()
	redacted := false
	for _, p := range secretParams {
		if query.Has(p) {
			query.Set(p, "xxxxx")
			redacted = true
		}
	}
	if redacted {
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

// StorageBackend provides keyed storage for sealed records.
// Keys are slash-separated paths such as "shares/<node>/<epoch>".
type StorageBackend interface {
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Store saves data under key. A positive ttl is a hint for backends with
	// native expiry; expiry is also enforced by the sealed record itself.
	Store(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes the record stored under key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys stored under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
