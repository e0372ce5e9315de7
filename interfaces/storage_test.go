package interfaces

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorageBackendLocation(t *testing.T) {
	loc, err := NewStorageBackendLocation("s3://AKID:SECRET@bucket/custody/?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "bucket", loc.Host)
	assert.Equal(t, "/custody/", loc.Path)
	assert.Equal(t, "AKID:SECRET", loc.Auth)
	assert.Equal(t, "eu-west-1", loc.GetParam("region"))
	assert.NotContains(t, loc.String(), "SECRET")

	_, err = NewStorageBackendLocation("github://owner/repo")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
}

func TestRedactLocation(t *testing.T) {
	tests := []struct {
		uri      string
		hidden   string
		expected string
	}{
		{"vault://vault:8200/secret/custody?token=s.abc", "s.abc", "vault://vault:8200/secret/custody?token=xxxxx"},
		{"redis://:hunter2@redis:6379/0", "hunter2", "redis://xxxxx@redis:6379/0"},
		{"file:///var/lib/custody", "", "file:///var/lib/custody"},
	}
	for _, tc := range tests {
		redacted := RedactLocation(tc.uri)
		assert.Equal(t, tc.expected, redacted)
		if tc.hidden != "" {
			assert.NotContains(t, redacted, tc.hidden)
		}
	}
}

func TestGetParamDuration(t *testing.T) {
	loc, err := NewStorageBackendLocation("ipfs://localhost:5001/custody?timeout=5s&bad=soon")
	require.NoError(t, err)

	d, err := loc.GetParamDuration("timeout", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = loc.GetParamDuration("missing", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = loc.GetParamDuration("bad", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
}
