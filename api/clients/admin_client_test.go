package clients

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-custody/api"
	"github.com/ruteri/threshold-key-custody/coordinator"
)

func TestAdminClient(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc(api.StatusPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.StatusResponse{
			Version: "test",
			Ready:   true,
			Node:    coordinator.Status{Node: "node-1", Epoch: 2, OwnedSlot: 1},
		})
	})
	mux.HandleFunc(api.RecoverPath, func(w http.ResponseWriter, r *http.Request) {
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get(api.AdminSignatureHeader))
		hash := sha256.Sum256([]byte(r.URL.Path))
		if err != nil || r.Header.Get(api.AdminIDHeader) != "alice" || !ecdsa.VerifyASN1(&priv.PublicKey, hash[:], sig) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "admin authentication failed"})
			return
		}
		_ = json.NewEncoder(w).Encode(api.RecoverResponse{Slots: 5, NewEpoch: 3, Members: 5})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		client := NewAdminClient(srv.URL+"/", "", nil)
		status, err := client.GetStatus(ctx)
		require.NoError(t, err)
		assert.True(t, status.Ready)
		assert.Equal(t, 1, status.Node.OwnedSlot)
	})

	t.Run("recover", func(t *testing.T) {
		client := NewAdminClient(srv.URL, "alice", priv)
		report, err := client.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, report.Slots)
	})

	t.Run("recover needs a key", func(t *testing.T) {
		client := NewAdminClient(srv.URL, "alice", nil)
		_, err := client.Recover(ctx)
		assert.Error(t, err)
	})

	t.Run("server error is surfaced", func(t *testing.T) {
		client := NewAdminClient(srv.URL, "bob", priv)
		_, err := client.Recover(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "code 401")
		assert.Contains(t, err.Error(), "admin authentication failed")
	})
}

func TestMockNodeAPI(t *testing.T) {
	m := new(MockNodeAPI)
	m.On("GetStatus", context.Background()).Return(&api.StatusResponse{Ready: true}, nil)

	var nodeAPI NodeAPI = m
	status, err := nodeAPI.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Ready)
	m.AssertExpectations(t)
}
