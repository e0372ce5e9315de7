package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/threshold-key-custody/api"
	"github.com/ruteri/threshold-key-custody/api/clients"
	"github.com/ruteri/threshold-key-custody/common"
	"github.com/ruteri/threshold-key-custody/coordinator"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/metrics"
	"github.com/ruteri/threshold-key-custody/refresh"
	"github.com/ruteri/threshold-key-custody/transport"
)

type mockNode struct {
	mock.Mock
}

func (m *mockNode) Status() coordinator.Status {
	return m.Called().Get(0).(coordinator.Status)
}

func (m *mockNode) Recover(ctx context.Context) (*coordinator.RecoveryReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*coordinator.RecoveryReport), args.Error(1)
}

func healthyStatus() coordinator.Status {
	return coordinator.Status{
		Node:       "node-1",
		Group:      "0xc0ffee",
		Epoch:      3,
		OwnedSlot:  1,
		Members:    5,
		HeldShares: 5,
		UpdatedAt:  time.Now(),
	}
}

func newAdmin(t *testing.T) (*AdminAuth, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	auth, err := NewAdminAuth(map[string][]byte{"alice": pubPEM}, common.SetupLogger(&common.LoggingOpts{}))
	require.NoError(t, err)
	return auth, priv
}

func newTestServer(t *testing.T, node Node, peer http.Handler, admin *AdminAuth) *Server {
	t.Helper()
	cfg := api.NewHTTPServerConfig("127.0.0.1:0", common.SetupLogger(&common.LoggingOpts{}))
	srv, err := New(cfg, NewHandler(node, cfg.Log), peer, admin, &metrics.MetricsServer{Metrics: metrics.NewMetrics(common.MetricsNamespace)})
	require.NoError(t, err)
	return srv
}

func TestHandleStatus(t *testing.T) {
	node := new(mockNode)
	node.On("Status").Return(healthyStatus())
	srv := newTestServer(t, node, nil, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, api.StatusPath, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, common.Version, resp.Version)
	assert.Equal(t, interfaces.NodeID("node-1"), resp.Node.Node)
	assert.Equal(t, interfaces.Epoch(3), resp.Node.Epoch)
	assert.Equal(t, 1, resp.Node.OwnedSlot)
}

func TestReadiness(t *testing.T) {
	t.Run("drain and undrain", func(t *testing.T) {
		node := new(mockNode)
		node.On("Status").Return(healthyStatus())
		srv := newTestServer(t, node, nil, nil)
		h := srv.Handler()

		get := func(path string) *httptest.ResponseRecorder {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			return rr
		}

		assert.Equal(t, http.StatusOK, get("/livez").Code)
		assert.Equal(t, http.StatusOK, get("/readyz").Code)

		assert.Contains(t, get("/drain").Body.String(), "draining")
		assert.Contains(t, get("/drain").Body.String(), "already draining")
		assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
		assert.Equal(t, http.StatusOK, get("/livez").Code)

		get("/undrain")
		assert.Equal(t, http.StatusOK, get("/readyz").Code)
	})

	t.Run("not initialized", func(t *testing.T) {
		node := new(mockNode)
		node.On("Status").Return(coordinator.Status{})
		srv := newTestServer(t, node, nil, nil)

		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("invariant violated", func(t *testing.T) {
		st := healthyStatus()
		st.Invariant = refresh.InvariantReport{Violation: true, ForceClear: true}
		node := new(mockNode)
		node.On("Status").Return(st)
		srv := newTestServer(t, node, nil, nil)

		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestTransportRoute(t *testing.T) {
	var got []byte
	peer := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		got = buf.Bytes()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := newTestServer(t, new(mockNode), peer, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, transport.EnvelopePath, strings.NewReader(`{"type":"ack"}`)))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, `{"type":"ack"}`, string(got))

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, transport.EnvelopePath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRecoverWithoutAdminIsNotMounted(t *testing.T) {
	srv := newTestServer(t, new(mockNode), nil, nil)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, api.RecoverPath, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleRecover(t *testing.T) {
	admin, priv := newAdmin(t)
	ctx := context.Background()

	t.Run("authorized", func(t *testing.T) {
		node := new(mockNode)
		node.On("Recover", mock.Anything).Return(&coordinator.RecoveryReport{
			Slots:    5,
			NewEpoch: 4,
			Members:  3,
		}, nil)
		srv := newTestServer(t, node, nil, admin)

		req, err := clients.CreateSignedAdminRequest(ctx, http.MethodPost, "http://node"+api.RecoverPath, nil, "alice", priv)
		require.NoError(t, err)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp api.RecoverResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 5, resp.Slots)
		assert.Equal(t, interfaces.Epoch(4), resp.NewEpoch)
		assert.Equal(t, 3, resp.Members)
		node.AssertExpectations(t)
	})

	t.Run("unsigned", func(t *testing.T) {
		node := new(mockNode)
		srv := newTestServer(t, node, nil, admin)

		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, api.RecoverPath, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		node.AssertNotCalled(t, "Recover", mock.Anything)
	})

	t.Run("unknown admin", func(t *testing.T) {
		node := new(mockNode)
		srv := newTestServer(t, node, nil, admin)

		req, err := clients.CreateSignedAdminRequest(ctx, http.MethodPost, "http://node"+api.RecoverPath, nil, "mallory", priv)
		require.NoError(t, err)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		node := new(mockNode)
		srv := newTestServer(t, node, nil, admin)

		req, err := clients.CreateSignedAdminRequest(ctx, http.MethodPost, "http://node"+api.RecoverPath, nil, "alice", other)
		require.NoError(t, err)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	errCases := []struct {
		name string
		err  error
		code int
	}{
		{"refresh in progress", interfaces.ErrRefreshInProgress, http.StatusConflict},
		{"recovery failed", fmt.Errorf("recover: %w", interfaces.ErrCatastrophicRecoveryFailed), http.StatusUnprocessableEntity},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			node := new(mockNode)
			node.On("Recover", mock.Anything).Return(nil, tc.err)
			srv := newTestServer(t, node, nil, admin)

			req, err := clients.CreateSignedAdminRequest(ctx, http.MethodPost, "http://node"+api.RecoverPath, nil, "alice", priv)
			require.NoError(t, err)
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			assert.Equal(t, tc.code, rr.Code)

			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Contains(t, resp.Error, tc.err.Error())
		})
	}
}

func TestLoadAdminKeys(t *testing.T) {
	privPEM, pubPEM, err := GenerateAdminKeyPair()
	require.NoError(t, err)

	doc, err := json.Marshal(map[string]any{
		"admins": []map[string]string{{"id": "bob", "pubkey": pubPEM}},
	})
	require.NoError(t, err)

	keys, err := LoadAdminKeys(bytes.NewReader(doc))
	require.NoError(t, err)
	require.Contains(t, keys, "bob")

	priv, err := ParsePrivateKey([]byte(privPEM))
	require.NoError(t, err)

	auth, err := NewAdminAuth(keys, nil)
	require.NoError(t, err)

	req, err := clients.CreateSignedAdminRequest(context.Background(), http.MethodPost, "http://node/x", []byte(`{"a":1}`), "bob", priv)
	require.NoError(t, err)
	id, ok := auth.verify(req)
	assert.True(t, ok)
	assert.Equal(t, "bob", id)

	// body is restored for the next handler
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(req.Body)
	assert.Equal(t, `{"a":1}`, buf.String())

	_, err = LoadAdminKeys(strings.NewReader(`{"admins":[{"id":"","pubkey":"x"}]}`))
	assert.Error(t, err)
}
