package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ruteri/threshold-key-custody/api"
)

// NodeAPI is the operator view of a custody node.
type NodeAPI interface {
	GetStatus(ctx context.Context) (*api.StatusResponse, error)
	Recover(ctx context.Context) (*api.RecoverResponse, error)
}

// AdminClient talks to the HTTP API of one custody node. Requests changing
// node state are signed with the operator key.
type AdminClient struct {
	baseURL    string
	adminID    string
	privateKey *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewAdminClient creates a client for the node at baseURL. privateKey may be
// nil for read-only use.
func NewAdminClient(baseURL, adminID string, privateKey *ecdsa.PrivateKey, timeout ...time.Duration) *AdminClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		adminID:    adminID,
		privateKey: privateKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

func (c *AdminClient) GetStatus(ctx context.Context) (*api.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+api.StatusPath, nil)
	if err != nil {
		return nil, err
	}

	var result api.StatusResponse
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return &result, nil
}

// Recover asks the node to rebuild its group from backups.
func (c *AdminClient) Recover(ctx context.Context) (*api.RecoverResponse, error) {
	if c.privateKey == nil {
		return nil, fmt.Errorf("recover requires an admin key")
	}
	req, err := CreateSignedAdminRequest(ctx, http.MethodPost, c.baseURL+api.RecoverPath, nil, c.adminID, c.privateKey)
	if err != nil {
		return nil, err
	}

	var result api.RecoverResponse
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("recover request failed: %w", err)
	}
	return &result, nil
}

func (c *AdminClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr api.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("code %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("code %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// CreateSignedAdminRequest builds a request authenticated with the admin key:
// X-Admin-Signature carries the ASN.1 ECDSA signature of sha256(path || body).
func CreateSignedAdminRequest(ctx context.Context, method, reqURL string, body []byte, adminID string, privateKey *ecdsa.PrivateKey) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	parsedURL, err := url.Parse(reqURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	message := parsedURL.Path + string(body)
	hash := sha256.Sum256([]byte(message))

	signature, err := ecdsa.SignASN1(rand.Reader, privateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(api.AdminIDHeader, adminID)
	req.Header.Set(api.AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return req, nil
}

// MockNodeAPI implements NodeAPI for tests.
type MockNodeAPI struct {
	mock.Mock
}

func (m *MockNodeAPI) GetStatus(ctx context.Context) (*api.StatusResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.StatusResponse), args.Error(1)
}

func (m *MockNodeAPI) Recover(ctx context.Context) (*api.RecoverResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.RecoverResponse), args.Error(1)
}
