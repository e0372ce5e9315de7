package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/threshold-key-custody/cryptoutils"
	"github.com/ruteri/threshold-key-custody/interfaces"
)

const (
	// EnvelopePath is the route peers post envelopes to.
	EnvelopePath = "/api/v1/transport"

	// maxEnvelopeSize is the maximum accepted envelope body (4MB).
	maxEnvelopeSize = 4 * 1024 * 1024

	defaultRequestTimeout = 10 * time.Second
)

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	Self     interfaces.NodeID
	Resolver Resolver

	// SigningKey signs outbound envelopes and replies. When set, inbound
	// envelopes and replies must carry a valid signature from their sender.
	SigningKey *ecdsa.PrivateKey

	Client         *http.Client
	RequestTimeout time.Duration
	Log            *slog.Logger
}

// HTTPTransport exchanges JSON envelopes over HTTP POST. It is both the
// client (Send) and the server (ServeHTTP) side of the transport.
type HTTPTransport struct {
	cfg HTTPConfig
	log *slog.Logger

	mu      sync.RWMutex
	handler interfaces.MessageHandler
}

func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("transport needs a resolver")
	}
	if err := cfg.Self.Validate(); err != nil {
		return nil, err
	}
	if cfg.SigningKey != nil && cryptoutils.NodeIDFromKey(cfg.SigningKey) != cfg.Self {
		return nil, fmt.Errorf("signing key does not belong to node %s", cfg.Self)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &HTTPTransport{cfg: cfg, log: cfg.Log}, nil
}

func (t *HTTPTransport) authenticated() bool {
	return t.cfg.SigningKey != nil
}

// Handle registers the inbound handler served by ServeHTTP.
func (t *HTTPTransport) Handle(h interfaces.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send posts env to node to and returns its reply.
func (t *HTTPTransport) Send(ctx context.Context, to interfaces.NodeID, env *interfaces.Envelope) (*interfaces.Envelope, error) {
	base, err := t.cfg.Resolver.Resolve(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	msg := *env
	msg.From = t.cfg.Self
	msg.To = to
	msg.Signature = nil
	if t.authenticated() {
		if err := cryptoutils.SignEnvelope(t.cfg.SigningKey, &msg); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+EnvelopePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read reply: %v", ErrPeerUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrPeerRefused, to, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var reply interfaces.Envelope
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	if reply.From != to {
		return nil, fmt.Errorf("%w: reply from %s, expected %s", interfaces.ErrUnauthorizedPeer, reply.From, to)
	}
	if t.authenticated() {
		if err := cryptoutils.VerifyEnvelope(&reply); err != nil {
			return nil, err
		}
	}
	return &reply, nil
}

// ServeHTTP handles an inbound envelope.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler == nil {
		http.Error(w, "transport handler not registered", http.StatusServiceUnavailable)
		return
	}

	var env interfaces.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeSize)).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	if env.To != t.cfg.Self {
		http.Error(w, fmt.Sprintf("envelope addressed to %s", env.To), http.StatusMisdirectedRequest)
		return
	}
	if t.authenticated() {
		if err := cryptoutils.VerifyEnvelope(&env); err != nil {
			t.log.Warn("Rejected unauthenticated envelope", slog.String("from", string(env.From)), "err", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	reply, err := handler(r.Context(), &env)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, interfaces.ErrUnauthorizedPeer) {
			status = http.StatusForbidden
		}
		t.log.Debug("Envelope refused",
			slog.String("from", string(env.From)),
			slog.String("type", string(env.Type)),
			"err", err)
		http.Error(w, err.Error(), status)
		return
	}
	if reply == nil {
		http.Error(w, "empty reply", http.StatusInternalServerError)
		return
	}

	out := *reply
	out.From = t.cfg.Self
	out.To = env.From
	out.Signature = nil
	if t.authenticated() {
		if err := cryptoutils.SignEnvelope(t.cfg.SigningKey, &out); err != nil {
			http.Error(w, "failed to sign reply", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&out); err != nil {
		t.log.Error("Failed to write reply", "err", err)
	}
}
