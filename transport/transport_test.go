package transport

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/miekg/dns"
	"github.com/ruteri/threshold-key-custody/cryptoutils"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoHandler(self interfaces.NodeID) interfaces.MessageHandler {
	return func(ctx context.Context, env *interfaces.Envelope) (*interfaces.Envelope, error) {
		if env.Type == interfaces.MsgError {
			return nil, errors.New("refusing")
		}
		return &interfaces.Envelope{
			Type:      interfaces.MsgAck,
			RequestID: env.RequestID,
			Payload:   append([]byte(string(self)+":"), env.Payload...),
		}, nil
	}
}

func TestMemoryNetwork(t *testing.T) {
	ctx := context.Background()
	network := NewMemoryNetwork()
	a := network.Endpoint("a")
	b := network.Endpoint("b")
	a.Handle(echoHandler("a"))
	b.Handle(echoHandler("b"))

	reply, err := a.Send(ctx, "b", &interfaces.Envelope{Type: interfaces.MsgShareRequest, RequestID: "r1", Payload: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, interfaces.NodeID("b"), reply.From)
	assert.Equal(t, interfaces.NodeID("a"), reply.To)
	assert.Equal(t, []byte("b:hi"), reply.Payload)

	_, err = a.Send(ctx, "c", &interfaces.Envelope{})
	assert.ErrorIs(t, err, ErrPeerUnreachable)

	network.SetDown("b", true)
	_, err = a.Send(ctx, "b", &interfaces.Envelope{})
	assert.ErrorIs(t, err, ErrPeerUnreachable)
	_, err = b.Send(ctx, "a", &interfaces.Envelope{})
	assert.ErrorIs(t, err, ErrPeerUnreachable, "A down node cannot send either")

	network.SetDown("b", false)
	_, err = a.Send(ctx, "b", &interfaces.Envelope{Type: interfaces.MsgError})
	assert.ErrorIs(t, err, ErrPeerRefused)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.Send(cancelled, "b", &interfaces.Envelope{})
	assert.ErrorIs(t, err, context.Canceled)
}

type httpNode struct {
	id        interfaces.NodeID
	key       *ecdsa.PrivateKey
	transport *HTTPTransport
	server    *httptest.Server
}

func newHTTPNodes(t *testing.T, n int, signed bool) []*httpNode {
	resolver := StaticResolver{}
	nodes := make([]*httpNode, n)
	for i := range nodes {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		node := &httpNode{id: cryptoutils.NodeIDFromKey(key), key: key}

		cfg := HTTPConfig{Self: node.id, Resolver: resolver, Log: discardLogger()}
		if signed {
			cfg.SigningKey = key
		}
		node.transport, err = NewHTTPTransport(cfg)
		require.NoError(t, err)
		node.transport.Handle(echoHandler(node.id))

		node.server = httptest.NewServer(node.transport)
		t.Cleanup(node.server.Close)
		resolver[node.id] = node.server.URL + "/"
		nodes[i] = node
	}
	return nodes
}

func TestHTTPTransport_SignedRoundTrip(t *testing.T) {
	nodes := newHTTPNodes(t, 2, true)
	a, b := nodes[0], nodes[1]

	reply, err := a.transport.Send(context.Background(), b.id, &interfaces.Envelope{
		Type:      interfaces.MsgShareRequest,
		RequestID: "req-1",
		Payload:   []byte("payload"),
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.MsgAck, reply.Type)
	assert.Equal(t, b.id, reply.From)
	assert.Equal(t, "req-1", reply.RequestID)
	assert.Equal(t, []byte(string(b.id)+":payload"), reply.Payload)
	require.NoError(t, cryptoutils.VerifyEnvelope(reply))

	_, err = a.transport.Send(context.Background(), b.id, &interfaces.Envelope{Type: interfaces.MsgError})
	assert.ErrorIs(t, err, ErrPeerRefused)
}

func TestHTTPTransport_RejectsUnsignedPeers(t *testing.T) {
	signed := newHTTPNodes(t, 1, true)[0]
	unsigned := newHTTPNodes(t, 1, false)[0]

	// point the unsigned node at the signed node's server
	resolver := StaticResolver{signed.id: signed.server.URL}
	sender, err := NewHTTPTransport(HTTPConfig{Self: unsigned.id, Resolver: resolver, Log: discardLogger()})
	require.NoError(t, err)

	_, err = sender.Send(context.Background(), signed.id, &interfaces.Envelope{Type: interfaces.MsgShareRequest})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerRefused)
	assert.True(t, strings.Contains(err.Error(), "401"))
}

func TestHTTPTransport_Misaddressed(t *testing.T) {
	nodes := newHTTPNodes(t, 2, false)
	a, b := nodes[0], nodes[1]

	// resolve b to a's server: a refuses envelopes not addressed to it
	resolver := StaticResolver{b.id: a.server.URL}
	sender, err := NewHTTPTransport(HTTPConfig{Self: "sender", Resolver: resolver, Log: discardLogger()})
	require.NoError(t, err)
	_, err = sender.Send(context.Background(), b.id, &interfaces.Envelope{})
	assert.ErrorIs(t, err, ErrPeerRefused)

	_, err = sender.Send(context.Background(), "unknown", &interfaces.Envelope{})
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestNewHTTPTransport_KeyMismatch(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewHTTPTransport(HTTPConfig{Self: "someone-else", Resolver: StaticResolver{}, SigningKey: key})
	assert.Error(t, err)
}

func startDNSServer(t *testing.T, records map[string]*dns.SRV) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			srv, ok := records[r.Question[0].Name]
			if !ok {
				m.SetRcode(r, dns.RcodeNameError)
				_ = w.WriteMsg(m)
				return
			}
			m.SetReply(r)
			rr := *srv
			rr.Hdr = dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
			m.Answer = append(m.Answer, &rr)
			_ = w.WriteMsg(m)
		}),
	}
	started := make(chan struct{})
	server.NotifyStartedFunc = func() { close(started) }
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startDNSServer(t, map[string]*dns.SRV{
		"_custody._tcp.node-1.example.org.": {Priority: 10, Weight: 5, Port: 8443, Target: "n1.example.org."},
	})

	resolver := NewDNSResolver(addr, "_custody._tcp.%s.example.org", discardLogger())
	url, err := resolver.Resolve(context.Background(), "Node-1")
	require.NoError(t, err)
	assert.Equal(t, "https://n1.example.org:8443", url)

	_, err = resolver.Resolve(context.Background(), "node-2")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	resolver.Fallback = StaticResolver{"node-2": "http://10.0.0.2:8080"}
	url, err = resolver.Resolve(context.Background(), "node-2")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8080", url)
}
