package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// Resolver maps a node ID to the base URL of its transport endpoint.
type Resolver interface {
	Resolve(ctx context.Context, node interfaces.NodeID) (string, error)
}

// StaticResolver resolves nodes from a fixed table.
type StaticResolver map[interfaces.NodeID]string

func (r StaticResolver) Resolve(ctx context.Context, node interfaces.NodeID) (string, error) {
	url, ok := r[node]
	if !ok {
		return "", fmt.Errorf("%w: no address for %s", interfaces.ErrNotFound, node)
	}
	return strings.TrimSuffix(url, "/"), nil
}

// DNSResolver resolves nodes through DNS SRV records. The record name is
// derived from the node ID with NameTemplate, e.g.
// "_custody._tcp.%s.nodes.example.org". Results are cached for CacheTTL.
type DNSResolver struct {
	// Server is the DNS server queried, host:port.
	Server string

	// NameTemplate is a fmt template taking the lower-case node ID.
	NameTemplate string

	// Scheme is the URL scheme of resolved endpoints, "https" if empty.
	Scheme string

	CacheTTL time.Duration
	Timeout  time.Duration
	Log      *slog.Logger

	// Fallback is consulted when the SRV lookup fails or is empty.
	Fallback Resolver

	cacheLock sync.RWMutex
	cache     map[interfaces.NodeID]resolverCacheEntry
}

type resolverCacheEntry struct {
	url    string
	expiry time.Time
}

// NewDNSResolver creates a DNS SRV resolver with default timings.
func NewDNSResolver(server, nameTemplate string, log *slog.Logger) *DNSResolver {
	if log == nil {
		log = slog.Default()
	}
	return &DNSResolver{
		Server:       server,
		NameTemplate: nameTemplate,
		Scheme:       "https",
		CacheTTL:     5 * time.Minute,
		Timeout:      2 * time.Second,
		Log:          log,
		cache:        make(map[interfaces.NodeID]resolverCacheEntry),
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, node interfaces.NodeID) (string, error) {
	r.cacheLock.RLock()
	entry, ok := r.cache[node]
	r.cacheLock.RUnlock()
	if ok && time.Now().Before(entry.expiry) {
		return entry.url, nil
	}

	url, err := r.lookup(ctx, node)
	if err != nil {
		if r.Fallback != nil {
			r.Log.Debug("SRV lookup failed, using fallback", slog.String("node", string(node)), "err", err)
			return r.Fallback.Resolve(ctx, node)
		}
		return "", err
	}

	r.cacheLock.Lock()
	if r.cache == nil {
		r.cache = make(map[interfaces.NodeID]resolverCacheEntry)
	}
	r.cache[node] = resolverCacheEntry{url: url, expiry: time.Now().Add(r.CacheTTL)}
	r.cacheLock.Unlock()
	return url, nil
}

func (r *DNSResolver) lookup(ctx context.Context, node interfaces.NodeID) (string, error) {
	name := dns.Fqdn(fmt.Sprintf(r.NameTemplate, strings.ToLower(string(node))))

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	c := &dns.Client{Timeout: r.Timeout}
	in, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("%w: %s returned %s", interfaces.ErrNotFound, name, dns.RcodeToString[in.Rcode])
	}

	var best *dns.SRV
	for _, answer := range in.Answer {
		srv, ok := answer.(*dns.SRV)
		if !ok {
			continue
		}
		if best == nil || srv.Priority < best.Priority || (srv.Priority == best.Priority && srv.Weight > best.Weight) {
			best = srv
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no SRV records for %s", interfaces.ErrNotFound, name)
	}

	scheme := r.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := strings.TrimSuffix(best.Target, ".")
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(int(best.Port)))), nil
}
