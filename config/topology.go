package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ruteri/threshold-key-custody/cryptoutils"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/transport"
)

// EnvPrefix prefixes environment overrides, e.g. CUSTODY_DNS_SERVER.
const EnvPrefix = "CUSTODY"

type Topology struct {
	Groups []GroupConfig `mapstructure:"groups"`
	DNS    DNSConfig     `mapstructure:"dns"`

	dir string
}

type GroupConfig struct {
	ID interfaces.GroupID `mapstructure:"id"`

	// Members are ordered by slot.
	Members []MemberConfig `mapstructure:"members"`
}

type MemberConfig struct {
	ID  interfaces.NodeID `mapstructure:"id"`
	URL string            `mapstructure:"url"`

	// PublicKey is the PEM encoded transport key. PublicKeyFile is read
	// instead when set, relative to the topology file.
	PublicKey     string `mapstructure:"public_key"`
	PublicKeyFile string `mapstructure:"public_key_file"`
}

// DNSConfig enables SRV based peer discovery. Static member URLs remain the
// fallback.
type DNSConfig struct {
	Server       string `mapstructure:"server"`
	NameTemplate string `mapstructure:"name_template"`
	Scheme       string `mapstructure:"scheme"`
}

// LoadTopology reads the topology file at path. Values can be overridden
// through CUSTODY_ prefixed environment variables.
func LoadTopology(path string) (*Topology, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}

	t := &Topology{dir: filepath.Dir(path)}
	if err := v.Unmarshal(t); err != nil {
		return nil, fmt.Errorf("failed to decode topology: %w", err)
	}
	// Nested keys are only overridden from the environment when read
	// explicitly.
	t.DNS.Server = v.GetString("dns.server")
	t.DNS.NameTemplate = v.GetString("dns.name_template")
	t.DNS.Scheme = v.GetString("dns.scheme")

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Topology) Validate() error {
	if len(t.Groups) == 0 {
		return errors.New("topology has no groups")
	}
	groups := make(map[interfaces.GroupID]struct{}, len(t.Groups))
	nodes := make(map[interfaces.NodeID]interfaces.GroupID)
	for _, g := range t.Groups {
		if g.ID == "" {
			return errors.New("group without id")
		}
		if _, dup := groups[g.ID]; dup {
			return fmt.Errorf("duplicate group %s", g.ID)
		}
		groups[g.ID] = struct{}{}
		if len(g.Members) == 0 {
			return fmt.Errorf("group %s has no members", g.ID)
		}
		for _, m := range g.Members {
			if err := m.ID.Validate(); err != nil {
				return fmt.Errorf("group %s: %w", g.ID, err)
			}
			if other, dup := nodes[m.ID]; dup {
				return fmt.Errorf("node %s is listed in groups %s and %s", m.ID, other, g.ID)
			}
			nodes[m.ID] = g.ID
		}
	}
	if t.DNS.Server != "" && t.DNS.NameTemplate == "" {
		return errors.New("dns.name_template is required with dns.server")
	}
	return nil
}

// Group returns the configuration of group id.
func (t *Topology) Group(id interfaces.GroupID) (*GroupConfig, error) {
	for i := range t.Groups {
		if t.Groups[i].ID == id {
			return &t.Groups[i], nil
		}
	}
	return nil, fmt.Errorf("%w: group %s", interfaces.ErrNotFound, id)
}

// GroupOf returns the group node is a member of.
func (t *Topology) GroupOf(node interfaces.NodeID) (interfaces.GroupID, error) {
	for _, g := range t.Groups {
		for _, m := range g.Members {
			if m.ID == node {
				return g.ID, nil
			}
		}
	}
	return "", fmt.Errorf("%w: node %s", interfaces.ErrNotFound, node)
}

// MemberIDs returns the slot-ordered members of the group.
func (g *GroupConfig) MemberIDs() []interfaces.NodeID {
	out := make([]interfaces.NodeID, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.ID
	}
	return out
}

// StaticResolver maps every member with a URL to it.
func (t *Topology) StaticResolver() transport.StaticResolver {
	out := make(transport.StaticResolver)
	for _, g := range t.Groups {
		for _, m := range g.Members {
			if m.URL != "" {
				out[m.ID] = m.URL
			}
		}
	}
	return out
}

// Resolver returns the peer resolver of the deployment: DNS SRV lookups when
// configured, backed by the static member URLs.
func (t *Topology) Resolver(log *slog.Logger) transport.Resolver {
	static := t.StaticResolver()
	if t.DNS.Server == "" {
		return static
	}
	r := transport.NewDNSResolver(t.DNS.Server, t.DNS.NameTemplate, log)
	if t.DNS.Scheme != "" {
		r.Scheme = t.DNS.Scheme
	}
	r.Fallback = static
	return r
}

// Keyring loads the transport public key of every member.
func (t *Topology) Keyring() (*cryptoutils.Keyring, error) {
	keyring := cryptoutils.NewKeyring()
	for _, g := range t.Groups {
		for _, m := range g.Members {
			pem, err := t.publicKey(m)
			if err != nil {
				return nil, err
			}
			if pem == nil {
				continue
			}
			if err := keyring.Add(m.ID, pem); err != nil {
				return nil, fmt.Errorf("invalid public key of %s: %w", m.ID, err)
			}
		}
	}
	return keyring, nil
}

func (t *Topology) publicKey(m MemberConfig) ([]byte, error) {
	if m.PublicKeyFile != "" {
		path := m.PublicKeyFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(t.dir, path)
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key of %s: %w", m.ID, err)
		}
		return pem, nil
	}
	if m.PublicKey != "" {
		return []byte(m.PublicKey), nil
	}
	return nil, nil
}

// Register adds every group to a ledger that accepts group registrations,
// such as the in-memory chain of local deployments.
func (t *Topology) Register(register func(interfaces.GroupID, []interfaces.NodeID)) {
	for i := range t.Groups {
		register(t.Groups[i].ID, t.Groups[i].MemberIDs())
	}
}
