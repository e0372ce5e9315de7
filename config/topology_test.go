package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/threshold-key-custody/cryptoutils"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTopology(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadTopology(t *testing.T) {
	_, pub, err := cryptoutils.GenerateKeyPEM()
	require.NoError(t, err)

	path := writeTopology(t, `
groups:
  - id: "0xaaaa"
    members:
      - id: node-a0
        url: http://10.0.0.1:8080/
        public_key_file: keys/node-a0.pem
      - id: node-a1
        url: http://10.0.0.2:8080
  - id: "0xbbbb"
    members:
      - id: node-b0
`)
	require.NoError(t, os.MkdirAll(filepath.Join(filepath.Dir(path), "keys"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "keys", "node-a0.pem"), pub, 0o600))

	topo, err := LoadTopology(path)
	require.NoError(t, err)
	require.Len(t, topo.Groups, 2)

	g, err := topo.Group("0xaaaa")
	require.NoError(t, err)
	assert.Equal(t, []interfaces.NodeID{"node-a0", "node-a1"}, g.MemberIDs())

	_, err = topo.Group("0xcccc")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	group, err := topo.GroupOf("node-b0")
	require.NoError(t, err)
	assert.Equal(t, interfaces.GroupID("0xbbbb"), group)

	url, err := topo.Resolver(nil).Resolve(context.Background(), "node-a0")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.1:8080", url)

	keyring, err := topo.Keyring()
	require.NoError(t, err)
	assert.Equal(t, 1, keyring.Len())
	_, ok := keyring.Get("node-a0")
	assert.True(t, ok)

	registered := make(map[interfaces.GroupID][]interfaces.NodeID)
	topo.Register(func(id interfaces.GroupID, members []interfaces.NodeID) {
		registered[id] = members
	})
	assert.Len(t, registered, 2)
}

func TestLoadTopology_DNSFromEnv(t *testing.T) {
	path := writeTopology(t, `
groups:
  - id: "0xaaaa"
    members:
      - id: node-a0
        url: http://10.0.0.1:8080
dns:
  name_template: "_custody._tcp.%s.nodes.example.org"
`)
	t.Setenv("CUSTODY_DNS_SERVER", "127.0.0.1:53")

	topo, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:53", topo.DNS.Server)

	r, ok := topo.Resolver(nil).(*transport.DNSResolver)
	require.True(t, ok)
	assert.Equal(t, "_custody._tcp.%s.nodes.example.org", r.NameTemplate)
	assert.NotNil(t, r.Fallback)
}

func TestLoadTopology_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"no groups": `groups: []`,
		"no members": `
groups:
  - id: "0xaaaa"
`,
		"duplicate node": `
groups:
  - id: "0xaaaa"
    members: [{id: n1}]
  - id: "0xbbbb"
    members: [{id: n1}]
`,
		"invalid node id": `
groups:
  - id: "0xaaaa"
    members: [{id: "a/b"}]
`,
		"dns without template": `
groups:
  - id: "0xaaaa"
    members: [{id: n1}]
dns:
  server: 127.0.0.1:53
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadTopology(writeTopology(t, body))
			require.Error(t, err)
		})
	}

	_, err := LoadTopology(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
