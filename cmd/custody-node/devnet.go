package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-custody/api"
	"github.com/ruteri/threshold-key-custody/backup"
	"github.com/ruteri/threshold-key-custody/cmd/flags"
	"github.com/ruteri/threshold-key-custody/common"
	"github.com/ruteri/threshold-key-custody/config"
	"github.com/ruteri/threshold-key-custody/coordinator"
	"github.com/ruteri/threshold-key-custody/cryptoutils"
	"github.com/ruteri/threshold-key-custody/httpserver"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/kms"
	"github.com/ruteri/threshold-key-custody/metrics"
	"github.com/ruteri/threshold-key-custody/registry"
	"github.com/ruteri/threshold-key-custody/signer"
	"github.com/ruteri/threshold-key-custody/storage"
	"github.com/ruteri/threshold-key-custody/transport"
)

var devnetCommand = &cli.Command{
	Name:  "devnet",
	Usage: "run every group of a topology in one process on an in-memory ledger and network",
	Flags: []cli.Flag{
		topologyFlag,
		thresholdFlag,
		&cli.StringFlag{
			Name:  "data-dir",
			Usage: "directory for sealed records, a temporary one when empty",
		},
		&cli.StringFlag{
			Name:  "listen-host",
			Value: "127.0.0.1",
			Usage: "host the per-node status APIs listen on",
		},
		&cli.IntFlag{
			Name:  "base-port",
			Value: 9000,
			Usage: "status API port of the first node, the others follow",
		},
		&cli.DurationFlag{
			Name:  "sign-interval",
			Usage: "request a signature from every slot of every group at this interval, disabled when 0",
		},
	},
	Action: runDevnet,
}

type devnetNode struct {
	id     interfaces.NodeID
	group  interfaces.GroupID
	node   *coordinator.Node
	server *httpserver.Server
}

func runDevnet(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	topo, err := config.LoadTopology(cCtx.String(topologyFlag.Name))
	if err != nil {
		return err
	}

	dataDir := cCtx.String("data-dir")
	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "custody-devnet-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dataDir)
	}

	chain := registry.NewMemoryChain()
	topo.Register(chain.RegisterGroup)
	network := transport.NewMemoryNetwork()

	// Transport keys are generated per run; the topology keys are not needed.
	keyring := cryptoutils.NewKeyring()
	transportKeys := make(map[interfaces.NodeID][]byte)
	for _, g := range topo.Groups {
		for _, id := range g.MemberIDs() {
			priv, pub, err := cryptoutils.GenerateKeyPEM()
			if err != nil {
				return err
			}
			if err := keyring.Add(id, pub); err != nil {
				return err
			}
			transportKeys[id] = priv
		}
	}

	var nodes []devnetNode
	port := cCtx.Int("base-port")
	for _, g := range topo.Groups {
		members := g.MemberIDs()
		threshold := cCtx.Int(thresholdFlag.Name)
		if threshold == 0 {
			threshold = len(members)/2 + 1
		}

		genesis, err := kms.Genesis(rand.Reader, members, threshold)
		if err != nil {
			return fmt.Errorf("genesis of %s failed: %w", g.ID, err)
		}
		for slot, addr := range genesis.Addresses {
			logger.Info("Slot address", "group", g.ID, "slot", slot, "address", addr.Hex())
		}

		for _, id := range members {
			n, err := newDevnetNode(ctx, devnetParams{
				group:     g.ID,
				self:      id,
				members:   len(members),
				threshold: threshold,
				ledger:    chain.LedgerFor(g.ID, id),
				transport: network.Endpoint(id),
				keyring:   keyring,
				key:       transportKeys[id],
				dataDir:   filepath.Join(dataDir, string(id)),
				addr:      net.JoinHostPort(cCtx.String("listen-host"), strconv.Itoa(port)),
				log:       logger.With("node", string(id)),
			}, genesis.Bundles[id])
			if err != nil {
				genesis.Wipe()
				return err
			}
			nodes = append(nodes, *n)
			port++
		}
		genesis.Wipe()
	}

	for _, n := range nodes {
		go func() {
			if err := n.node.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Node stopped", "group", n.group, "node", n.id, "err", err)
			}
		}()
		n.server.RunInBackground()
	}

	if interval := cCtx.Duration("sign-interval"); interval > 0 {
		go requestSignatures(ctx, chain, topo, interval, logger)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Devnet is running", "groups", len(topo.Groups), "nodes", len(nodes), "dataDir", dataDir)
	<-exit

	cancel()
	for _, n := range nodes {
		n.server.Shutdown()
	}
	return nil
}

type devnetParams struct {
	group     interfaces.GroupID
	self      interfaces.NodeID
	members   int
	threshold int
	ledger    interfaces.Ledger
	transport interfaces.Transport
	keyring   *cryptoutils.Keyring
	key       []byte
	dataDir   string
	addr      string
	log       *slog.Logger
}

func newDevnetNode(ctx context.Context, p devnetParams, bundle []interfaces.Share) (*devnetNode, error) {
	encryptor, err := cryptoutils.NewECIESEncryptor(p.self, p.key, p.keyring)
	if err != nil {
		return nil, err
	}
	metricsSrv, err := metrics.New(common.MetricsNamespace, "")
	if err != nil {
		return nil, err
	}

	files, err := storage.NewFileBackend(p.dataDir, p.log)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.NewSealedStore(files, cryptoutils.DeriveSealingKey(p.self, p.key), p.log)
	if err != nil {
		return nil, err
	}
	shareStore, err := storage.NewShareBackup(sealed, p.self, 0, p.log)
	if err != nil {
		return nil, err
	}
	manager, err := backup.NewManager(backup.Config{
		Group:            p.group,
		Self:             p.self,
		PrimaryThreshold: p.threshold,
		PrimaryTotal:     p.members,
		Log:              p.log,
		Metrics:          metricsSrv.Metrics,
	}, p.ledger, p.transport, encryptor)
	if err != nil {
		return nil, err
	}

	node, err := coordinator.NewNode(coordinator.Config{
		Group:     p.group,
		Self:      p.self,
		Threshold: p.threshold,
		Log:       p.log,
		Metrics:   metricsSrv.Metrics,
	}, coordinator.Dependencies{
		Ledger:     p.ledger,
		Transport:  p.transport,
		Encryptor:  encryptor,
		Signer:     signer.NewEthereumSigner(nil),
		Backup:     manager,
		Holder:     backup.NewHolder(p.self, sealed, encryptor, p.ledger, 0, p.log),
		ShareStore: shareStore,
	})
	if err != nil {
		return nil, err
	}

	imported := make([]interfaces.Share, len(bundle))
	for i, s := range bundle {
		s.Value = append([]byte(nil), s.Value...)
		imported[i] = s
	}
	if err := node.Init(ctx, imported); err != nil {
		return nil, err
	}

	cfg := api.NewHTTPServerConfig(p.addr, p.log)
	cfg.GracefulShutdownDuration = 5 * time.Second
	server, err := httpserver.New(cfg, httpserver.NewHandler(node, p.log), nil, nil, metricsSrv)
	if err != nil {
		return nil, err
	}
	return &devnetNode{id: p.self, group: p.group, node: node, server: server}, nil
}

func requestSignatures(ctx context.Context, chain *registry.MemoryChain, topo *config.Topology, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, g := range topo.Groups {
			for slot := range g.Members {
				payload := make([]byte, 32)
				if _, err := rand.Read(payload); err != nil {
					log.Error("Failed to draw request payload", "err", err)
					return
				}
				id := chain.RequestSigning(g.ID, interfaces.SlotIndex(slot), payload)
				log.Debug("Signing requested", "group", g.ID, "slot", slot, "request", id)
			}
		}
	}
}
