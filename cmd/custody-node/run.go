package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

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

var (
	topologyFlag = &cli.StringFlag{
		Name:    "topology",
		Value:   "topology.yaml",
		EnvVars: []string{"CUSTODY_TOPOLOGY"},
		Usage:   "topology file listing groups, members, peer URLs and transport keys",
	}
	identityKeyFlag = &cli.StringFlag{
		Name:     "identity-key",
		EnvVars:  []string{"CUSTODY_IDENTITY_KEY"},
		Usage:    "file with the hex encoded secp256k1 node identity key",
		Required: true,
	}
	transportKeyFlag = &cli.StringFlag{
		Name:     "transport-key",
		EnvVars:  []string{"CUSTODY_TRANSPORT_KEY"},
		Usage:    "file with the PEM encoded P-256 transport private key",
		Required: true,
	}
	contractFlag = &cli.StringFlag{
		Name:     "contract",
		EnvVars:  []string{"CUSTODY_CONTRACT"},
		Usage:    "custody ledger contract address",
		Required: true,
	}
	chainIDFlag = &cli.Int64Flag{
		Name:  "chain-id",
		Usage: "chain id for transaction signing, queried from RPC when 0",
	}
	ledgerPollFlag = &cli.DurationFlag{
		Name:  "ledger-poll-interval",
		Value: registry.DefaultPollInterval,
		Usage: "interval between ledger event polls",
	}
	thresholdFlag = &cli.IntFlag{
		Name:  "threshold",
		Usage: "shares needed to reconstruct a slot, a simple majority of the group when 0",
	}
	storageFlag = &cli.StringSliceFlag{
		Name:  "storage",
		Value: cli.NewStringSlice("file:///var/lib/custody"),
		Usage: "storage location URIs for sealed shares and held backups (file, s3, ipfs, vault, redis)",
	}
	shareTTLFlag = &cli.DurationFlag{
		Name:  "share-ttl",
		Value: storage.DefaultShareBackupTTL,
		Usage: "lifetime of persisted shares",
	}
	backupTTLFlag = &cli.DurationFlag{
		Name:  "backup-ttl",
		Value: 7 * 24 * time.Hour,
		Usage: "lifetime of backup bundles held for other groups",
	}
	noBackupFlag = &cli.BoolFlag{
		Name:  "no-backup",
		Usage: "do not back up this group to others nor hold backups for them",
	}
	genesisBundleFlag = &cli.StringFlag{
		Name:  "genesis-bundle",
		Usage: "sealed genesis bundle to import at first start",
	}
	signerFlag = &cli.StringFlag{
		Name:  "signer",
		Value: "ethereum",
		Usage: "transaction signer: 'ethereum' or 'rpc'",
	}
	walletRPCFlag = &cli.StringFlag{
		Name:  "wallet-rpc",
		Usage: "wallet RPC endpoint used by the 'rpc' signer",
	}
	walletMethodFlag = &cli.StringFlag{
		Name:  "wallet-rpc-method",
		Value: signer.DefaultWalletMethod,
		Usage: "wallet RPC signing method",
	}
	adminKeysFlag = &cli.StringFlag{
		Name:  "admin-keys-file",
		Usage: "JSON file with admin public keys, enables the recovery endpoint",
	}
	clusterBaseFlag = &cli.StringFlag{
		Name:  "cluster-base",
		Value: "custody",
		Usage: "base name of the local cluster",
	}
	sessionTTLFlag = &cli.DurationFlag{
		Name:  "session-ttl",
		Usage: "maximum lifetime of a reconstructed slot key",
	}
	commitmentWaitFlag = &cli.DurationFlag{
		Name:  "commitment-wait",
		Value: coordinator.DefaultCommitmentWait,
		Usage: "how long to wait for every member to commit new shares",
	}
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run a custody node",
	Flags: append([]cli.Flag{
		topologyFlag,
		identityKeyFlag,
		transportKeyFlag,
		flags.RpcAddrFlag,
		contractFlag,
		chainIDFlag,
		ledgerPollFlag,
		thresholdFlag,
		storageFlag,
		shareTTLFlag,
		backupTTLFlag,
		noBackupFlag,
		genesisBundleFlag,
		signerFlag,
		walletRPCFlag,
		walletMethodFlag,
		adminKeysFlag,
		clusterBaseFlag,
		sessionTTLFlag,
		commitmentWaitFlag,
	}, flags.ServerFlags...),
	Action: runNode,
}

func runNode(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	identity, err := loadIdentityKey(cCtx.String(identityKeyFlag.Name))
	if err != nil {
		return err
	}
	self := cryptoutils.NodeIDFromKey(identity)
	logger = logger.With("node", string(self))

	topo, err := config.LoadTopology(cCtx.String(topologyFlag.Name))
	if err != nil {
		return err
	}
	group, err := topo.GroupOf(self)
	if err != nil {
		return err
	}
	groupCfg, err := topo.Group(group)
	if err != nil {
		return err
	}
	keyring, err := topo.Keyring()
	if err != nil {
		return err
	}

	transportKey, err := os.ReadFile(cCtx.String(transportKeyFlag.Name))
	if err != nil {
		return fmt.Errorf("failed to read transport key: %w", err)
	}
	encryptor, err := cryptoutils.NewECIESEncryptor(self, transportKey, keyring)
	if err != nil {
		return err
	}

	metricsSrv, err := metrics.New(common.MetricsNamespace, cCtx.String(flags.MetricsAddrFlag.Name))
	if err != nil {
		return err
	}

	peerTransport, err := transport.NewHTTPTransport(transport.HTTPConfig{
		Self:       self,
		Resolver:   topo.Resolver(logger),
		SigningKey: identity,
		Log:        logger,
	})
	if err != nil {
		return err
	}

	logger.Info("Connecting to Ethereum RPC", "address", cCtx.String(flags.RpcAddrFlag.Name))
	ethClient, err := ethclient.DialContext(ctx, cCtx.String(flags.RpcAddrFlag.Name))
	if err != nil {
		logger.Error("Failed to dial RPC", "err", err)
		return err
	}
	defer ethClient.Close()

	chainID := big.NewInt(cCtx.Int64(chainIDFlag.Name))
	if chainID.Sign() == 0 {
		chainID, err = ethClient.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("failed to query chain id: %w", err)
		}
	}

	contract := cCtx.String(contractFlag.Name)
	if !ethcommon.IsHexAddress(contract) {
		return fmt.Errorf("invalid contract address %q", contract)
	}
	ledger, err := registry.NewOnchainLedger(ethClient, ethClient, ethcommon.HexToAddress(contract), group, logger)
	if err != nil {
		return err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(identity, chainID)
	if err != nil {
		return fmt.Errorf("failed to create transactor: %w", err)
	}
	ledger.SetTransactOpts(auth)

	txSigner, closeSigner, err := newSigner(ctx, cCtx, chainID)
	if err != nil {
		return err
	}
	defer closeSigner()

	threshold := cCtx.Int(thresholdFlag.Name)
	if threshold == 0 {
		threshold = len(groupCfg.Members)/2 + 1
	}

	deps := coordinator.Dependencies{
		Ledger:    ledger,
		Transport: peerTransport,
		Encryptor: encryptor,
		Signer:    txSigner,
	}

	sealed, err := openSealedStore(cCtx, self, identity, logger)
	if err != nil {
		return err
	}
	deps.ShareStore, err = storage.NewShareBackup(sealed, self, cCtx.Duration(shareTTLFlag.Name), logger)
	if err != nil {
		return err
	}
	if !cCtx.Bool(noBackupFlag.Name) {
		deps.Holder = backup.NewHolder(self, sealed, encryptor, ledger, cCtx.Duration(backupTTLFlag.Name), logger)
		deps.Backup, err = backup.NewManager(backup.Config{
			Group:            group,
			Self:             self,
			PrimaryThreshold: threshold,
			PrimaryTotal:     len(groupCfg.Members),
			Log:              logger,
			Metrics:          metricsSrv.Metrics,
		}, ledger, peerTransport, encryptor)
		if err != nil {
			return err
		}
	}

	node, err := coordinator.NewNode(coordinator.Config{
		Group:          group,
		Self:           self,
		ClusterName:    coordinator.ClusterName(cCtx.String(clusterBaseFlag.Name), group),
		Threshold:      threshold,
		SessionTTL:     cCtx.Duration(sessionTTLFlag.Name),
		CommitmentWait: cCtx.Duration(commitmentWaitFlag.Name),
		Log:            logger,
		Metrics:        metricsSrv.Metrics,
	}, deps)
	if err != nil {
		return err
	}

	var imported []interfaces.Share
	if path := cCtx.String(genesisBundleFlag.Name); path != "" {
		sealedBundle, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read genesis bundle: %w", err)
		}
		imported, err = kms.OpenBundle(group, self, sealedBundle, transportKey)
		if err != nil {
			return err
		}
		logger.Info("Importing genesis bundle", "shares", len(imported))
	}
	if err := node.Init(ctx, imported); err != nil {
		logger.Error("Failed to initialize node", "err", err)
		return err
	}

	var adminAuth *httpserver.AdminAuth
	if path := cCtx.String(adminKeysFlag.Name); path != "" {
		adminAuth, err = loadAdminAuth(path, logger)
		if err != nil {
			return err
		}
	}

	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), httpserver.NewHandler(node, logger), peerTransport, adminAuth, metricsSrv)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	go ledger.Watch(ctx, cCtx.Duration(ledgerPollFlag.Name))

	runErr := make(chan error, 1)
	go func() { runErr <- node.Run(ctx) }()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Node is running", "group", group, "threshold", threshold, "members", len(groupCfg.Members))
	select {
	case <-exit:
		logger.Info("Shutdown signal received")
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Node stopped", "err", err)
		}
	}

	server.Drain()
	cancel()
	server.Shutdown()
	logger.Info("Node shutdown complete")
	return nil
}

func loadIdentityKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity key: %w", err)
	}
	return key, nil
}

// openSealedStore seals records with a key derived from the identity key so a
// restarted node can read what it stored before.
func openSealedStore(cCtx *cli.Context, self interfaces.NodeID, identity *ecdsa.PrivateKey, logger *slog.Logger) (*storage.SealedStore, error) {
	factory := storage.NewStorageBackendFactory(logger)
	backend, err := factory.CreateMultiBackend(cCtx.StringSlice(storageFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	secret := crypto.FromECDSA(identity)
	sealingKey := cryptoutils.DeriveSealingKey(self, secret)
	clear(secret)
	return storage.NewSealedStore(backend, sealingKey, logger)
}

func newSigner(ctx context.Context, cCtx *cli.Context, chainID *big.Int) (interfaces.Signer, func(), error) {
	switch cCtx.String(signerFlag.Name) {
	case "ethereum":
		return signer.NewEthereumSigner(chainID), func() {}, nil
	case "rpc":
		endpoint := cCtx.String(walletRPCFlag.Name)
		if endpoint == "" {
			return nil, nil, errors.New("wallet-rpc is required for the rpc signer")
		}
		s, err := signer.DialWalletRPC(ctx, endpoint, cCtx.String(walletMethodFlag.Name))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid signer: %s", cCtx.String(signerFlag.Name))
	}
}

func loadAdminAuth(path string, logger *slog.Logger) (*httpserver.AdminAuth, error) {
	logger.Info("Loading admin keys", "file", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin keys file: %w", err)
	}
	defer f.Close()

	keys, err := httpserver.LoadAdminKeys(f)
	if err != nil {
		return nil, err
	}
	logger.Info("Admin keys loaded", "count", len(keys))
	return httpserver.NewAdminAuth(keys, logger)
}
