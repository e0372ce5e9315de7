package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-custody/cmd/flags"
	"github.com/ruteri/threshold-key-custody/config"
	"github.com/ruteri/threshold-key-custody/interfaces"
	"github.com/ruteri/threshold-key-custody/kms"
)

var genesisCommand = &cli.Command{
	Name:  "genesis",
	Usage: "generate the slot keys of a group and seal each member's shares to its transport key",
	Flags: []cli.Flag{
		topologyFlag,
		&cli.StringFlag{
			Name:     "group",
			Usage:    "group to generate keys for",
			Required: true,
		},
		thresholdFlag,
		&cli.StringFlag{
			Name:  "out-dir",
			Value: "genesis",
			Usage: "directory for the sealed bundles and the address manifest",
		},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		topo, err := config.LoadTopology(cCtx.String(topologyFlag.Name))
		if err != nil {
			return err
		}
		group := interfaces.GroupID(cCtx.String("group"))
		groupCfg, err := topo.Group(group)
		if err != nil {
			return err
		}
		keyring, err := topo.Keyring()
		if err != nil {
			return err
		}

		members := groupCfg.MemberIDs()
		threshold := cCtx.Int(thresholdFlag.Name)
		if threshold == 0 {
			threshold = len(members)/2 + 1
		}
		for _, m := range members {
			if _, ok := keyring.Get(m); !ok {
				return fmt.Errorf("no transport key for member %s", m)
			}
		}

		result, err := kms.Genesis(rand.Reader, members, threshold)
		if err != nil {
			return err
		}
		defer result.Wipe()

		outDir := cCtx.String("out-dir")
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		for _, m := range members {
			pub, _ := keyring.Get(m)
			sealed, err := kms.SealBundle(group, m, result.Bundles[m], pub)
			if err != nil {
				return err
			}
			path := filepath.Join(outDir, string(m)+".bundle")
			if err := os.WriteFile(path, sealed, 0o600); err != nil {
				return fmt.Errorf("failed to write bundle of %s: %w", m, err)
			}
		}

		manifest, err := json.MarshalIndent(result.Manifest(group, members, threshold), "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outDir, "manifest.json"), manifest, 0o644); err != nil {
			return fmt.Errorf("failed to write manifest: %w", err)
		}

		logger.Info("Genesis complete", "group", group, "members", len(members), "threshold", threshold, "dir", outDir)
		for slot, addr := range result.Addresses {
			fmt.Printf("slot %d: %s\n", slot, addr.Hex())
		}
		return nil
	},
}
