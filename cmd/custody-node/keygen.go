package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-custody/cryptoutils"
)

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "create a node identity key and a transport key pair",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out-dir",
			Value: ".",
			Usage: "directory to write identity.key, transport.pem and transport.pub.pem to",
		},
	},
	Action: func(cCtx *cli.Context) error {
		outDir := cCtx.String("out-dir")
		if err := os.MkdirAll(outDir, 0o700); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		identity, err := crypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("failed to generate identity key: %w", err)
		}
		identityHex := []byte(hex.EncodeToString(crypto.FromECDSA(identity)))
		if err := writeNew(filepath.Join(outDir, "identity.key"), identityHex, 0o600); err != nil {
			return err
		}

		priv, pub, err := cryptoutils.GenerateKeyPEM()
		if err != nil {
			return err
		}
		if err := writeNew(filepath.Join(outDir, "transport.pem"), priv, 0o600); err != nil {
			return err
		}
		if err := writeNew(filepath.Join(outDir, "transport.pub.pem"), pub, 0o644); err != nil {
			return err
		}

		fmt.Println(cryptoutils.NodeIDFromKey(identity))
		return nil
	},
}

// writeNew refuses to overwrite existing key files.
func writeNew(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
