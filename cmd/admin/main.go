package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-custody/api/clients"
	"github.com/ruteri/threshold-key-custody/httpserver"
)

var flagNodeAddr *cli.StringFlag = &cli.StringFlag{
	Name:    "node-addr",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"CUSTODY_NODE_ADDR"},
	Usage:   "custody node API address",
}
var flagAdminID *cli.StringFlag = &cli.StringFlag{
	Name:    "admin-id",
	EnvVars: []string{"CUSTODY_ADMIN_ID"},
	Usage:   "admin ID the node knows the admin key under",
}
var flagAdminPrivkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey *cli.StringFlag = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminsFile *cli.StringFlag = &cli.StringFlag{
	Name:  "admins-file",
	Value: "admins.json",
	Usage: "Path to the admin keys file nodes load with --admin-keys-file",
}
var flagTimeout *cli.DurationFlag = &cli.DurationFlag{
	Name:  "timeout",
	Value: 10 * time.Minute,
	Usage: "request timeout, recovery waits for a full refresh round",
}

func main() {
	app := &cli.App{
		Name:           "custody-admin",
		Usage:          "Operate custody nodes",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			&cli.Command{
				Name:  "status",
				Usage: "print the status of a node",
				Flags: []cli.Flag{
					flagNodeAddr,
				},
				Action: func(cCtx *cli.Context) error {
					adminClient := clients.NewAdminClient(cCtx.String(flagNodeAddr.Name), "", nil)
					status, err := adminClient.GetStatus(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			&cli.Command{
				Name:  "recover",
				Usage: "rebuild the node's group from the backups held by other groups",
				Flags: []cli.Flag{
					flagNodeAddr,
					flagAdminID,
					flagAdminPrivkey,
					flagTimeout,
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
					if err != nil {
						return err
					}
					privateKey, err := httpserver.ParsePrivateKey(privateKeyPEM)
					if err != nil {
						return err
					}

					adminClient := clients.NewAdminClient(cCtx.String(flagNodeAddr.Name), cCtx.String(flagAdminID.Name), privateKey, cCtx.Duration(flagTimeout.Name))
					report, err := adminClient.Recover(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(report)
				},
			},
			&cli.Command{
				Name:  "generate-admin",
				Usage: "generate an admin key pair",
				Flags: []cli.Flag{
					flagAdminPrivkey,
					flagAdminPubkey,
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, publicKeyPEM, err := httpserver.GenerateAdminKeyPair()
					if err != nil {
						return err
					}

					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), []byte(privateKeyPEM), 0600); err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminPubkey.Name), []byte(publicKeyPEM), 0644)
				},
			},
			&cli.Command{
				Name:  "generate-config",
				Usage: "write the admin keys file from id=pubkey-file pairs",
				Flags: []cli.Flag{
					flagAdminsFile,
					&cli.StringSliceFlag{
						Name:     "admin",
						Required: true,
						Usage:    "admin as id=path/to/public.pem, repeatable",
					},
				},
				Action: func(cCtx *cli.Context) error {
					type adminEntry struct {
						ID     string `json:"id"`
						PubKey string `json:"pubkey"`
					}
					var config struct {
						Admins []adminEntry `json:"admins"`
					}

					for _, entry := range cCtx.StringSlice("admin") {
						id, path, ok := strings.Cut(entry, "=")
						if !ok || id == "" || path == "" {
							return fmt.Errorf("invalid admin %q, expected id=path", entry)
						}
						publicKeyPEM, err := os.ReadFile(path)
						if err != nil {
							return err
						}
						config.Admins = append(config.Admins, adminEntry{ID: id, PubKey: string(publicKeyPEM)})
					}

					data, err := json.MarshalIndent(config, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String(flagAdminsFile.Name), data, 0644)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
