package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ruteri/fleet-provisioning-backend/api"
	"github.com/ruteri/fleet-provisioning-backend/claimbundle"
	"github.com/ruteri/fleet-provisioning-backend/cmd/flags"
	"github.com/ruteri/fleet-provisioning-backend/config"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/interfaces"
	"github.com/ruteri/fleet-provisioning-backend/storage"
	"github.com/urfave/cli/v2"
)

var flagOutDir = &cli.StringFlag{
	Name:  "out",
	Value: ".",
	Usage: "directory to write the generated files to",
}

var flagCACommonName = &cli.StringFlag{
	Name:  "common-name",
	Value: "Fleet Provisioning CA",
	Usage: "common name of the CA certificate",
}

var flagRegister = &cli.BoolFlag{
	Name:  "register",
	Usage: "register the claim certificate with the server through the admin API",
}

var flagPublish = &cli.BoolFlag{
	Name:  "publish",
	Usage: "seal the claim bundle to the configured recipients and stage it in the bundle locations",
}

var flagBundleID = &cli.StringFlag{
	Name:     "bundle-id",
	Required: true,
	Usage:    "content id of the sealed bundle",
}

var flagIdentityFile = &cli.StringFlag{
	Name:     "identity-file",
	Required: true,
	Usage:    "file holding the age private key of a bundle recipient",
}

func main() {
	app := &cli.App{
		Name:  "fleetctl",
		Usage: "Operate a fleet provisioning deployment",
		Flags: append([]cli.Flag{
			flags.ConfigFlag,
			flags.AdminAddrFlag,
			flags.LogServiceFlagFn("fleetctl"),
		}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:  "ca",
				Usage: "Manage the fleet CA",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "Create a CA certificate and key as ca.pem and ca.key",
						Flags:  []cli.Flag{flagOutDir, flagCACommonName},
						Action: initCA,
					},
				},
			},
			{
				Name:  "claim",
				Usage: "Manage claim credentials",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "Create a claim credential signed by the fleet CA",
						Flags:  []cli.Flag{flagOutDir, flagRegister, flagPublish},
						Action: createClaim,
					},
					{
						Name:      "revoke",
						Usage:     "Revoke a claim credential fleet-wide",
						ArgsUsage: "<claim id>",
						Action: func(cCtx *cli.Context) error {
							return withID(cCtx, func(ctx context.Context, admin *api.AdminClient, id string) (any, error) {
								return admin.RevokeClaim(ctx, id)
							})
						},
					},
				},
			},
			{
				Name:  "credential",
				Usage: "Manage device credentials",
				Subcommands: []*cli.Command{
					{
						Name:      "revoke",
						Usage:     "Revoke a device credential",
						ArgsUsage: "<credential id>",
						Action: func(cCtx *cli.Context) error {
							return withID(cCtx, func(ctx context.Context, admin *api.AdminClient, id string) (any, error) {
								return admin.RevokeCredential(ctx, id)
							})
						},
					},
				},
			},
			{
				Name:  "thing",
				Usage: "Inspect registered things",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List registered things",
						Action: func(cCtx *cli.Context) error {
							admin := api.NewAdminClient(cCtx.String(flags.AdminAddrFlag.Name))
							things, err := admin.ListThings(cCtx.Context)
							if err != nil {
								return err
							}
							return printJSON(things)
						},
					},
					{
						Name:      "get",
						Usage:     "Show a registered thing",
						ArgsUsage: "<thing name>",
						Action: func(cCtx *cli.Context) error {
							return withID(cCtx, func(ctx context.Context, admin *api.AdminClient, name string) (any, error) {
								return admin.GetThing(ctx, name)
							})
						},
					},
				},
			},
			{
				Name:  "bundle",
				Usage: "Inspect sealed claim bundles",
				Subcommands: []*cli.Command{
					{
						Name:   "open",
						Usage:  "Fetch a sealed bundle from the bundle locations and unpack it",
						Flags:  []cli.Flag{flagOutDir, flagBundleID, flagIdentityFile},
						Action: openBundle,
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "Check the configuration with its templates and policies",
				Action: validate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	return config.Load(cCtx.String(flags.ConfigFlag.Name))
}

func withID(cCtx *cli.Context, fn func(ctx context.Context, admin *api.AdminClient, id string) (any, error)) error {
	if cCtx.NArg() != 1 {
		return fmt.Errorf("expected exactly one argument: %s", cCtx.Command.ArgsUsage)
	}
	admin := api.NewAdminClient(cCtx.String(flags.AdminAddrFlag.Name))
	resp, err := fn(cCtx.Context, admin, cCtx.Args().First())
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func initCA(cCtx *cli.Context) error {
	dir := cCtx.String(flagOutDir.Name)
	certPath, keyPath := filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca.key")
	for _, path := range []string{certPath, keyPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	ca, key, err := cryptoutils.NewCA(cCtx.String(flagCACommonName.Name), 0)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(certPath, ca, 0o644); err != nil {
		return err
	}
	fmt.Println(certPath)
	return nil
}

func createClaim(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}

	ca, caKey, err := cfg.LoadCA()
	if err != nil {
		return err
	}
	claim, keyPEM, err := newClaimCredential(cCtx.Context, ca, caKey, logger)
	if err != nil {
		return err
	}

	dir := cCtx.String(flagOutDir.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, claimbundle.ClaimKeyFile), keyPEM, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, claimbundle.ClaimCertFile), claim.CertificatePEM, 0o644); err != nil {
		return err
	}
	logger.Info("Claim credential created", "claim_id", claim.ID, "dir", dir)

	if cCtx.Bool(flagRegister.Name) {
		admin := api.NewAdminClient(cCtx.String(flags.AdminAddrFlag.Name))
		if _, err := admin.ImportClaim(cCtx.Context, claim.CertificatePEM); err != nil {
			return fmt.Errorf("could not register claim certificate: %w", err)
		}
		logger.Info("Claim credential registered", "claim_id", claim.ID)
	}

	if cCtx.Bool(flagPublish.Name) {
		id, err := publishBundle(cCtx.Context, cfg, claimbundle.Input{
			Claim:         claim,
			PrivateKeyPEM: keyPEM,
			CACert:        ca,
		}, logger)
		if err != nil {
			return err
		}
		fmt.Println(id.String())
	}
	return nil
}

func bundleBackend(cfg *config.Config, factory *storage.StorageBackendFactory) (interfaces.StorageBackend, error) {
	if len(cfg.Bundles.Locations) == 0 {
		return nil, errors.New("bundles.locations is not configured")
	}
	locations, err := config.ParseLocations(cfg.Bundles.Locations)
	if err != nil {
		return nil, err
	}
	return factory.CreateMultiBackend(locations)
}

func openBundle(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return err
	}
	backend, err := bundleBackend(cfg, storage.NewStorageBackendFactory(logger))
	if err != nil {
		return err
	}

	id, err := interfaces.NewContentIDFromHex(cCtx.String(flagBundleID.Name))
	if err != nil {
		return err
	}
	identity, err := os.ReadFile(cCtx.String(flagIdentityFile.Name))
	if err != nil {
		return err
	}
	b, err := claimbundle.Fetch(cCtx.Context, backend, id, string(identity))
	if err != nil {
		return err
	}

	if err := b.WriteFiles(cCtx.String(flagOutDir.Name)); err != nil {
		return err
	}
	return printJSON(b.Manifest)
}
