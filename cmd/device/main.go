package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/fleet-provisioning-backend/api"
	"github.com/ruteri/fleet-provisioning-backend/claimbundle"
	"github.com/ruteri/fleet-provisioning-backend/cmd/flags"
	"github.com/ruteri/fleet-provisioning-backend/cryptoutils"
	"github.com/ruteri/fleet-provisioning-backend/deviceutils"
	"github.com/ruteri/fleet-provisioning-backend/policy"
	"github.com/ruteri/fleet-provisioning-backend/provisioning"
	"github.com/urfave/cli/v2"
)

const srvScheme = "srv://"

var cliFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "serial",
		Required: true,
		Usage:    "serial number of the device, used as client id and SerialNumber parameter",
	},
	&cli.StringFlag{
		Name:  "bundle",
		Usage: "sealed claim bundle to provision with",
	},
	&cli.StringFlag{
		Name:  "identity-file",
		Usage: "age private key opening the sealed bundle",
	},
	&cli.StringFlag{
		Name:  "claim-cert",
		Usage: "claim certificate, when not using a bundle",
	},
	&cli.StringFlag{
		Name:  "claim-key",
		Usage: "claim private key, when not using a bundle",
	},
	&cli.StringFlag{
		Name:  "ca-cert",
		Usage: "fleet CA certificate, when not using a bundle",
	},
	&cli.StringFlag{
		Name:  "endpoint",
		Usage: "registration server URL or srv://<name>, overrides the bundle endpoint",
	},
	&cli.StringFlag{
		Name:  "template",
		Usage: "provisioning template name, overrides the bundle template",
	},
	&cli.StringFlag{
		Name:  "resolver",
		Value: deviceutils.DefaultResolverAddr,
		Usage: "DNS resolver used for srv:// endpoints",
	},
	&cli.StringFlag{
		Name:  "format",
		Value: provisioning.FormatJSON,
		Usage: "payload format of the registration topics (json or cbor)",
	},
	&cli.BoolFlag{
		Name:  "csr",
		Usage: "keep the private key on the device and send a certificate request",
	},
	&cli.StringSliceFlag{
		Name:  "param",
		Usage: "additional template parameter as key=value",
	},
	&cli.StringFlag{
		Name:  "out",
		Value: ".",
		Usage: "directory to write the device certificate and configuration to",
	},
	&cli.StringFlag{
		Name:  "check-connect",
		Usage: "after registration, ask whether the new certificate may connect as this client id",
	},
}

// claimMaterial is what a device needs before it can register.
type claimMaterial struct {
	cert         cryptoutils.TLSCert
	key          cryptoutils.Privkey
	ca           cryptoutils.CACert
	endpoint     string
	templateName string
}

func main() {
	app := &cli.App{
		Name:  "device",
		Usage: "Register a device with the fleet using its claim credential",
		Flags: append(append(cliFlags, flags.LogServiceFlagFn("device")), flags.LogFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			ctx := cCtx.Context

			claim, err := loadClaim(cCtx)
			if err != nil {
				return err
			}
			params, err := parseParams(cCtx.StringSlice("param"))
			if err != nil {
				return err
			}
			params["SerialNumber"] = cCtx.String("serial")

			claimCert, err := tls.X509KeyPair(claim.cert, claim.key)
			if err != nil {
				return fmt.Errorf("could not load claim credential: %w", err)
			}
			roots, err := claim.ca.CertPool()
			if err != nil {
				return err
			}

			servers, err := resolveServers(ctx, claim.endpoint, cCtx.String("resolver"))
			if err != nil {
				return err
			}

			var (
				res    *deviceutils.Result
				server string
			)
			for _, server = range servers {
				p := &deviceutils.Provisioner{
					Provider:     api.NewDeviceClient(server, claimCert, roots),
					ClientID:     cCtx.String("serial"),
					TemplateName: claim.templateName,
					Format:       cCtx.String("format"),
					UseCSR:       cCtx.Bool("csr"),
					Parameters:   params,
					Log:          logger.With("server", server),
				}
				res, err = p.Do(ctx)
				if err == nil || api.IsRejected(err) {
					break
				}
				logger.Warn("Registration server unreachable", "server", server, "err", err)
			}
			if err != nil {
				return err
			}

			if err := res.WriteFiles(cCtx.String("out")); err != nil {
				return err
			}
			logger.Info("Device registered", "thing", res.ThingName, "certificate_id", res.CertificateID, "out", cCtx.String("out"))

			if clientID := cCtx.String("check-connect"); clientID != "" {
				return checkConnect(ctx, logger, server, res, roots, clientID)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadClaim(cCtx *cli.Context) (*claimMaterial, error) {
	var claim claimMaterial
	if path := cCtx.String("bundle"); path != "" {
		if cCtx.String("identity-file") == "" {
			return nil, errors.New("--identity-file is required with --bundle")
		}
		sealed, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		identity, err := os.ReadFile(cCtx.String("identity-file"))
		if err != nil {
			return nil, err
		}
		b, err := claimbundle.Open(sealed, string(identity))
		if err != nil {
			return nil, err
		}
		claim = claimMaterial{
			cert:         b.CertificatePEM,
			key:          b.PrivateKeyPEM,
			ca:           b.CACert,
			endpoint:     b.Manifest.Endpoint,
			templateName: b.Manifest.TemplateName,
		}
	} else {
		var files [3][]byte
		for i, name := range []string{"claim-cert", "claim-key", "ca-cert"} {
			path := cCtx.String(name)
			if path == "" {
				return nil, fmt.Errorf("--%s is required without --bundle", name)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			files[i] = data
		}
		claim = claimMaterial{cert: files[0], key: files[1], ca: files[2]}
	}

	if endpoint := cCtx.String("endpoint"); endpoint != "" {
		claim.endpoint = endpoint
	}
	if name := cCtx.String("template"); name != "" {
		claim.templateName = name
	}
	if claim.endpoint == "" || claim.templateName == "" {
		return nil, errors.New("no endpoint or template name, pass --endpoint and --template")
	}
	return &claim, nil
}

// resolveServers expands srv:// endpoints into the advertised servers in
// preference order.
func resolveServers(ctx context.Context, endpoint, resolverAddr string) ([]string, error) {
	name, ok := strings.CutPrefix(endpoint, srvScheme)
	if !ok {
		return []string{endpoint}, nil
	}
	endpoints, err := deviceutils.ResolveEndpoints(ctx, name, resolverAddr)
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		servers = append(servers, e.URL())
	}
	return servers, nil
}

func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs)+1)
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

// checkConnect presents the freshly issued certificate to the server and
// reports whether its policies allow connecting as clientID.
func checkConnect(ctx context.Context, logger *slog.Logger, server string, res *deviceutils.Result, roots *x509.CertPool, clientID string) error {
	deviceCert, err := tls.X509KeyPair(res.CertificatePEM, res.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("could not load device credential: %w", err)
	}
	client := api.NewDeviceClient(server, deviceCert, roots)
	resp, err := client.Authorize(ctx, api.AuthorizeRequest{Action: policy.ActionConnect, Resource: clientID})
	if err != nil {
		return err
	}
	logger.Info("Connect check", "client_id", clientID, "decision", resp.Decision, "thing", resp.ThingName)
	if !resp.Allowed {
		return fmt.Errorf("device may not connect as %s: %s", clientID, resp.Decision)
	}
	return nil
}
