package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/procmux/procmux/host"
	"github.com/procmux/procmux/host/demoapi"
	"github.com/procmux/procmux/spawn"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "procmux-host",
		Usage: "the process host: RPC transport, property protocol, and process table over a websocket handshake",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:  "worker-bin",
				Usage: "Path to the procmux-worker binary. Not read by this command: local:// urls name their binary in the url path.",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration a process may go silent before it is exited. 0 disables the sweep.",
				Value: "0s",
			},
			&cli.StringFlag{
				Name:  "ca-cert-pem",
				Usage: "The CA cert PEM bytes to use (base64-encoded).",
			},
			&cli.StringFlag{
				Name:  "cert-pem",
				Usage: "The cert PEM bytes to use (base64-encoded). Omit to serve plaintext.",
			},
			&cli.StringFlag{
				Name:  "key-pem",
				Usage: "The key PEM bytes to use (base64-encoded).",
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			sugared := logger.Sugar()

			heartbeatTimeout, err := time.ParseDuration(ctx.String("heartbeat-timeout"))
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}

			local := spawn.NewLocal(sugared, nil, "")

			opts := []host.Option{
				host.WithLogger(sugared),
				host.WithListenAddr(ctx.String("listen-addr")),
				host.WithHostAPI(demoapi.New(sugared)),
			}
			if heartbeatTimeout > 0 {
				opts = append(opts, host.WithHeartbeat(heartbeatTimeout/2, heartbeatTimeout))
			}

			if ctx.String("cert-pem") != "" {
				caCertPEM, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
				if err != nil {
					return fmt.Errorf("decoding CA cert PEM: %w", err)
				}
				certPEM, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
				if err != nil {
					return fmt.Errorf("decoding cert PEM: %w", err)
				}
				keyPEM, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
				if err != nil {
					return fmt.Errorf("decoding key PEM: %w", err)
				}
				opts = append(opts, host.WithTLS(caCertPEM, certPEM, keyPEM))
			}

			h, err := host.New(local.Spawn, opts...)
			if err != nil {
				return fmt.Errorf("building host: %w", err)
			}

			if err := h.Run(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
