// Command procmux-worker is what spawn.Local/spawn.Docker/spawn.AWS
// exec/launch to back a start() call: it is itself a small process host,
// adopting exactly one root connection -- its own stdio for spawn.Local,
// or the first TCP connection accepted on --listen-addr for spawn.Docker
// and spawn.AWS -- and serving the core process-lifecycle API over it, so
// a worker can itself parent further descendants.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/procmux/procmux/host"
	"github.com/procmux/procmux/ipc"
	"github.com/procmux/procmux/spawn"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "procmux-worker",
		Usage: "adopts one root connection and serves the process-lifecycle API over it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "If set, accept the root connection over TCP instead of this process's own stdio.",
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			sugared := logger.Sugar()

			local := spawn.NewLocal(sugared, nil, "")
			h, err := host.New(local.Spawn, host.WithLogger(sugared))
			if err != nil {
				return fmt.Errorf("building host: %w", err)
			}

			var target ipc.Target
			if addr := ctx.String("listen-addr"); addr != "" {
				target, err = acceptOne(addr)
				if err != nil {
					return err
				}
			} else {
				target = ipc.NewStdioTarget(os.Stdin, os.Stdout)
			}

			pid, err := h.Adopt(context.Background(), target)
			if err != nil {
				return fmt.Errorf("adopting root connection: %w", err)
			}
			sugared.Infow("worker adopted root connection", "PID", pid)

			ch, err := h.Table().Channel(pid)
			if err != nil {
				return fmt.Errorf("looking up root channel: %w", err)
			}
			<-ch.Done()
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// acceptOne listens on addr and returns a Target wrapping the first
// connection, then stops listening -- a worker serves exactly one root
// connection for its lifetime, matching spawn.Docker/spawn.AWS's
// one-container-one-instance-per-start() model.
func acceptOne(addr string) (ipc.Target, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	conn, err := l.Accept()
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("accepting root connection: %w", err)
	}
	_ = l.Close()
	return ipc.NewPipeTarget(conn), nil
}
