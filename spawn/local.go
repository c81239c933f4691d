// Package spawn implements get-port(url) collaborator backends (spec.md
// §4.D/§6): the injected function a proctable.Table calls when start()'s
// child argument is a URL string rather than an already-live port.
package spawn

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/procmux/procmux/ipc"
	"go.uber.org/zap"
)

// Local spawns worker binaries as child OS processes on the same machine,
// framing the protocol over their stdio. Grounded on
// agent/process/server.go's readFirstMessageAndStart (exec.Command,
// cmd.Start(), stdio wiring), adapted from piping an arbitrary user command
// to spawning a process-host worker binary specifically.
//
// URLs are of the form "local:///path/to/binary?arg=a&arg=b"; the path
// component names the binary, repeated "arg" query values become its
// argv, matching the teacher's PostCommandRequest shape translated into a
// single URL rather than a JSON body.
type Local struct {
	log *zap.SugaredLogger
	env []string
	wd  string
}

// NewLocal returns a Local backend. env/wd are applied to every spawned
// worker; pass nil/"" to inherit the host process's own environment and
// working directory.
func NewLocal(log *zap.SugaredLogger, env []string, wd string) *Local {
	return &Local{log: log, env: env, wd: wd}
}

// Spawn implements proctable.SpawnFunc.
func (l *Local) Spawn(ctx context.Context, rawURL string) (ipc.Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing worker url %q: %w", rawURL, err)
	}
	if u.Scheme != "local" {
		return nil, fmt.Errorf("spawn.Local: unsupported scheme %q", u.Scheme)
	}
	bin := strings.TrimPrefix(u.Path, "/")
	if bin == "" {
		return nil, fmt.Errorf("spawn.Local: worker url %q names no binary", rawURL)
	}

	return ipc.SpawnWorker(ctx, l.log.Named("worker"), bin, u.Query()["arg"], l.env, l.wd)
}
