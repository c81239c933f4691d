// Package host implements the process host: the server side that owns a
// proctable.Table, accepts /connect handshakes, and installs each process's
// bound API server on its root channel (spec.md §4.E / SPEC_FULL.md Module E).
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/procmux/procmux/ipc"
	"github.com/procmux/procmux/proctable"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// HostAPI is the injected external-collaborator extension point (spec.md
// §6): a table of additional, non-core calls installed alongside the
// process-lifecycle calls for every pid. root is that process's root
// channel, needed by collaborators that install property.Server-backed
// calls (trackN subscribes a sub-channel looked up off the root).
// Attempting to shadow a core name panics, per ipc.CallTable.Merge.
type HostAPI func(pid proctable.PID, root *ipc.Channel) ipc.CallTable

// Host wraps a proctable.Table, an httprouter.Router serving the /connect
// handshake, and the per-pid API assembly. Grounded on agent.NodeAgent's
// shape (agent/agent.go): functional-options construction, a wrapped
// http.Server, an optional heartbeat sweep.
type Host struct {
	log     *zap.SugaredLogger
	table   *proctable.Table
	spawn   proctable.SpawnFunc
	hostAPI HostAPI

	listenAddr string
	caCertPEM  []byte
	certPEM    []byte
	keyPEM     []byte

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	httpServer *http.Server

	mu        sync.Mutex
	lastSeen  map[proctable.PID]time.Time
	closed    chan struct{}
	addr      net.Addr
	addrReady chan struct{}
}

// Option configures a Host. Grounded on agent.Option's functional-options
// style (agent/agent.go).
type Option func(*Host)

// WithLogger overrides the host's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(h *Host) { h.log = l }
}

// WithListenAddr sets the HTTP listen address (default "0.0.0.0:8080",
// matching agent.NodeAgent's default).
func WithListenAddr(addr string) Option {
	return func(h *Host) { h.listenAddr = addr }
}

// WithHostAPI installs the external-collaborator table merged into every
// process's API assembly.
func WithHostAPI(api HostAPI) Option {
	return func(h *Host) { h.hostAPI = api }
}

// WithTLS runs the listener behind mTLS using the given CA/cert/key PEMs,
// matching agent.NodeAgent's transport-security posture for deployments
// where workers are untrusted OS processes rather than same-machine
// goroutines (SPEC_FULL.md's supplemented mTLS option).
func WithTLS(caCertPEM, certPEM, keyPEM []byte) Option {
	return func(h *Host) {
		h.caCertPEM = caCertPEM
		h.certPEM = certPEM
		h.keyPEM = keyPEM
	}
}

// WithHeartbeat enables the liveness sweep: any process that hasn't had a
// frame cross its root channel within timeout is exited, catching
// half-open transports that never posted a close frame (SPEC_FULL.md's
// supplemented heartbeat feature, grounded on
// agent.NodeAgent.startHeartbeatCheck).
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(h *Host) {
		h.heartbeatInterval = interval
		h.heartbeatTimeout = timeout
	}
}

// New constructs a Host. spawn backs every start() call whose child is a URL
// string rather than an already-live port.
func New(spawn proctable.SpawnFunc, opts ...Option) (*Host, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building default logger: %w", err)
	}
	h := &Host{
		log:        logger.Named("host").Sugar(),
		spawn:      spawn,
		listenAddr: "0.0.0.0:8080",
		lastSeen:   make(map[proctable.PID]time.Time),
		closed:     make(chan struct{}),
		addrReady:  make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.table = proctable.New(h.log)
	return h, nil
}

// Run starts the HTTP listener and, if configured, the heartbeat sweep. It
// blocks until Stop is called.
func (h *Host) Run() error {
	if h.heartbeatInterval > 0 {
		h.startHeartbeatSweep()
	}

	tcpListener, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	h.mu.Lock()
	h.addr = tcpListener.Addr()
	h.mu.Unlock()
	close(h.addrReady)

	router := httprouter.New()
	router.GET("/connect", h.connect)

	server := &http.Server{Handler: router}
	h.httpServer = server

	var listener net.Listener = tcpListener
	if h.certPEM != nil {
		tlsConfig, err := ServerTLSConfig(h.caCertPEM, h.certPEM, h.keyPEM)
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(tcpListener, tlsConfig)
	}

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the HTTP listener, ending Run.
func (h *Host) Stop() error {
	close(h.closed)
	if h.httpServer == nil {
		return nil
	}
	return h.httpServer.Close()
}

// Table returns the underlying process table, for tests and for embedders
// that need direct table access (e.g. cmd/worker looking up the root
// channel it adopted).
func (h *Host) Table() *proctable.Table { return h.table }

// Addr blocks until Run's listener is bound, then returns its address.
// Lets tests start a Host on an ephemeral "127.0.0.1:0" port and discover
// which one the OS actually picked.
func (h *Host) Addr() net.Addr {
	<-h.addrReady
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr
}

// connect is the /connect handshake endpoint: upgrade to a websocket, treat
// the resulting port as a new process's root port, and install its bound
// API server. Grounded on agent.NodeAgent.connect's accept-and-wrap shape
// (agent/agent.go), translated from "proxy raw bytes" to "adopt as an ipc
// root channel."
func (h *Host) connect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.log.Debugw("connect websocket accept error", "Error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	target := ipc.NewWSTarget(h.log, conn)
	if _, err := h.Adopt(r.Context(), target); err != nil {
		h.log.Debugw("starting root process", "Error", err)
		_ = target.Close()
	}
}

// Adopt treats target as a new process's root port: it starts a
// proctable row for it and installs its bound API server, exactly as
// connect does for a websocket upgrade. Exported for transports that
// never go through /connect at all -- a worker binary's own stdio (see
// spawn.Local) or a raw TCP accept (see spawn.Docker/spawn.AWS's worker
// side), both of which already have a live Target with no HTTP handshake
// to perform.
func (h *Host) Adopt(ctx context.Context, target ipc.Target) (proctable.PID, error) {
	pid, ch, err := h.table.Start(ctx, h.spawn, target, nil, h.installAPI)
	if err != nil {
		return 0, err
	}
	h.log.Infow("process connected", "PID", pid)

	// If the transport dies without a close frame, the table row would
	// otherwise linger forever; exit it as soon as the root channel tears
	// down. The heartbeat sweep below is a second line of defense for
	// transports that go silent without actually closing.
	go func() {
		<-ch.Done()
		if err := h.table.Exit(pid); err != nil && !errors.Is(err, ipc.ErrNotFound) {
			h.log.Debugw("exiting process after transport teardown", "PID", pid, "Error", err)
		}
	}()
	return pid, nil
}

// installAPI builds and installs pid's bound API server: the core
// process-lifecycle table merged with the HostAPI collaborator table, if
// any. Returns the cancel closure ipc.MakeServer hands back, wrapped to
// also drop pid from the heartbeat tracker.
func (h *Host) installAPI(pid proctable.PID, ch *ipc.Channel) func() {
	table := h.coreAPITable(pid)
	if h.hostAPI != nil {
		table = table.Merge(h.hostAPI(pid, ch))
	}

	h.touch(pid)
	ch.OnFrame(func(ipc.Frame) { h.touch(pid) })
	cancel := ipc.MakeServer(h.log.Named(fmt.Sprintf("api.%d", pid)), ch, table, false)

	return func() {
		cancel()
		h.mu.Lock()
		delete(h.lastSeen, pid)
		h.mu.Unlock()
	}
}

func (h *Host) touch(pid proctable.PID) {
	h.mu.Lock()
	h.lastSeen[pid] = time.Now()
	h.mu.Unlock()
}
