// Package client implements the process host's client surface (spec.md
// §4.F / SPEC_FULL.md Module F): connect to a host, introspect its `help`
// list, and synthesize a callable proxy with reactive properties.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/procmux/procmux/ipc"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Option configures Connect. Grounded on agent.ClientOption's functional-
// options style (agent/client.go).
type Option func(*config)

type config struct {
	logger         *zap.SugaredLogger
	sync           bool
	dialRetryMax   int
	customizeRetry func(*retryablehttp.Client)
}

// WithLogger overrides the client's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithSync makes every call in-band rather than sub-channel, matching
// ipc.MakeServer's sync flag (spec.md §4.B).
func WithSync(sync bool) Option {
	return func(c *config) { c.sync = sync }
}

// WithCustomizeRetryableClient exposes the underlying retryablehttp.Client
// used for the initial handshake dial, mirroring
// agent.WithCustomizeRetryableClient.
func WithCustomizeRetryableClient(f func(*retryablehttp.Client)) Option {
	return func(c *config) { c.customizeRetry = f }
}

// Client is the synthesized proxy object: every call the host advertised via
// help() is invocable through Call, and every discovered property is
// reactive through Property/SetProperty.
type Client struct {
	log  *zap.SugaredLogger
	root *ipc.Channel
	sync bool

	names      []string
	properties map[string]*trackedProperty
}

type logAdapter struct{ *zap.SugaredLogger }

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Connect dials target's /connect handshake endpoint via a retryable HTTP
// client (matching agent.Client's connection-robustness posture -- retries
// apply only to establishing the handshake, never to individual RPCs, which
// would violate their at-most-once semantics), upgrades to a websocket,
// performs the help RPC, and runs property discovery before returning.
func Connect(ctx context.Context, target string, opts ...Option) (*Client, error) {
	cfg := &config{dialRetryMax: 10}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger == nil {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building default logger: %w", err)
		}
		cfg.logger = l.Named("procmux_client").Sugar()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.dialRetryMax
	retryClient.Logger = &logAdapter{cfg.logger}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 50 * time.Millisecond
	}
	if cfg.customizeRetry != nil {
		cfg.customizeRetry(retryClient)
	}
	httpClient := retryClient.StandardClient()

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("dialing process host: %w", err)
	}

	root := ipc.New(cfg.logger.Named("conn"), ipc.NewWSTarget(cfg.logger, conn))

	names, err := ipc.Help(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("help introspection: %w", err)
	}

	props, err := discoverProperties(ctx, root, names)
	if err != nil {
		return nil, fmt.Errorf("discovering properties: %w", err)
	}

	return &Client{
		log:        cfg.logger,
		root:       root,
		sync:       cfg.sync,
		names:      names,
		properties: props,
	}, nil
}

// Names returns the call names the host advertised.
func (c *Client) Names() []string { return c.names }

// Call invokes name with args, using the sub-channel discipline unless the
// client was constructed with WithSync(true).
func (c *Client) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	if c.sync {
		return ipc.CallInBand(ctx, c.root, name, args...)
	}
	return ipc.Call(ctx, c.root, name, args...)
}

// Property returns the raw cached value of a discovered property, or
// (nil, false) if no such property was discovered.
func (c *Client) Property(name string) (json.RawMessage, bool) {
	p, ok := c.properties[name]
	if !ok {
		return nil, false
	}
	return p.Raw(), true
}

// SetProperty writes v to a writable discovered property.
func (c *Client) SetProperty(ctx context.Context, name string, v any) error {
	p, ok := c.properties[name]
	if !ok {
		return fmt.Errorf("no such property: %s", name)
	}
	return p.Set(ctx, v)
}

// Close tears down the underlying root connection.
func (c *Client) Close() error {
	return c.root.Close()
}
