// Package wsnet implements the provider capability surface over websocket
// transport: endpoints are websocket connections carrying binary frames,
// listeners are HTTP servers upgrading at a fixed path, and the tagged /
// stream channels are multiplexed through a one-byte frame kind. Network
// goroutines never touch worker state directly -- everything funnels into
// an event queue the runtime drains from Progress, preserving the
// single-threaded callback discipline the engine is built on.
package wsnet

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/webitel/conn-runtime/internal/provider"
)

const (
	defaultUpgradePath   = "/ws"
	defaultInlineSendMax = 8 << 10
	defaultSendQueue     = 1024
	defaultDialTimeout   = 10 * time.Second

	resolveCacheSize = 256
	resolveCacheTTL  = time.Minute
)

// Option tunes a wsnet context.
type Option func(*Context)

// WithLogger sets the transport logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Context) { c.log = log }
}

// WithUpgradePath sets the HTTP path listeners upgrade on.
func WithUpgradePath(path string) Option {
	return func(c *Context) { c.upgradePath = path }
}

// WithInlineSendMax sets the largest payload a send completes
// synchronously; larger sends return a request that completes once the
// frame was written out.
func WithInlineSendMax(n int) Option {
	return func(c *Context) { c.inlineSendMax = n }
}

// WithDialTimeout bounds a single websocket dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Context) { c.dialTimeout = d }
}

// Context implements provider.Context.
type Context struct {
	params provider.ContextParams
	log    *slog.Logger

	upgradePath   string
	inlineSendMax int
	sendQueue     int
	dialTimeout   time.Duration

	// resolved keeps recently resolved dial addresses hot so reconnect
	// storms do not hammer the resolver.
	resolved *lru.LRU[string, string]
}

// NewContext validates the feature mask and builds a transport context.
// Tag and stream are required; the optional wakeup/rma/amo hints are
// accepted and unimplemented.
func NewContext(params provider.ContextParams, opts ...Option) (*Context, error) {
	const required = provider.FeatureTag | provider.FeatureStream
	if params.Features&required != required {
		return nil, fmt.Errorf("wsnet: tag and stream features are required")
	}
	if params.RequestInit == nil {
		return nil, fmt.Errorf("wsnet: request init hook is required")
	}
	c := &Context{
		params:        params,
		log:           slog.Default(),
		upgradePath:   defaultUpgradePath,
		inlineSendMax: defaultInlineSendMax,
		sendQueue:     defaultSendQueue,
		dialTimeout:   defaultDialTimeout,
		resolved:      lru.NewLRU[string, string](resolveCacheSize, nil, resolveCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Context) Query() provider.ContextAttr {
	return provider.ContextAttr{Features: provider.FeatureTag | provider.FeatureStream}
}

func (c *Context) WorkerCreate() (provider.Worker, error) {
	return newWorker(c), nil
}

func (c *Context) Cleanup() {}

// resolveAddr turns a host:port into a dialable address, cache-aside.
func (c *Context) resolveAddr(addr string) (string, error) {
	if cached, ok := c.resolved.Get(addr); ok {
		return cached, nil
	}
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return "", err
	}
	resolved := tcp.String()
	c.resolved.Add(addr, resolved)
	return resolved, nil
}
