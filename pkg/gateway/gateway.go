// Package gateway is the read path: it serves resource collections from the
// server when reachable and from the last-known-good snapshot otherwise.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wurt83ow/offsync/pkg/apiclient"
	"github.com/wurt83ow/offsync/pkg/kvcache"
	"github.com/wurt83ow/offsync/pkg/metrics"
	"go.uber.org/zap"
)

// ErrStorage wraps failures of the snapshot store.
var ErrStorage = errors.New("gateway storage failure")

// ErrMalformedResponse is returned when the server answered 2xx with a body
// that is not JSON.
var ErrMalformedResponse = errors.New("malformed response")

// Source tells where a read was served from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceDefault Source = "default"
)

type Fetcher interface {
	Do(ctx context.Context, verb, endpoint string, body []byte, reqEditors ...apiclient.RequestEditorFn) (*apiclient.Response, error)
}

type Connectivity interface {
	IsOffline() bool
}

type Gateway struct {
	client  Fetcher
	net     Connectivity
	kv      *kvcache.Cache
	logger  *zap.Logger
	metrics *metrics.Collector
}

type Option func(*Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) {
		g.metrics = c
	}
}

func New(client Fetcher, net Connectivity, kv *kvcache.Cache, opts ...Option) *Gateway {
	g := &Gateway{
		client: client,
		net:    net,
		kv:     kv,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SnapshotPrefix namespaces gateway snapshots inside the shared KV cache so
// a cache key can never collide with the write queue.
const SnapshotPrefix = "snapshot:"

// SnapshotKey is the KV key the snapshot for cacheKey is stored under.
func SnapshotKey(cacheKey string) string {
	return SnapshotPrefix + cacheKey
}

// ReadRaw returns the JSON payload for endpoint. A nil payload with
// SourceDefault means nothing was fetched or cached.
func (g *Gateway) ReadRaw(ctx context.Context, endpoint, cacheKey string) (json.RawMessage, Source, error) {
	return g.read(ctx, endpoint, cacheKey, nil)
}

// read fetches endpoint and stores the body as the new snapshot. When accept
// is set, a fresh body it rejects is treated as malformed and never stored.
func (g *Gateway) read(ctx context.Context, endpoint, cacheKey string, accept func([]byte) error) (json.RawMessage, Source, error) {
	log := g.logger.With(zap.String("endpoint", endpoint), zap.String("key", cacheKey))
	key := SnapshotKey(cacheKey)

	if g.net.IsOffline() {
		log.Debug("offline, serving snapshot")
		return g.fromCache(ctx, key)
	}

	resp, err := g.client.Do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		if apiclient.IsConnectivityError(err) {
			log.Info("server unreachable, serving snapshot", zap.Error(err))
			return g.fromCache(ctx, key)
		}
		log.Warn("read failed", zap.Error(err))
		return nil, "", err
	}
	if !json.Valid(resp.Body) {
		log.Warn("server returned malformed body")
		return nil, "", fmt.Errorf("%w: GET %s", ErrMalformedResponse, endpoint)
	}
	if accept != nil {
		if err := accept(resp.Body); err != nil {
			log.Warn("server returned unexpected payload", zap.Error(err))
			return nil, "", fmt.Errorf("%w: GET %s: %v", ErrMalformedResponse, endpoint, err)
		}
	}

	if err := g.kv.Set(ctx, key, resp.Body); err != nil {
		// The fresh value is still correct; only the snapshot is stale.
		log.Error("cannot store snapshot", zap.Error(err))
	}
	g.metrics.Read(string(SourceNetwork))
	return json.RawMessage(resp.Body), SourceNetwork, nil
}

func (g *Gateway) fromCache(ctx context.Context, cacheKey string) (json.RawMessage, Source, error) {
	raw, found, err := g.kv.Get(ctx, cacheKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !found {
		g.metrics.Read(string(SourceDefault))
		return nil, SourceDefault, nil
	}
	g.metrics.Read(string(SourceCache))
	return json.RawMessage(raw), SourceCache, nil
}

// Read decodes the payload for endpoint into T, returning def when there is
// neither a fresh nor a cached value.
func Read[T any](ctx context.Context, g *Gateway, endpoint, cacheKey string, def T) (T, error) {
	v, _, err := ReadWithSource(ctx, g, endpoint, cacheKey, def)
	return v, err
}

// ReadWithSource is Read that also reports where the value came from. A
// fresh payload that does not decode into T leaves the snapshot untouched.
func ReadWithSource[T any](ctx context.Context, g *Gateway, endpoint, cacheKey string, def T) (T, Source, error) {
	var fresh T
	raw, src, err := g.read(ctx, endpoint, cacheKey, func(b []byte) error {
		return json.Unmarshal(b, &fresh)
	})
	if err != nil {
		return def, "", err
	}
	switch src {
	case SourceDefault:
		return def, src, nil
	case SourceNetwork:
		return fresh, src, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return def, "", fmt.Errorf("%w: %w: %v", ErrStorage, kvcache.ErrCorrupt, err)
	}
	return v, src, nil
}
