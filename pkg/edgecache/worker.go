// Package edgecache is the edge cache worker: a transport that sits between
// the application and the network, serving requests from a versioned cache
// when the network cannot.
package edgecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/wurt83ow/offsync/pkg/metrics"
	"go.uber.org/zap"
)

// HeaderCache tells how a response was produced: network, hit, offline or
// shell.
const HeaderCache = "X-Edge-Cache"

type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

// Class is the strategy a request is served with.
type Class string

const (
	ClassPassthrough Class = "passthrough"
	ClassAPI         Class = "api"        // network-first, offline payload
	ClassAsset       Class = "asset"      // cache-first
	ClassNavigation  Class = "navigation" // network-first, shell fallback
)

var (
	ErrNotWaiting     = errors.New("worker is not waiting for activation")
	ErrPrecacheFailed = errors.New("precache failed")
)

type Config struct {
	Version         string
	Origin          *url.URL
	APIPrefix       string
	AssetExtensions []string
	Precache        []string
	ShellDocument   string
}

type Worker struct {
	cfg      Config
	store    *Store
	upstream http.RoundTripper
	exts     map[string]struct{}
	state    atomic.Int32
	logger   *zap.Logger
	metrics  *metrics.Collector
}

type Option func(*Worker)

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(w *Worker) {
		w.metrics = c
	}
}

// NewWorker returns a worker in the installing state. A nil upstream means
// http.DefaultTransport.
func NewWorker(cfg Config, store *Store, upstream http.RoundTripper, opts ...Option) (*Worker, error) {
	if cfg.Version == "" {
		return nil, errors.New("edge cache version is required")
	}
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, errors.New("edge cache origin is required")
	}
	if upstream == nil {
		upstream = http.DefaultTransport
	}
	w := &Worker{
		cfg:      cfg,
		store:    store,
		upstream: upstream,
		exts:     make(map[string]struct{}, len(cfg.AssetExtensions)),
		logger:   zap.NewNop(),
	}
	for _, ext := range cfg.AssetExtensions {
		w.exts[strings.ToLower(ext)] = struct{}{}
	}
	for _, o := range opts {
		o(w)
	}
	w.state.Store(int32(StateInstalling))
	return w, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Version is the generation the worker reads and writes.
func (w *Worker) Version() string {
	return w.cfg.Version
}

// Install precaches the application shell and moves to waiting. Any failed
// fetch makes the worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	if st := w.State(); st != StateInstalling {
		return fmt.Errorf("install in state %s", st)
	}
	paths := w.cfg.Precache
	if w.cfg.ShellDocument != "" && !contains(paths, w.cfg.ShellDocument) {
		paths = append(append([]string(nil), paths...), w.cfg.ShellDocument)
	}

	for _, p := range paths {
		u := w.cfg.Origin.ResolveReference(&url.URL{Path: p})
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			w.state.Store(int32(StateRedundant))
			return fmt.Errorf("%w: %s: %v", ErrPrecacheFailed, p, err)
		}
		resp, err := w.upstream.RoundTrip(req)
		if err != nil {
			w.state.Store(int32(StateRedundant))
			return fmt.Errorf("%w: %s: %v", ErrPrecacheFailed, p, err)
		}
		entry, err := readEntry(resp)
		if err != nil {
			w.state.Store(int32(StateRedundant))
			return fmt.Errorf("%w: %s: %v", ErrPrecacheFailed, p, err)
		}
		if !ok2xx(entry.Status) {
			w.state.Store(int32(StateRedundant))
			return fmt.Errorf("%w: %s: status %d", ErrPrecacheFailed, p, entry.Status)
		}
		if err := w.store.Put(ctx, w.cfg.Version, cacheKey(req), entry); err != nil {
			w.state.Store(int32(StateRedundant))
			return fmt.Errorf("%w: %s: %v", ErrPrecacheFailed, p, err)
		}
	}

	w.state.Store(int32(StateWaiting))
	w.logger.Info("edge worker installed",
		zap.String("version", w.cfg.Version),
		zap.Int("precached", len(paths)),
	)
	return nil
}

// Activate deletes every other generation and starts intercepting.
func (w *Worker) Activate(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateWaiting), int32(StateActivating)) {
		return fmt.Errorf("%w: %s", ErrNotWaiting, w.State())
	}
	purged, err := w.store.PurgeExcept(ctx, w.cfg.Version)
	if err != nil {
		w.state.Store(int32(StateWaiting))
		return fmt.Errorf("activate %s: %w", w.cfg.Version, err)
	}
	w.state.Store(int32(StateActive))
	w.logger.Info("edge worker active",
		zap.String("version", w.cfg.Version),
		zap.Int64("purged", purged),
	)
	return nil
}

// Classify picks the strategy for req.
func (w *Worker) Classify(req *http.Request) Class {
	if w.State() != StateActive || req.Method != http.MethodGet || !w.sameOrigin(req.URL) {
		return ClassPassthrough
	}
	p := req.URL.Path
	if strings.HasPrefix(p, w.cfg.APIPrefix) {
		return ClassAPI
	}
	if _, ok := w.exts[strings.ToLower(path.Ext(p))]; ok {
		return ClassAsset
	}
	return ClassNavigation
}

// RoundTrip implements http.RoundTripper.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	switch class := w.Classify(req); class {
	case ClassAPI:
		return w.networkFirst(req, class, w.offlinePayload)
	case ClassAsset:
		return w.cacheFirst(req)
	case ClassNavigation:
		return w.networkFirst(req, class, w.shellFallback)
	}
	return w.upstream.RoundTrip(req)
}

type fallbackFunc func(req *http.Request, netErr error) (*http.Response, error)

func (w *Worker) networkFirst(req *http.Request, class Class, fallback fallbackFunc) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)

	resp, netErr := w.upstream.RoundTrip(req)
	if netErr == nil {
		entry, err := readEntry(resp)
		if err == nil {
			w.store2xx(ctx, key, entry)
			w.metrics.Edge(string(class), "network")
			return entry.response(req, "network"), nil
		}
		netErr = err
	}

	cached, err := w.store.Match(ctx, w.cfg.Version, key)
	if err != nil {
		w.logger.Error("edge cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if cached != nil {
		w.metrics.Edge(string(class), "hit")
		return cached.response(req, "hit"), nil
	}
	return fallback(req, netErr)
}

func (w *Worker) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cacheKey(req)

	cached, err := w.store.Match(ctx, w.cfg.Version, key)
	if err != nil {
		w.logger.Error("edge cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if cached != nil {
		w.metrics.Edge(string(ClassAsset), "hit")
		return cached.response(req, "hit"), nil
	}

	resp, err := w.upstream.RoundTrip(req)
	if err != nil {
		w.metrics.Edge(string(ClassAsset), "error")
		return nil, err
	}
	entry, err := readEntry(resp)
	if err != nil {
		w.metrics.Edge(string(ClassAsset), "error")
		return nil, err
	}
	w.store2xx(ctx, key, entry)
	w.metrics.Edge(string(ClassAsset), "network")
	return entry.response(req, "network"), nil
}

// offlinePayload synthesizes an empty collection for list endpoints and an
// offline marker for everything else.
func (w *Worker) offlinePayload(req *http.Request, _ error) (*http.Response, error) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, w.cfg.APIPrefix), "/")
	body := []byte(`{"offline":true}`)
	if rest != "" && !strings.Contains(rest, "/") {
		body = []byte(`[]`)
	}
	w.metrics.Edge(string(ClassAPI), "offline")
	e := &Entry{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
	return e.response(req, "offline"), nil
}

func (w *Worker) shellFallback(req *http.Request, netErr error) (*http.Response, error) {
	if isNavigation(req) && w.cfg.ShellDocument != "" {
		u := w.cfg.Origin.ResolveReference(&url.URL{Path: w.cfg.ShellDocument})
		shell, err := w.store.Match(req.Context(), w.cfg.Version, http.MethodGet+" "+u.String())
		if err != nil {
			w.logger.Error("edge cache lookup failed", zap.String("key", u.String()), zap.Error(err))
		}
		if shell != nil {
			w.metrics.Edge(string(ClassNavigation), "shell")
			return shell.response(req, "shell"), nil
		}
	}
	w.metrics.Edge(string(ClassNavigation), "error")
	return nil, netErr
}

func (w *Worker) store2xx(ctx context.Context, key string, e *Entry) {
	if !ok2xx(e.Status) {
		return
	}
	if err := w.store.Put(ctx, w.cfg.Version, key, e); err != nil {
		w.logger.Warn("edge cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.cfg.Origin.Scheme) && strings.EqualFold(u.Host, w.cfg.Origin.Host)
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func ok2xx(status int) bool {
	return status >= 200 && status <= 299
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func readEntry(resp *http.Response) (*Entry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Entry{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func (e *Entry) response(req *http.Request, source string) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set(HeaderCache, source)
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
