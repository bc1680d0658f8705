// Package app wires the offline subsystem together from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/wurt83ow/offsync/pkg/apiclient"
	"github.com/wurt83ow/offsync/pkg/config"
	"github.com/wurt83ow/offsync/pkg/edgecache"
	"github.com/wurt83ow/offsync/pkg/gateway"
	"github.com/wurt83ow/offsync/pkg/kvcache"
	"github.com/wurt83ow/offsync/pkg/localstore"
	"github.com/wurt83ow/offsync/pkg/metrics"
	"github.com/wurt83ow/offsync/pkg/netmon"
	"github.com/wurt83ow/offsync/pkg/resources"
	"github.com/wurt83ow/offsync/pkg/seal"
	"github.com/wurt83ow/offsync/pkg/sqlitedb"
	"github.com/wurt83ow/offsync/pkg/syncengine"
	"github.com/wurt83ow/offsync/pkg/syncinfo"
	"go.uber.org/zap"
)

type App struct {
	Options   *config.Options
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	DB        *sql.DB
	KV        *kvcache.Cache
	Store     *localstore.Store
	Monitor   *netmon.Monitor
	Client    *apiclient.Client
	Engine    *syncengine.Engine
	Gateway   *gateway.Gateway
	Resources *resources.Set
	SyncInfo  *syncinfo.SyncManager

	closers []func()
}

type Option func(*App)

// WithCloser registers fn to run when the app is closed, after the database.
func WithCloser(fn func()) Option {
	return func(a *App) {
		a.closers = append(a.closers, fn)
	}
}

// New opens the device database and builds every component. Close releases
// the database.
func New(opt *config.Options, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Options: opt,
		Logger:  logger,
		Metrics: metrics.NewCollector("offsync"),
	}
	for _, o := range opts {
		o(a)
	}

	db, err := sqlitedb.Open(opt.DBPath())
	if err != nil {
		return nil, err
	}
	a.DB = db

	var kvOpts []kvcache.Option
	if opt.CacheKey != "" {
		salt, err := seal.LoadOrCreateSalt(opt.SaltPath())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("cache salt: %w", err)
		}
		enc, err := seal.NewEnc(opt.CacheKey, salt)
		if err != nil {
			db.Close()
			return nil, err
		}
		kvOpts = append(kvOpts, kvcache.WithCodec(enc))
	}
	a.KV = kvcache.New(db, kvOpts...)
	a.Store = localstore.New(db)

	a.SyncInfo, err = syncinfo.NewSyncManager(opt.SyncInfoPath())
	if err != nil {
		db.Close()
		return nil, err
	}

	a.Monitor = netmon.New(netmon.WithLogger(logger.Named("netmon")))

	a.Client, err = apiclient.NewClient(opt.ServerURL,
		apiclient.WithHTTPClient(&http.Client{Timeout: opt.RequestTimeout}),
		apiclient.WithRequestEditorFn(apiclient.BearerToken),
		apiclient.WithLogger(logger.Named("apiclient")),
		apiclient.WithCircuitBreaker(apiclient.BreakerSettings{
			Name:             "server",
			MaxRequests:      opt.Breaker.MaxRequests,
			Interval:         opt.Breaker.Interval,
			Timeout:          opt.Breaker.Timeout,
			FailureThreshold: opt.Breaker.FailureThreshold,
			MinRequests:      opt.Breaker.MinRequests,
		}),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.Engine = syncengine.New(a.Client, a.Monitor, syncengine.NewQueue(a.KV),
		syncengine.WithLogger(logger.Named("sync")),
		syncengine.WithRetention(opt.QueueRetention),
		syncengine.WithMetrics(a.Metrics),
		syncengine.WithSyncInfo(a.SyncInfo),
	)
	a.Gateway = gateway.New(a.Client, a.Monitor, a.KV,
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithMetrics(a.Metrics),
	)
	a.Resources = resources.NewSet(opt.APIPrefix, a.Engine, a.Gateway, a.Store, logger.Named("resources"))
	return a, nil
}

// Run follows the connectivity signal and drains the queue on every
// reconnect until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.Options.ConnectivityFile == "" {
		stop := a.Engine.Start(ctx)
		defer stop()
		<-ctx.Done()
		return nil
	}

	sig := netmon.NewFileSignal(a.Options.ConnectivityFile, a.Logger.Named("netmon"))
	// The startup drain must see the state the host reports at boot.
	if reachable, ok := sig.Current(); ok {
		a.Monitor.Set(reachable)
	}
	stop := a.Engine.Start(ctx)
	defer stop()

	if err := a.Monitor.Follow(ctx, sig); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// OpenEdge opens the edge cache store and builds an installing worker.
func (a *App) OpenEdge() (*edgecache.Worker, *edgecache.Store, error) {
	origin, err := url.Parse(a.Options.Edge.Origin)
	if err != nil {
		return nil, nil, fmt.Errorf("edge origin: %w", err)
	}
	store, err := edgecache.OpenStore(a.Options.EdgeDBPath())
	if err != nil {
		return nil, nil, err
	}
	w, err := edgecache.NewWorker(edgecache.Config{
		Version:         a.Options.Edge.Version,
		Origin:          origin,
		APIPrefix:       a.Options.APIPrefix,
		AssetExtensions: a.Options.Edge.AssetExtensions,
		Precache:        a.Options.Edge.Precache,
		ShellDocument:   a.Options.Edge.ShellDocument,
	}, store, nil,
		edgecache.WithLogger(a.Logger.Named("edge")),
		edgecache.WithMetrics(a.Metrics),
	)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return w, store, nil
}

func (a *App) Close() error {
	if err := a.Logger.Sync(); err != nil {
		a.Logger.Debug("logger sync", zap.Error(err))
	}
	err := a.DB.Close()
	for _, fn := range a.closers {
		fn()
	}
	return err
}
