package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/wurt83ow/offsync/pkg/app"
	"github.com/wurt83ow/offsync/pkg/edgecache"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge cache proxy and drain the write queue on reconnect",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w, store, err := a.OpenEdge()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := w.Install(ctx); err != nil {
			// A redundant worker passes every request through.
			a.Logger.Error("edge worker install failed", zap.Error(err))
		} else if err := w.Activate(ctx); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              a.Options.Edge.ListenAddr,
			Handler:           newRouter(a, w),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 2)
		go func() { errCh <- a.Run(ctx) }()
		go func() {
			a.Logger.Info("serving", zap.String("addr", srv.Addr), zap.String("origin", a.Options.Edge.Origin))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		if a.Options.MetricsAddr != "" {
			go func() {
				err := http.ListenAndServe(a.Options.MetricsAddr, a.Metrics.Handler())
				a.Logger.Warn("metrics listener stopped", zap.Error(err))
			}()
		}

		select {
		case <-ctx.Done():
		case err = <-errCh:
			stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.Logger.Warn("shutdown", zap.Error(serr))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newRouter mounts the operator endpoints under /_offsync and proxies
// everything else to the application origin through the edge worker.
func newRouter(a *app.App, w *edgecache.Worker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/_offsync", func(r chi.Router) {
		r.Handle("/metrics", a.Metrics.Handler())
		r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
			rw.WriteHeader(http.StatusOK)
			_, _ = rw.Write([]byte("ok"))
		})
		r.Get("/status", func(rw http.ResponseWriter, req *http.Request) {
			pending, err := a.Engine.Pending(req.Context())
			if err != nil {
				writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{
				"online":   !a.Monitor.IsOffline(),
				"pending":  len(pending),
				"lastSync": a.SyncInfo.GetSyncInfo(),
				"edge": map[string]string{
					"version": w.Version(),
					"state":   w.State().String(),
				},
			})
		})
		r.Post("/drain", func(rw http.ResponseWriter, req *http.Request) {
			rep, err := a.Engine.Drain(req.Context())
			if err != nil {
				writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, rep)
		})
	})

	r.Handle("/*", edgecache.NewProxy(w, a.Logger.Named("edge")))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
