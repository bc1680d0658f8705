package edgecache

import (
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"
)

// NewProxy serves the application origin through w. Requests arriving at the
// proxy are rewritten to the origin, so they are same-origin for the worker.
func NewProxy(w *Worker, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := w.cfg.Origin
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.SetXForwarded()
		},
		Transport: w,
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("edge proxy request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			http.Error(rw, "origin unavailable", http.StatusBadGateway)
		},
	}
}
