package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jsoncodecpkg "github.com/drblury/eventflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

const (
	defaultInspectPort  = 8081
	httpShutdownTimeout = 5 * time.Second
)

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with StartHTTPServers.
func (d *Dispatcher) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	d.httpServersMu.Lock()
	defer d.httpServersMu.Unlock()

	if d.httpServers == nil {
		d.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := d.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		d.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// StartHTTPServers serves every registered port until ctx is cancelled.
func (d *Dispatcher) StartHTTPServers(ctx context.Context) {
	d.httpServersMu.Lock()
	defer d.httpServersMu.Unlock()

	for port, mux := range d.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		d.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	d.httpServers = nil
}

// EnableInspectAPI mounts /api/handlers on the inspect port when the
// configuration turns it on.
func (d *Dispatcher) EnableInspectAPI() {
	if !d.Conf.InspectEnabled {
		return
	}

	d.RegisterHTTPHandler(d.inspectPort(), "/api/handlers", http.HandlerFunc(d.handleGetHandlers))
}

func (d *Dispatcher) inspectPort() int {
	if d.Conf.InspectPort == 0 {
		return defaultInspectPort
	}
	return d.Conf.InspectPort
}

func (d *Dispatcher) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(d.Conf.InspectCORSAllowedOrigins) > 0 {
		if allowed := d.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodecpkg.Encode(w, d.Handlers()); err != nil {
		d.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (d *Dispatcher) allowedCORSOrigin(origin string) string {
	for _, allowed := range d.Conf.InspectCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
