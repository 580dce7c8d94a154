package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/socialbus/internal/runtime/jsoncodec"
	"github.com/drblury/socialbus/internal/runtime/logging"
)

// registerHTTPHandler mounts handler on the server for port. Ports shared
// by several endpoints get one server.
func (b *Bus) registerHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpMu.Lock()
	defer b.httpMu.Unlock()

	if b.httpMuxes == nil {
		b.httpMuxes = make(map[int]*http.ServeMux)
	}
	mux, ok := b.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpMuxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (b *Bus) startHTTPServers() error {
	if b.conf.MetricsEnabled && b.conf.MetricsPort > 0 {
		b.registerHTTPHandler(b.conf.MetricsPort, "/metrics", promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{}))
	}
	if b.conf.IntrospectionEnabled && b.conf.IntrospectionPort > 0 {
		b.registerHTTPHandler(b.conf.IntrospectionPort, "/api/handlers", http.HandlerFunc(b.handleGetHandlers))
		b.registerHTTPHandler(b.conf.IntrospectionPort, "/api/consumers", http.HandlerFunc(b.handleGetConsumers))
	}

	b.httpMu.Lock()
	defer b.httpMu.Unlock()

	for port, mux := range b.httpMuxes {
		addr := fmt.Sprintf(":%d", port)
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			b.closeHTTPServersLocked()
			return fmt.Errorf("listen on %s: %w", addr, err)
		}

		server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		b.httpServers = append(b.httpServers, server)
		b.logger.Info("Starting HTTP server", logging.LogFields{"address": addr})
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.logger.Error("HTTP server stopped", err, logging.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

func (b *Bus) closeHTTPServersLocked() {
	for _, server := range b.httpServers {
		_ = server.Close()
	}
	b.httpServers = nil
}

func (b *Bus) stopHTTPServers(ctx context.Context) error {
	b.httpMu.Lock()
	defer b.httpMu.Unlock()

	var errs []error
	for _, server := range b.httpServers {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP server: %w", err))
		}
	}
	b.httpServers = nil
	return errors.Join(errs...)
}

func (b *Bus) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, b.Handlers())
}

func (b *Bus) handleGetConsumers(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, b.Consumers())
}

func (b *Bus) writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	w.Header().Set("Content-Type", "application/json")

	if origin := b.allowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to encode introspection response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (b *Bus) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range b.conf.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
