package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TopGunBuild/socket-sub001/ws"
)

const maxPublishBody = 1 << 20

// daemon wires the socket server into an HTTP router.
type daemon struct {
	cfg      *FileConfig
	server   *ws.Server
	registry *prometheus.Registry
	logger   *slog.Logger
}

func newDaemon(cfg *FileConfig, logger *slog.Logger) (*daemon, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	scfg, err := cfg.serverConfig()
	if err != nil {
		return nil, err
	}
	scfg.Logger = logger
	scfg.MetricsRegisterer = registry

	server, err := ws.New(scfg)
	if err != nil {
		return nil, err
	}
	return &daemon{cfg: cfg, server: server, registry: registry, logger: logger}, nil
}

func (d *daemon) router() http.Handler {
	r := mux.NewRouter()
	r.Handle(d.cfg.Path, d.server)
	if d.cfg.MetricsPath != "" {
		r.Handle(d.cfg.MetricsPath, promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", d.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/publish/{channel}", d.handlePublish).Methods(http.MethodPost)
	return r
}

func (d *daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": d.server.ClientsCount(),
		"pending": d.server.PendingClientsCount(),
	})
}

// handlePublish publishes the JSON request body to a channel.
func (d *daemon) handlePublish(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var data any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			http.Error(w, "body must be JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := d.server.Exchange().Publish(channel, data); err != nil {
		d.logger.Warn("http publish failed", "channel", channel, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func run(ctx context.Context, cfg *FileConfig) error {
	logger := setupLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: d.router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("socketd listening", "addr", cfg.Addr, "path", cfg.Path, "metrics", cfg.MetricsPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	d.server.CloseSockets(shutdownCtx)
	return httpServer.Shutdown(shutdownCtx)
}

// originChecker allows requests whose Origin host is in origins. "*" allows
// every origin; requests without an Origin header are always allowed.
func originChecker(origins []string) ws.CheckOriginFn {
	if slices.Contains(origins, "*") {
		return ws.AllOrigins()
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(hostOf(o))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(hostOf(origin))]
		return ok
	}
}

func hostOf(origin string) string {
	if i := strings.Index(origin, "://"); i >= 0 {
		origin = origin[i+3:]
	}
	return strings.TrimSuffix(origin, "/")
}
