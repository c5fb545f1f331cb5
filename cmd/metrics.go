package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"packetsender/internal/core"
	"packetsender/internal/metrics"
	"packetsender/util"
)

// statusReport is the body of GET /status.
type statusReport struct {
	UDPPort int              `json:"udp_port"`
	TCPPort int              `json:"tcp_port"`
	SSLPort int              `json:"ssl_port"`
	Workers []core.Handle    `json:"workers"`
	Metrics metrics.Snapshot `json:"metrics"`
}

func newRouter(e *core.Engine, mc *metrics.Collector) *mux.Router {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Prometheus(mc))

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, statusReport{
			UDPPort: e.UDPPort(),
			TCPPort: e.TCPPort(),
			SSLPort: e.SSLPort(),
			Workers: e.Registry().Handles(),
			Metrics: mc.Snapshot(),
		})
	}).Methods(http.MethodGet)
	r.HandleFunc("/workers/{handle}", func(w http.ResponseWriter, req *http.Request) {
		h := core.Handle(mux.Vars(req)["handle"])
		if _, ok := e.Registry().Get(h); !ok {
			http.Error(w, "no such worker", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"handle": string(h), "state": "running"})
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// serveMetrics exposes the router on addr until stop is called.
func serveMetrics(addr string, h http.Handler, logger *util.Logger) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server: %v", err)
		}
	}()
	logger.Info("metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx) //nolint:errcheck
	}, nil
}
