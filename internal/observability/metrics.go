package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotrack_tcp_connections_total",
		Help: "Total de conexiones TCP aceptadas",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotrack_tcp_connections_active",
		Help: "Conexiones TCP abiertas en este momento",
	})
	AcceptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotrack_accept_errors_total",
		Help: "Errores de accept en el listener TCP",
	})
	ReadTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotrack_read_timeouts_total",
		Help: "Conexiones cerradas por inactividad",
	})
	PacketsRecv = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotrack_packets_received_total",
		Help: "Status decodificados por transporte",
	}, []string{"transport"})
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotrack_decode_errors_total",
		Help: "Frames o datagramas rechazados por transporte",
	}, []string{"transport"})
	StorageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geotrack_storage_errors_total",
		Help: "Errores devueltos por el motor de almacenamiento",
	})
	DispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotrack_dispatch_requests_total",
		Help: "Peticiones procesadas por el actor de almacenamiento",
	}, []string{"kind"})
	MailboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "geotrack_mailbox_depth",
		Help: "Peticiones en cola del actor de almacenamiento",
	})
	ForwardDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotrack_forward_dropped_total",
		Help: "Status descartados por cola de reenvío llena",
	}, []string{"forwarder"})
	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geotrack_forward_errors_total",
		Help: "Errores al reenviar status",
	}, []string{"forwarder"})
	PersistLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "geotrack_persist_latency_seconds",
		Help:    "Latencia de escritura por status",
		Buckets: prometheus.DefBuckets,
	})
)

func ObservePersistLatency(start time.Time) {
	PersistLatency.Observe(time.Since(start).Seconds())
}

// NewMetricsMux serves /metrics and /healthz.
func NewMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs an HTTP server on addr until ctx ends.
func Serve(ctx context.Context, addr string, h http.Handler, lg *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// StartMetricsServer serves the metrics mux on addr until ctx ends.
func StartMetricsServer(ctx context.Context, addr string, lg *slog.Logger) error {
	return Serve(ctx, addr, NewMetricsMux(), lg.With("component", "metrics"))
}
