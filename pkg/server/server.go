package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kv-proxy/pkg/config"
	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/metrics"
	"github.com/kv-proxy/pkg/proxy"
	"github.com/kv-proxy/pkg/routing"
	"github.com/kv-proxy/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// NewProxyServer creates a new proxy server for the given backends.
// shutdown is invoked after a client QUIT once the grace delay has passed.
func NewProxyServer(cfg *config.Config, backends []*types.Backend, shutdown func()) *ProxyServer {
	registry := prometheus.NewRegistry()
	keys := routing.NewKeyRegistry()

	forwarder := proxy.NewForwarder(cfg.GetConnectTimeout(), cfg.GetReadTimeout())
	detector := proxy.NewDetector(cfg.GetDetectConnectTimeout(), cfg.GetDetectReadTimeout())
	if cfg.Discovery.Parallelism > 0 {
		detector.Parallelism = cfg.Discovery.Parallelism
	}

	collector := metrics.NewCollector(
		func() []*types.Backend { return backends },
		keys.CountByBackend,
	)
	registry.MustRegister(collector)

	forwarder.OnResult = func(addr string, transport types.Transport, r proxy.Result) {
		collector.RecordForward(addr, transport.String(), r.Outcome.String(), r.Elapsed)
	}

	router := NewRouter(keys, backends, forwarder, cfg.GetQuitGrace(), shutdown)
	router.collector = collector

	stream := NewStreamListener(cfg.ListenAddr(), router)
	if d := cfg.GetDrainTimeout(); d > 0 {
		stream.DrainTimeout = d
	}

	return &ProxyServer{
		cfg:       cfg,
		backends:  backends,
		keys:      keys,
		detector:  detector,
		forwarder: forwarder,
		router:    router,
		registry:  registry,
		collector: collector,
		stream:    stream,
		datagram:  NewDatagramListener(cfg.ListenAddr(), router),
	}
}

// Router returns the request router shared by both listeners.
func (s *ProxyServer) Router() *Router {
	return s.router
}

// Keys returns the key registry.
func (s *ProxyServer) Keys() *routing.KeyRegistry {
	return s.keys
}

// Discover detects backend transports and fills the key registry. It must
// run before Serve.
func (s *ProxyServer) Discover(ctx context.Context) []routing.DiscoveryReport {
	reports := routing.NewDiscoverer(s.keys, s.detector, s.forwarder).DiscoverAll(ctx, s.backends)
	for _, rep := range reports {
		if rep.Err != nil {
			s.collector.RecordDiscoveryError(rep.Backend.HostPort())
		}
	}
	s.keys.LogKeysTable()
	return reports
}

// Listen binds both client listeners so bind errors surface before Serve.
func (s *ProxyServer) Listen() error {
	if err := s.stream.Listen(); err != nil {
		return err
	}
	return s.datagram.Listen()
}

// Serve runs both client listeners, and the metrics endpoint when
// configured, until ctx is done or a listener fails. A metrics endpoint
// failure is logged and does not stop the listeners.
func (s *ProxyServer) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.stream.Serve(ctx)
	})
	g.Go(func() error {
		return s.datagram.Serve(ctx)
	})
	if s.cfg.Metrics.ListenAddress != "" {
		g.Go(func() error {
			if err := s.StartMetricsServer(ctx, s.cfg.Metrics.ListenAddress, s.cfg.Metrics.TelemetryPath); err != nil {
				logging.Errorf("[listen] metrics server failed, continuing without it: %v", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// MetricsHandler returns the HTTP handler for metrics, health and index pages.
func (s *ProxyServer) MetricsHandler(metricsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.keys.Frozen() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("discovering"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>KV Proxy Exporter</title></head>
<body>
<h1>KV Proxy Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})
	return mux
}

// StartMetricsServer starts the metrics server and stops it when ctx is done.
func (s *ProxyServer) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           s.MetricsHandler(metricsPath),
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
