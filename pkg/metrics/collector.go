package metrics

import (
	"os"
	"sync"
	"time"

	"github.com/kv-proxy/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

type requestKey struct {
	verb      string
	transport string
}

type forwardKey struct {
	backend   string
	transport string
	outcome   string
}

// Collector Prometheus metrics collector
type Collector struct {
	GetBackends      func() []*types.Backend
	GetKeysByBackend func() map[string]int

	// Info metric (always 1)
	proxyInfo *prometheus.Desc

	// Routing table metrics
	keysTotal    *prometheus.Desc
	backendInfo  *prometheus.Desc
	backendKeys  *prometheus.Desc
	discoveryErr *prometheus.Desc

	// Client request metrics
	requestsTotal   *prometheus.Desc
	requestsInvalid *prometheus.Desc
	requestLatency  *prometheus.Desc

	// Backend forwarding metrics
	forwardsTotal  *prometheus.Desc
	forwardLatency *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock      sync.RWMutex
	requestsCount    map[requestKey]float64
	requestsNA       map[requestKey]float64
	requestLatSum    map[requestKey]float64
	forwardsCount    map[forwardKey]float64
	forwardLatSum    map[string]float64
	forwardLatCount  map[string]float64
	discoveryErrByBk map[string]float64
}

// NewCollector creates a new metrics collector
func NewCollector(getBackends func() []*types.Backend, getKeysByBackend func() map[string]int) *Collector {
	return &Collector{
		GetBackends:      getBackends,
		GetKeysByBackend: getKeysByBackend,
		proxyInfo: prometheus.NewDesc(
			"kv_proxy_info",
			"Proxy process info metric (always 1).",
			[]string{"node", "pod"},
			nil,
		),
		keysTotal: prometheus.NewDesc(
			"kv_proxy_keys_total",
			"Number of keys in the routing table",
			[]string{"node", "pod"},
			nil,
		),
		backendInfo: prometheus.NewDesc(
			"kv_proxy_backend_info",
			"Configured backend and its detected transport (always 1)",
			[]string{"backend", "transport", "node", "pod"},
			nil,
		),
		backendKeys: prometheus.NewDesc(
			"kv_proxy_backend_keys",
			"Number of routed keys owned by a backend",
			[]string{"backend", "node", "pod"},
			nil,
		),
		discoveryErr: prometheus.NewDesc(
			"kv_proxy_discovery_errors_total",
			"Backends that contributed no keys during discovery",
			[]string{"backend", "node", "pod"},
			nil,
		),
		requestsTotal: prometheus.NewDesc(
			"kv_proxy_requests_total",
			"Total number of client requests",
			[]string{"verb", "transport", "node", "pod"},
			nil,
		),
		requestsInvalid: prometheus.NewDesc(
			"kv_proxy_requests_na_total",
			"Total number of client requests answered with NA",
			[]string{"verb", "transport", "node", "pod"},
			nil,
		),
		requestLatency: prometheus.NewDesc(
			"kv_proxy_request_latency_seconds",
			"Average client request latency in seconds",
			[]string{"verb", "transport", "node", "pod"},
			nil,
		),
		forwardsTotal: prometheus.NewDesc(
			"kv_proxy_forwards_total",
			"Total number of commands forwarded to backends by outcome",
			[]string{"backend", "transport", "outcome", "node", "pod"},
			nil,
		),
		forwardLatency: prometheus.NewDesc(
			"kv_proxy_forward_latency_seconds",
			"Average backend round-trip latency in seconds",
			[]string{"backend", "node", "pod"},
			nil,
		),
		requestsCount:    make(map[requestKey]float64),
		requestsNA:       make(map[requestKey]float64),
		requestLatSum:    make(map[requestKey]float64),
		forwardsCount:    make(map[forwardKey]float64),
		forwardLatSum:    make(map[string]float64),
		forwardLatCount:  make(map[string]float64),
		discoveryErrByBk: make(map[string]float64),
	}
}

// RecordRequest records one client request.
func (c *Collector) RecordRequest(verb, transport string, na bool, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	key := requestKey{verb: verb, transport: transport}
	c.requestsCount[key]++
	c.requestLatSum[key] += duration.Seconds()
	if na {
		c.requestsNA[key]++
	}
}

// RecordForward records one backend exchange.
func (c *Collector) RecordForward(backend, transport, outcome string, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.forwardsCount[forwardKey{backend: backend, transport: transport, outcome: outcome}]++
	c.forwardLatSum[backend] += duration.Seconds()
	c.forwardLatCount[backend]++
}

// RecordDiscoveryError records a backend that contributed no keys.
func (c *Collector) RecordDiscoveryError(backend string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.discoveryErrByBk[backend]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.proxyInfo
	ch <- c.keysTotal
	ch <- c.backendInfo
	ch <- c.backendKeys
	ch <- c.discoveryErr
	ch <- c.requestsTotal
	ch <- c.requestsInvalid
	ch <- c.requestLatency
	ch <- c.forwardsTotal
	ch <- c.forwardLatency
}

func nodeAndPod() (string, string) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}
	return nodeName, podName
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName, podName := nodeAndPod()

	ch <- prometheus.MustNewConstMetric(c.proxyInfo, prometheus.GaugeValue, 1, nodeName, podName)

	keysByBackend := map[string]int{}
	if c.GetKeysByBackend != nil {
		keysByBackend = c.GetKeysByBackend()
	}
	total := 0
	for _, n := range keysByBackend {
		total += n
	}
	ch <- prometheus.MustNewConstMetric(c.keysTotal, prometheus.GaugeValue, float64(total), nodeName, podName)

	if c.GetBackends != nil {
		for _, b := range c.GetBackends() {
			addr := b.HostPort()
			ch <- prometheus.MustNewConstMetric(
				c.backendInfo,
				prometheus.GaugeValue,
				1,
				addr, b.Transport().String(), nodeName, podName,
			)
			ch <- prometheus.MustNewConstMetric(
				c.backendKeys,
				prometheus.GaugeValue,
				float64(keysByBackend[addr]),
				addr, nodeName, podName,
			)
		}
	}

	// Collect metrics from counters
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for backend, value := range c.discoveryErrByBk {
		ch <- prometheus.MustNewConstMetric(c.discoveryErr, prometheus.CounterValue, value, backend, nodeName, podName)
	}

	for key, value := range c.requestsCount {
		ch <- prometheus.MustNewConstMetric(
			c.requestsTotal,
			prometheus.CounterValue,
			value,
			key.verb, key.transport, nodeName, podName,
		)
		if value > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.requestLatency,
				prometheus.GaugeValue,
				c.requestLatSum[key]/value,
				key.verb, key.transport, nodeName, podName,
			)
		}
	}

	for key, value := range c.requestsNA {
		ch <- prometheus.MustNewConstMetric(
			c.requestsInvalid,
			prometheus.CounterValue,
			value,
			key.verb, key.transport, nodeName, podName,
		)
	}

	for key, value := range c.forwardsCount {
		ch <- prometheus.MustNewConstMetric(
			c.forwardsTotal,
			prometheus.CounterValue,
			value,
			key.backend, key.transport, key.outcome, nodeName, podName,
		)
	}

	for backend, sum := range c.forwardLatSum {
		if n := c.forwardLatCount[backend]; n > 0 {
			ch <- prometheus.MustNewConstMetric(
				c.forwardLatency,
				prometheus.GaugeValue,
				sum/n,
				backend, nodeName, podName,
			)
		}
	}
}
