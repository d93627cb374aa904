package metrics

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spice-ws-proxy/pkg/stats"
)

// Failure reasons recorded by RecordConnectionFailed
const (
	ReasonParseError  = "parse_error"
	ReasonDialTimeout = "dial_timeout"
	ReasonDialError   = "dial_error"
	ReasonDuplicateID = "duplicate_id"
	ReasonRelayError  = "relay_error"
)

type failureKey struct {
	channel string
	reason  string
}

// Collector Prometheus metrics collector
type Collector struct {
	GetActiveConnections func() int

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Connection metrics
	connectionsActive *prometheus.Desc
	connectionsTotal  *prometheus.Desc
	connectionsFailed *prometheus.Desc
	bytesTx           *prometheus.Desc
	bytesRx           *prometheus.Desc
	messagesTx        *prometheus.Desc
	messagesRx        *prometheus.Desc
	durationSeconds   *prometheus.Desc

	// Stats endpoint
	statsSubscribers *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock       sync.RWMutex
	connectionsCount  map[string]float64
	failedCount       map[failureKey]float64
	bytesTxMap        map[string]float64
	bytesRxMap        map[string]float64
	messagesTxMap     map[string]float64
	messagesRxMap     map[string]float64
	durationSum       map[string]float64
	durationCount     map[string]float64
	statsSubscribersN float64
}

// NewCollector creates a new metrics collector
func NewCollector(getActiveConnections func() int) *Collector {
	return &Collector{
		GetActiveConnections: getActiveConnections,
		serverInfo: prometheus.NewDesc(
			"spice_ws_proxy_info",
			"Proxy process info metric (always 1).",
			[]string{"node", "pod"},
			nil,
		),
		connectionsActive: prometheus.NewDesc(
			"spice_ws_proxy_connections_active",
			"Number of relays currently registered",
			[]string{"node", "pod"},
			nil,
		),
		connectionsTotal: prometheus.NewDesc(
			"spice_ws_proxy_connections_total",
			"Total number of completed relays",
			[]string{"channel", "node", "pod"},
			nil,
		),
		connectionsFailed: prometheus.NewDesc(
			"spice_ws_proxy_connections_failed_total",
			"Total number of failed connections by reason",
			[]string{"channel", "reason", "node", "pod"},
			nil,
		),
		bytesTx: prometheus.NewDesc(
			"spice_ws_proxy_bytes_tx_total",
			"Total bytes sent to WebSocket clients",
			[]string{"channel", "node", "pod"},
			nil,
		),
		bytesRx: prometheus.NewDesc(
			"spice_ws_proxy_bytes_rx_total",
			"Total bytes received from WebSocket clients",
			[]string{"channel", "node", "pod"},
			nil,
		),
		messagesTx: prometheus.NewDesc(
			"spice_ws_proxy_messages_tx_total",
			"Total WebSocket messages sent to clients",
			[]string{"channel", "node", "pod"},
			nil,
		),
		messagesRx: prometheus.NewDesc(
			"spice_ws_proxy_messages_rx_total",
			"Total WebSocket messages received from clients",
			[]string{"channel", "node", "pod"},
			nil,
		),
		durationSeconds: prometheus.NewDesc(
			"spice_ws_proxy_connection_duration_seconds",
			"Average relay duration in seconds",
			[]string{"channel", "node", "pod"},
			nil,
		),
		statsSubscribers: prometheus.NewDesc(
			"spice_ws_proxy_stats_subscribers",
			"Number of connected statistics clients",
			[]string{"node", "pod"},
			nil,
		),
		connectionsCount: make(map[string]float64),
		failedCount:      make(map[failureKey]float64),
		bytesTxMap:       make(map[string]float64),
		bytesRxMap:       make(map[string]float64),
		messagesTxMap:    make(map[string]float64),
		messagesRxMap:    make(map[string]float64),
		durationSum:      make(map[string]float64),
		durationCount:    make(map[string]float64),
	}
}

// RecordConnectionFailed records a connection failure by reason (low cardinality).
func (c *Collector) RecordConnectionFailed(channel, reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.failedCount[failureKey{channel: channel, reason: reason}]++
}

// UpdateConnectionMetrics adds the final snapshot of a finished relay
func (c *Collector) UpdateConnectionMetrics(channel string, snap stats.Snapshot) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	c.connectionsCount[channel]++
	c.bytesTxMap[channel] += float64(snap.BytesSent)
	c.bytesRxMap[channel] += float64(snap.BytesReceived)
	c.messagesTxMap[channel] += float64(snap.MessagesSent)
	c.messagesRxMap[channel] += float64(snap.MessagesReceived)
	c.durationSum[channel] += snap.DurationSeconds
	c.durationCount[channel]++
}

// IncStatsSubscribers increments the stats client gauge
func (c *Collector) IncStatsSubscribers() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.statsSubscribersN++
}

// DecStatsSubscribers decrements the stats client gauge
func (c *Collector) DecStatsSubscribers() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if c.statsSubscribersN > 0 {
		c.statsSubscribersN--
	}
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.connectionsActive
	ch <- c.connectionsTotal
	ch <- c.connectionsFailed
	ch <- c.bytesTx
	ch <- c.bytesRx
	ch <- c.messagesTx
	ch <- c.messagesRx
	ch <- c.durationSeconds
	ch <- c.statsSubscribers
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

	ch <- prometheus.MustNewConstMetric(c.serverInfo, prometheus.GaugeValue, 1, nodeName, podName)

	active := 0
	if c.GetActiveConnections != nil {
		active = c.GetActiveConnections()
	}
	ch <- prometheus.MustNewConstMetric(c.connectionsActive, prometheus.GaugeValue, float64(active), nodeName, podName)

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	counters := []struct {
		desc   *prometheus.Desc
		values map[string]float64
	}{
		{c.connectionsTotal, c.connectionsCount},
		{c.bytesTx, c.bytesTxMap},
		{c.bytesRx, c.bytesRxMap},
		{c.messagesTx, c.messagesTxMap},
		{c.messagesRx, c.messagesRxMap},
	}
	for _, counter := range counters {
		for channel, value := range counter.values {
			ch <- prometheus.MustNewConstMetric(counter.desc, prometheus.CounterValue, value, channel, nodeName, podName)
		}
	}

	for key, value := range c.failedCount {
		ch <- prometheus.MustNewConstMetric(c.connectionsFailed, prometheus.CounterValue, value, key.channel, key.reason, nodeName, podName)
	}

	for channel, sum := range c.durationSum {
		if n := c.durationCount[channel]; n > 0 {
			ch <- prometheus.MustNewConstMetric(c.durationSeconds, prometheus.GaugeValue, sum/n, channel, nodeName, podName)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.statsSubscribers, prometheus.GaugeValue, c.statsSubscribersN, nodeName, podName)
}
