package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "packetsender"

var (
	packetsReceivedDesc = prometheus.NewDesc(namespace+"_packets_received_total",
		"Packets received, by transport.", []string{"transport"}, nil)
	packetsSentDesc = prometheus.NewDesc(namespace+"_packets_sent_total",
		"Packets sent, by transport.", []string{"transport"}, nil)
	sendFailuresDesc = prometheus.NewDesc(namespace+"_send_failures_total",
		"Outbound sends that failed.", nil, nil)
	bytesInDesc = prometheus.NewDesc(namespace+"_bytes_received_total",
		"Payload bytes received.", nil, nil)
	bytesOutDesc = prometheus.NewDesc(namespace+"_bytes_sent_total",
		"Payload bytes sent.", nil, nil)
	workersActiveDesc = prometheus.NewDesc(namespace+"_workers_active",
		"Workers and persistent sessions currently registered.", nil, nil)
	workersTotalDesc = prometheus.NewDesc(namespace+"_workers_started_total",
		"Workers and persistent sessions started.", nil, nil)
	repliesSentDesc = prometheus.NewDesc(namespace+"_auto_replies_total",
		"Automatic replies sent.", nil, nil)
	repliesLimitedDesc = prometheus.NewDesc(namespace+"_auto_replies_limited_total",
		"Automatic replies dropped by the rate limit.", nil, nil)
	bindFailuresDesc = prometheus.NewDesc(namespace+"_bind_failures_total",
		"Transports that failed to bind.", nil, nil)
	errorsDesc = prometheus.NewDesc(namespace+"_errors_total",
		"Errors recorded.", nil, nil)
)

// promCollector exports a Collector as Prometheus metrics.
type promCollector struct {
	c *Collector
}

// Prometheus wraps c as a prometheus.Collector for registration with a
// registry.
func Prometheus(c *Collector) prometheus.Collector {
	return promCollector{c: c}
}

func (p promCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		packetsReceivedDesc, packetsSentDesc, sendFailuresDesc, bytesInDesc, bytesOutDesc,
		workersActiveDesc, workersTotalDesc, repliesSentDesc, repliesLimitedDesc,
		bindFailuresDesc, errorsDesc,
	} {
		ch <- d
	}
}

func (p promCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for _, t := range Transports {
		counter(packetsReceivedDesc, s.PacketsReceived[t], t)
		counter(packetsSentDesc, s.PacketsSent[t], t)
	}
	counter(sendFailuresDesc, s.SendFailures)
	counter(bytesInDesc, s.BytesIn)
	counter(bytesOutDesc, s.BytesOut)
	ch <- prometheus.MustNewConstMetric(workersActiveDesc, prometheus.GaugeValue, float64(s.WorkersActive))
	counter(workersTotalDesc, s.WorkersTotal)
	counter(repliesSentDesc, s.RepliesSent)
	counter(repliesLimitedDesc, s.RepliesLimited)
	counter(bindFailuresDesc, s.BindFailures)
	counter(errorsDesc, s.ErrorsTotal)
}
