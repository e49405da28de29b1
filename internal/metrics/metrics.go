package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msgsync"

// Poll kinds and results used as label values.
const (
	KindConversations = "conversations"
	KindMessages      = "messages"

	ResultOK      = "ok"
	ResultError   = "error"
	ResultStale   = "stale"
	ResultSkipped = "skipped"
)

type Metrics struct {
	Polls     *prometheus.CounterVec
	Sends     *prometheus.CounterVec
	Deletions *prometheus.CounterVec
	Unread    prometheus.Gauge
}

// New creates the sync engine collectors and registers them on reg. A nil reg leaves the
// collectors unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Poll fetches by kind and result.",
		}, []string{"kind", "result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Remote send attempts by result.",
		}, []string{"result"}),
		Deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletions_total",
			Help:      "Conversation deletions by remote call result.",
		}, []string{"remote"}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_total",
			Help:      "Current aggregate unread badge value.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Polls, m.Sends, m.Deletions, m.Unread)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}

func (m *Metrics) Poll(kind, result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(result).Inc()
}

func (m *Metrics) Deletion(remote string) {
	if m == nil {
		return
	}
	m.Deletions.WithLabelValues(remote).Inc()
}

func (m *Metrics) SetUnread(total int) {
	if m == nil {
		return
	}
	m.Unread.Set(float64(total))
}
