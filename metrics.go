package sipkit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports transaction and dialog gauges of one endpoint.
type Metrics struct {
	clientTx prometheus.GaugeFunc
	serverTx prometheus.GaugeFunc
	dialogs  prometheus.GaugeFunc
}

// RegisterMetrics registers live gauges for the user agent on reg.
// Dialog counters are polled from the optional dialog handles.
func RegisterMetrics(reg prometheus.Registerer, ua *UserAgent, ds *DialogServer, dc *DialogClient) *Metrics {
	m := &Metrics{
		clientTx: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "client_active",
			Help:      "Number of live client transactions",
		}, func() float64 {
			return float64(ua.tx.ClientTxCount())
		}),
		serverTx: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "transaction",
			Name:      "server_active",
			Help:      "Number of live server transactions",
		}, func() float64 {
			return float64(ua.tx.ServerTxCount())
		}),
		dialogs: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Number of live dialogs",
		}, func() float64 {
			n := 0
			if ds != nil {
				n += ds.Len()
			}
			if dc != nil {
				n += dc.Len()
			}
			return float64(n)
		}),
	}

	reg.MustRegister(m.clientTx, m.serverTx, m.dialogs)
	return m
}
