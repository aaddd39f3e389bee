package monitor

import (
	"io"
	"net/http"
	"time"
)

type netMetrics struct {
	egress  *rateAccumulator
	ingress *rateAccumulator

	egressPeers  *rateAccumulatorGroup
	ingressPeers *rateAccumulatorGroup
}

func newNetMetrics() *netMetrics {
	return &netMetrics{
		egress:       newRateAccumulator(`egress`, ``),
		ingress:      newRateAccumulator(`ingress`, ``),
		egressPeers:  newRateAccumulatorGroup(`egress`),
		ingressPeers: newRateAccumulatorGroup(`ingress`),
	}
}

var defaultMetrics = newNetMetrics()

// Egress records n bytes sent to peer.
func Egress(n int64, peer string) {
	defaultMetrics.egress.a.Add(n)
	defaultMetrics.egressPeers.getOrCreate(peer).a.Add(n)
}

// Ingress records n bytes received from peer.
func Ingress(n int64, peer string) {
	defaultMetrics.ingress.a.Add(n)
	defaultMetrics.ingressPeers.getOrCreate(peer).a.Add(n)
}

func (m *netMetrics) update(p time.Duration) {
	m.egress.r.update(p)
	m.ingress.r.update(p)
	m.egressPeers.update(p)
	m.ingressPeers.update(p)
}

func (m *netMetrics) WriteTo(w io.Writer) {
	m.egress.WriteTo(w)
	m.egressPeers.WriteTo(w)
	m.ingress.WriteTo(w)
	m.ingressPeers.WriteTo(w)
}

// WriteTo dumps all counters in text exposition format.
func WriteTo(w io.Writer) {
	defaultMetrics.WriteTo(w)
}

// StartServer periodically refreshes rates and serves the counters over HTTP
// at /metrics.
func StartServer(addr string, period time.Duration) error {
	go func() {
		tick := time.NewTicker(period)
		defer tick.Stop()
		for range tick.C {
			defaultMetrics.update(period)
		}
	}()
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		defaultMetrics.WriteTo(w)
	})
	return http.ListenAndServe(addr, mux)
}
