package monitor

import (
	"bytes"
	"testing"
)

func Test_rateAccumulator(t *testing.T) {
	var b bytes.Buffer
	nm := newNetMetrics()
	nm.egress.a.Add(3)
	nm.ingress.a.Add(2)
	nm.WriteTo(&b)
	const want = `egress_total_bytes 3
egress_rate_bytes_per_sec 0.000000
ingress_total_bytes 2
ingress_rate_bytes_per_sec 0.000000
`
	if got := b.String(); got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}

func Test_rateUpdate(t *testing.T) {
	a := newAccumulator(`n`)
	r := newRate(a, `n_rate`)
	a.Add(1000)
	r.update(1e9)
	if r.value != 1000 {
		t.Errorf("want rate 1000, got %f", r.value)
	}
}
