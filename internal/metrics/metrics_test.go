package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGateDecisionsTotal_Labels(t *testing.T) {
	before := testutil.ToFloat64(GateDecisionsTotal.WithLabelValues("login", "RATE_LIMITED"))
	GateDecisionsTotal.WithLabelValues("login", "RATE_LIMITED").Inc()

	if got := testutil.ToFloat64(GateDecisionsTotal.WithLabelValues("login", "RATE_LIMITED")); got != before+1 {
		t.Errorf("got %v, want %v", got, before+1)
	}
}

func TestSweepsSkippedTotal_Increments(t *testing.T) {
	before := testutil.ToFloat64(SweepsSkippedTotal)
	SweepsSkippedTotal.Inc()

	if got := testutil.ToFloat64(SweepsSkippedTotal); got != before+1 {
		t.Errorf("got %v, want %v", got, before+1)
	}
}
