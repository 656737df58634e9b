package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ---------------------------------------------------------------------------
// Metric registration sanity checks — verify every exported metric is properly
// registered and carries the expected fully-qualified name.
//
// We check registration via Describe() rather than DefaultGatherer.Gather()
// because Gather() only returns series that have been observed at least once;
// *Vec metrics with no label combinations yet used are silently absent from
// Gather output even though they are correctly registered.
// ---------------------------------------------------------------------------

func TestMetrics_AllRegistered(t *testing.T) {
	type describer interface {
		Describe(chan<- *prometheus.Desc)
	}

	cases := []struct {
		name string
		c    describer
	}{
		{"http_requests_total", HTTPRequestsTotal},
		{"http_request_duration_seconds", HTTPRequestDuration},
		{"audit_chain_appends_total", ChainAppendsTotal},
		{"audit_chain_append_conflicts_total", ChainAppendConflictsTotal},
		{"audit_chain_append_duration_seconds", ChainAppendDuration},
		{"audit_chain_verifications_total", ChainVerificationsTotal},
		{"audit_chain_broken_tenants", ChainBrokenTenants},
		{"audit_chain_verification_sweep_duration_seconds", ChainVerificationSweepDuration},
		{"audit_shipper_errors_total", ShipperErrorsTotal},
		{"audit_archives_total", ArchivesTotal},
		{"audit_stream_subscribers", StreamSubscribers},
		{"background_goroutine_panics_total", BackgroundPanicsTotal},
		{"db_open_connections", DBOpenConnections},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 10)
			tc.c.Describe(ch)
			close(ch)
			for desc := range ch {
				if strings.Contains(desc.String(), `"`+tc.name+`"`) {
					return // found — test passes
				}
			}
			t.Errorf("metric %q: Describe() returned no descriptor with this fqName", tc.name)
		})
	}
}

func TestMetrics_HTTPRequestsTotal_CanBeIncremented(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/test", "status": "200"}
	before := counterValue(t, HTTPRequestsTotal, labels)
	HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()
	after := counterValue(t, HTTPRequestsTotal, labels)
	if after-before < 1 {
		t.Errorf("HTTPRequestsTotal.Inc() did not increase counter (before=%.0f after=%.0f)", before, after)
	}
}

func TestMetrics_ChainAppendsTotal_CanBeIncremented(t *testing.T) {
	before := counterValue(t, ChainAppendsTotal, prometheus.Labels{"outcome": "ok"})
	ChainAppendsTotal.WithLabelValues("ok").Inc()
	after := counterValue(t, ChainAppendsTotal, prometheus.Labels{"outcome": "ok"})
	if after-before < 1 {
		t.Errorf("ChainAppendsTotal.Inc() did not increase counter")
	}
}

func TestMetrics_ChainAppendConflicts_CanBeIncremented(t *testing.T) {
	before := plainCounterValue(t, ChainAppendConflictsTotal)
	ChainAppendConflictsTotal.Inc()
	after := plainCounterValue(t, ChainAppendConflictsTotal)
	if after-before < 1 {
		t.Errorf("ChainAppendConflictsTotal.Inc() did not increase counter")
	}
}

func TestMetrics_Histograms_CanBeObserved(t *testing.T) {
	ChainAppendDuration.Observe(0.002)
	ChainVerificationSweepDuration.Observe(1.5)
	// If no panic, the histograms are functioning.
}

func TestMetrics_Gauges_CanBeSet(t *testing.T) {
	ChainBrokenTenants.Set(0)
	StreamSubscribers.Set(0)
	DBOpenConnections.Set(5)
	DBOpenConnections.Set(0) // reset to neutral value
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// counterValue reads the current value of a CounterVec for the given label set.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labels prometheus.Labels) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 20)
	cv.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		if labelsMatch(dm.GetLabel(), labels) {
			return dm.GetCounter().GetValue()
		}
	}
	return 0
}

// plainCounterValue reads the value of a plain (non-vec) Counter.
func plainCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		return dm.GetCounter().GetValue()
	}
	return 0
}

// labelsMatch returns true when all entries in want appear in got.
func labelsMatch(got []*dto.LabelPair, want prometheus.Labels) bool {
	for k, v := range want {
		found := false
		for _, lp := range got {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
