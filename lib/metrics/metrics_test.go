package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEviction(t *testing.T) {
	WorkersEvictedTotal.Reset()
	WorkersConnected.Set(3)

	RecordEviction(ReasonTimeout)
	RecordEviction(ReasonTimeout)
	RecordEviction(ReasonSendFailure)

	if got := testutil.ToFloat64(WorkersConnected); got != 0 {
		t.Errorf("Expected connected gauge 0, got %f", got)
	}
	if got := testutil.ToFloat64(WorkersEvictedTotal.WithLabelValues(ReasonTimeout)); got != 2 {
		t.Errorf("Expected 2 timeout evictions, got %f", got)
	}
	if got := testutil.ToFloat64(WorkersEvictedTotal.WithLabelValues(ReasonSendFailure)); got != 1 {
		t.Errorf("Expected 1 send failure eviction, got %f", got)
	}
}

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()

	RecordRequest(true, 0.02)
	RecordRequest(false, 0)

	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("Expected 1 success, got %f", got)
	}
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("failure")); got != 1 {
		t.Errorf("Expected 1 failure, got %f", got)
	}
}
