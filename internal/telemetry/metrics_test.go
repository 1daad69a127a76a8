package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(feedFailures.WithLabelValues("trades"))
	RecordFeedFailure("trades")
	assert.Equal(t, before+1, testutil.ToFloat64(feedFailures.WithLabelValues("trades")))

	beforeRing := testutil.ToFloat64(ringsDetected.WithLabelValues("multi_account", "high"))
	RecordRing("multi_account", "high")
	assert.Equal(t, beforeRing+1, testutil.ToFloat64(ringsDetected.WithLabelValues("multi_account", "high")))

	beforeDropped := testutil.ToFloat64(droppedEdges)
	beforeSkipped := testutil.ToFloat64(skippedRecords)
	RecordBuild(2, 3)
	assert.Equal(t, beforeDropped+2, testutil.ToFloat64(droppedEdges))
	assert.Equal(t, beforeSkipped+3, testutil.ToFloat64(skippedRecords))

	beforeDup := testutil.ToFloat64(ringsSkipped)
	RecordSkippedRings(4)
	assert.Equal(t, beforeDup+4, testutil.ToFloat64(ringsSkipped))
}

func TestHTTPMetrics(t *testing.T) {
	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/rings", "4xx"))
	RecordHTTP("GET", "/rings", 404, 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/rings", "4xx")))
	ObservePhase("build", time.Millisecond)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(200))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(400))
	assert.Equal(t, "5xx", statusClass(503))
}
