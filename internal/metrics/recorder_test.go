package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveBuildDuration(time.Second)
	r.IncBuildOutcome(OutcomeSuccess)
	r.AddEnqueued(3)
	r.SetQueueDepth(1, 2)
	r.IncSyncResult(SyncOK)
	r.ObserveSyncDuration(time.Second)
}

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder(prom.NewRegistry())

	r.IncBuildOutcome(OutcomeSuccess)
	r.IncBuildOutcome(OutcomeSuccess)
	r.IncBuildOutcome(OutcomeFailure)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.buildOutcome.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.buildOutcome.WithLabelValues("failure")))

	r.AddEnqueued(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(r.enqueued))

	r.SetQueueDepth(7, 2)
	assert.Equal(t, 7.0, testutil.ToFloat64(r.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.queueFailed))

	r.IncSyncResult(SyncError)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.syncResults.WithLabelValues("error")))
}
