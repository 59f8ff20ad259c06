package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_RecordsTransitionsAndTerminals(t *testing.T) {
	c := NewCollectorWithRegisterer(prometheus.NewRegistry())

	c.RecordTransition("WAITING", "RUNNING")
	c.RecordTransition("WAITING", "RUNNING")
	c.RecordTerminal("FINISHED", 3*time.Second)
	c.RecordPhaseDiagnostic("Unknown")
	c.SetDispatchBacklog(4)
	c.RecordWorkerPoolStatus(2, 1, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("WAITING", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.terminal.WithLabelValues("FINISHED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.phaseDiagnostics.WithLabelValues("Unknown")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.dispatchBacklog))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workerPoolIdle))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerPoolBusy))
}

func TestCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollectorWithRegisterer(prometheus.NewRegistry())
		NewCollectorWithRegisterer(prometheus.NewRegistry())
	})
}
