package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CommandHandled("configure", nil)
	m.CommandHandled("configure", nil)
	m.CommandHandled("capture-init", errors.New("boom"))
	m.AlertPublished("configure")
	m.SetActiveProducts(3)
	m.SensorUpdate(UpdateStored)
	m.ObservePortalCall("subscribe", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("configure", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("capture-init", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("configure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeProducts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sensorUpdates.WithLabelValues(UpdateStored)))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.CommandHandled("configure", nil)
	m.AlertPublished("configure")
	m.SetActiveProducts(1)
	m.SensorUpdate(UpdateDiscarded)
	m.ObservePortalCall("subscribe", time.Now())
}
