package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.OnlineUsers(3)
	m.ActiveCalls(1)
	m.FrameRouted("ping")
	m.FrameRouted("ping")
	m.FrameDropped("unknown_type")
	m.CallFinished("ended", "hangup")
	m.NotificationPushed("new_message", false)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.onlineUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeCalls))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesRouted.WithLabelValues("ping")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsFinished.WithLabelValues("ended", "hangup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("new_message", "false")))

	routed, dropped := m.Frames()
	assert.Equal(t, uint64(2), routed)
	assert.Equal(t, uint64(1), dropped)

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 6, n)
}
