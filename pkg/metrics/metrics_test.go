package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveCall("flickr.photos.getFavorites", "ok", 120*time.Millisecond)
	m.ObserveCall("flickr.photos.getFavorites", "ok", 80*time.Millisecond)
	m.ObserveCall("flickr.photos.getFavorites", "api_error", 10*time.Millisecond)
	m.SetPending(7)
	m.IncDispatched()
	m.AddCancelled(3)
	m.IncCooldown()
	m.SetBudgetRemaining(3499)
	m.IncBatchError("process_photos")
	m.SetGraphSize(10, 20)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.APICalls.WithLabelValues("flickr.photos.getFavorites", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APICalls.WithLabelValues("flickr.photos.getFavorites", "api_error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueuePending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDispatched))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueCancelled))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueCooldowns))
	assert.Equal(t, 3499.0, testutil.ToFloat64(m.BudgetRemaining))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchErrors.WithLabelValues("process_photos")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.GraphUsers))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.GraphPhotos))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCall("x", "ok", time.Second)
		m.SetPending(1)
		m.IncDispatched()
		m.AddCancelled(1)
		m.IncCooldown()
		m.SetBudgetRemaining(1)
		m.IncBatchError("x")
		m.SetGraphSize(1, 1)
	})
}
