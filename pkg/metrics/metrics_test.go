package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New("test", reg)
	require.NoError(t, err)

	o.Accepted("api")
	o.Accepted("api")
	o.Rejected("sftp", "too_large")
	o.Outcome("api", "ack")
	o.Upload("aborted")
	o.SessionOpened()
	o.SessionOpened()
	o.SessionClosed()
	o.ObserveWrite(10*time.Millisecond, nil)
	o.ObserveWrite(time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(o.accepted.WithLabelValues("api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.rejected.WithLabelValues("sftp", "too_large")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.outcomes.WithLabelValues("api", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.uploads.WithLabelValues("aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.sessions))
	assert.Equal(t, 2, testutil.CollectAndCount(o.writeDuration))
}

func TestNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New("test", reg)
	require.NoError(t, err)
	second, err := New("test", reg)
	require.NoError(t, err)

	first.Accepted("api")
	second.Accepted("api")
	assert.Equal(t, 2.0, testutil.ToFloat64(first.accepted.WithLabelValues("api")))
}

func TestNilObserverIsSafe(t *testing.T) {
	var o *Observer
	assert.NotPanics(t, func() {
		o.Accepted("api")
		o.Outcome("api", "ack")
		o.ObserveWrite(time.Second, nil)
		o.SessionOpened()
	})
}
