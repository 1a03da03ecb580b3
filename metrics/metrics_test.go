package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() float64 { return 7 })

	m.Operations.WithLabelValues("get", "ok").Inc()
	m.SegmentReads.Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("get", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SegmentReads))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BloomRejections))

	// a second store needs its own registry
	assert.Panics(t, func() { New(reg, func() float64 { return 0 }) })
}
