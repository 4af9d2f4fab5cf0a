package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Published.WithLabelValues("product.reserveStock", "ok").Inc()
	m.DedupFailOpen.WithLabelValues("try_process").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Published.WithLabelValues("product.reserveStock", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DedupFailOpen.WithLabelValues("try_process")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 2)
}

func TestNew_TwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
