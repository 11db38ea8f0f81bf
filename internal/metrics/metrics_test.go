package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryRegistersAllInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.FramesDecoded.WithLabelValues("packet").Inc()
	m.ActiveNodes.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "meshd_frames_decoded_total" {
			found = true
			require.Equal(t, float64(1), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)
}
