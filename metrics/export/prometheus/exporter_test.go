package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	tokenledger "github.com/arkadyv/tokenledger"
)

type fakeSource struct {
	snapshot tokenledger.MetricsSnapshot
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() tokenledger.MetricsSnapshot { return f.snapshot }
func (f *fakeSource) AuditDropped() uint64                         { return f.dropped }

func gather(t *testing.T, source Source) map[string]float64 {
	t.Helper()

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(NewExporter(source)))

	families, err := registry.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[fam.GetName()] = c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				out[fam.GetName()+"_count"] = float64(h.GetSampleCount())
			}
		}
	}
	return out
}

func TestExporterCounters(t *testing.T) {
	source := &fakeSource{
		snapshot: tokenledger.MetricsSnapshot{
			Counters: map[tokenledger.MetricID]uint64{
				tokenledger.MetricLoginSuccess:         5,
				tokenledger.MetricRefreshReuseDetected: 2,
			},
			Histograms: map[tokenledger.MetricID][]uint64{},
		},
		dropped: 3,
	}

	values := gather(t, source)
	require.Equal(t, 5.0, values["tokenledger_login_success_total"])
	require.Equal(t, 2.0, values["tokenledger_refresh_reuse_detected_total"])
	require.Equal(t, 0.0, values["tokenledger_logout_total"])
	require.Equal(t, 3.0, values["tokenledger_audit_dropped_total"])
}

func TestExporterHistogram(t *testing.T) {
	source := &fakeSource{
		snapshot: tokenledger.MetricsSnapshot{
			Counters: map[tokenledger.MetricID]uint64{},
			Histograms: map[tokenledger.MetricID][]uint64{
				tokenledger.MetricAuthorizeLatency: {4, 2, 0, 0, 0, 0, 0, 1},
			},
		},
	}

	values := gather(t, source)
	require.Equal(t, 7.0, values["tokenledger_authorize_latency_seconds_count"])
}

func TestExporterReadsFromEngineMetrics(t *testing.T) {
	m := tokenledger.NewMetrics(tokenledger.MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Inc(tokenledger.MetricAuthorizeSuccess)
	m.Inc(tokenledger.MetricAuthorizeSuccess)

	source := &fakeSource{snapshot: m.Snapshot()}
	values := gather(t, source)
	require.Equal(t, 2.0, values["tokenledger_authorize_success_total"])
}
