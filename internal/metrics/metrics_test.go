package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := New(reg)

	rec.Record(OutcomeSuccess, 5*time.Millisecond)
	rec.Record(OutcomeSuccess, 7*time.Millisecond)
	rec.Record(OutcomeInsufficientBalance, time.Millisecond)

	require.Equal(t, float64(2), testutil.ToFloat64(rec.requests.WithLabelValues(string(OutcomeSuccess))))
	require.Equal(t, float64(1), testutil.ToFloat64(rec.requests.WithLabelValues(string(OutcomeInsufficientBalance))))
	require.Equal(t, float64(0), testutil.ToFloat64(rec.requests.WithLabelValues(string(OutcomeFailed))))
}
