package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestOtcdMetrics(t *testing.T) {
	m := Otcd()
	require.Same(t, m, Otcd())

	m.RecordEvent("otc.deal.resolved")
	m.RecordEvent("otc.deal.resolved")
	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("otc.deal.resolved")))

	m.ObserveTransfer("usdt", "payout", 10*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.payouts.WithLabelValues("USDT", "payout")))

	m.RecordTransferError("", "")
	require.Equal(t, 1.0, testutil.ToFloat64(m.payoutErrors.WithLabelValues("UNKNOWN", "unspecified")))

	m.RecordBook(big.NewInt(42), 3, 5)
	require.Equal(t, 42.0, testutil.ToFloat64(m.revenue))
	require.Equal(t, 3.0, testutil.ToFloat64(m.activePosts))
	require.Equal(t, 5.0, testutil.ToFloat64(m.activeDeals))

	m.SetPause("otc.deal", true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.pauseEngaged.WithLabelValues("otc.deal")))

	m.AddDropped(3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.droppedEvents))
}

func TestHTTPMetricsObserve(t *testing.T) {
	m := HTTP()
	m.Observe("/v1/posts", "POST", 422, time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("/v1/posts", "POST", "422")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("/v1/posts", "POST", "error")))

	m.RecordThrottle("", "rate_limit")
	require.Equal(t, 1.0, testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "rate_limit")))

	var nilMetrics *OtcdMetrics
	nilMetrics.RecordEvent("ignored")
}
