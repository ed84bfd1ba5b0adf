package common

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// RequestCounter returns the counter of handled requests of type t, result is "ok" or "error"
func RequestCounter(t MessageType, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`rkv_rpc_requests_total{type=%q,result=%q}`, t.String(), result))
}

// RequestDuration returns the histogram of the handling time of requests of type t
func RequestDuration(t MessageType) *metrics.Histogram {
	return metrics.GetOrCreateHistogram(fmt.Sprintf(`rkv_rpc_request_duration_seconds{type=%q}`, t.String()))
}
