// Package stats 汇总进程级计数器，通过 VictoriaMetrics metrics 暴露
package stats

import (
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

var (
	ConnAccepted       = metrics.GetOrCreateCounter("tinyrpc_connections_accepted_total")
	ConnClosed         = metrics.GetOrCreateCounter("tinyrpc_connections_closed_total")
	FramesDecoded      = metrics.GetOrCreateCounter("tinyrpc_frames_decoded_total")
	FramesRejected     = metrics.GetOrCreateCounter("tinyrpc_frames_rejected_total")
	UnmatchedResponses = metrics.GetOrCreateCounter("tinyrpc_unmatched_responses_total")
	DispatchErrors     = metrics.GetOrCreateCounter("tinyrpc_dispatch_errors_total")
	CallTimeouts       = metrics.GetOrCreateCounter("tinyrpc_call_timeouts_total")
	CallsCompleted     = metrics.GetOrCreateCounter("tinyrpc_calls_completed_total")
)

// WritePrometheus 以 Prometheus 文本格式输出全部计数器和进程指标
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}

// Handler 供 serve --metrics-addr 挂载到 /metrics
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		WritePrometheus(w)
	})
}
