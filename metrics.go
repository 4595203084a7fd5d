package meshclient

import "sync/atomic"

// clientMetrics is a write-only set of counters the client bumps on its hot
// paths. Snapshots are taken with Client.Metrics.
type clientMetrics struct {
	outboundBytes atomic.Int64
	inboundBytes  atomic.Int64
	dataHandles   atomic.Int64
	compiles      atomic.Int64
	executions    atomic.Int64
	replications  atomic.Int64
}

// Metric names reported by Client.Metrics.
const (
	MetricOutboundTransferBytes = "transfer_to_device_bytes"
	MetricInboundTransferBytes  = "transfer_from_device_bytes"
	MetricCreateDataHandles     = "create_data_handles"
	MetricCompiles              = "compiles"
	MetricExecutions            = "executions"
	MetricReplications          = "replicate_sharded_data"
)

// snapshot returns the current counter values, keyed by metric name.
func (m *clientMetrics) snapshot() map[string]int64 {
	return map[string]int64{
		MetricOutboundTransferBytes: m.outboundBytes.Load(),
		MetricInboundTransferBytes:  m.inboundBytes.Load(),
		MetricCreateDataHandles:     m.dataHandles.Load(),
		MetricCompiles:              m.compiles.Load(),
		MetricExecutions:            m.executions.Load(),
		MetricReplications:          m.replications.Load(),
	}
}
