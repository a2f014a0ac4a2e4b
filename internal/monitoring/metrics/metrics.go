// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics exposes the store's operational counters and gauges.
//
// Counters cover the operation mix (reads, upserts, read-modify-writes,
// deletes), the retry behavior of the latch-free paths (publish-CAS losses,
// deferred retries), pending disk I/O traffic and checkpoint activity.
// Gauges track the hybrid log watermarks and index size. Everything is
// registered on a private VictoriaMetrics set so that multiple stores in
// one process do not collide, and can be written out in Prometheus text
// format.
package metrics

import (
	"io"

	vm "github.com/VictoriaMetrics/metrics"
)

// Metrics is the per-store metric registry.
type Metrics struct {
	set *vm.Set

	Reads      *vm.Counter
	Upserts    *vm.Counter
	RMWs       *vm.Counter
	Deletes    *vm.Counter
	NotFound   *vm.Counter
	RetryNow   *vm.Counter // publish CAS lost, operation re-entered
	RetryLater *vm.Counter // operation deferred to the retry queue
	PendingIO  *vm.Counter // operations gone pending on a disk read
	IOReissue  *vm.Counter // disk reads re-issued at a larger size

	Checkpoints  *vm.Counter
	Recoveries   *vm.Counter
	GrowSweeps   *vm.Counter
	GCSweeps     *vm.Counter
	CPRShifts    *vm.Counter // operations that observed a version shift
	LatchRetries *vm.Counter // bucket latch acquisition failures

	readsLatency *vm.Histogram
	rmwLatency   *vm.Histogram
}

// New creates a registry with all series pre-registered.
func New() *Metrics {
	s := vm.NewSet()
	return &Metrics{
		set:          s,
		Reads:        s.NewCounter("hlstore_reads_total"),
		Upserts:      s.NewCounter("hlstore_upserts_total"),
		RMWs:         s.NewCounter("hlstore_rmws_total"),
		Deletes:      s.NewCounter("hlstore_deletes_total"),
		NotFound:     s.NewCounter("hlstore_not_found_total"),
		RetryNow:     s.NewCounter("hlstore_retry_now_total"),
		RetryLater:   s.NewCounter("hlstore_retry_later_total"),
		PendingIO:    s.NewCounter("hlstore_pending_io_total"),
		IOReissue:    s.NewCounter("hlstore_io_reissue_total"),
		Checkpoints:  s.NewCounter("hlstore_checkpoints_total"),
		Recoveries:   s.NewCounter("hlstore_recoveries_total"),
		GrowSweeps:   s.NewCounter("hlstore_grow_sweeps_total"),
		GCSweeps:     s.NewCounter("hlstore_gc_sweeps_total"),
		CPRShifts:    s.NewCounter("hlstore_cpr_shifts_total"),
		LatchRetries: s.NewCounter("hlstore_latch_retries_total"),
		readsLatency: s.NewHistogram("hlstore_read_seconds"),
		rmwLatency:   s.NewHistogram("hlstore_rmw_seconds"),
	}
}

// ObserveReadSeconds records one read latency sample.
func (m *Metrics) ObserveReadSeconds(sec float64) { m.readsLatency.Update(sec) }

// ObserveRMWSeconds records one RMW latency sample.
func (m *Metrics) ObserveRMWSeconds(sec float64) { m.rmwLatency.Update(sec) }

// SetGauge registers (or re-registers) a gauge backed by fn.
func (m *Metrics) SetGauge(name string, fn func() float64) {
	m.set.GetOrCreateGauge(name, fn)
}

// WritePrometheus dumps every series in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Snapshot is a point-in-time copy of the counters, convenient for tests
// and the bench tool.
type Snapshot struct {
	Reads, Upserts, RMWs, Deletes uint64
	NotFound                      uint64
	RetryNow, RetryLater          uint64
	PendingIO                     uint64
	Checkpoints, Recoveries       uint64
	CPRShifts                     uint64
}

// GetSnapshot copies the current counter values.
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		Reads:       m.Reads.Get(),
		Upserts:     m.Upserts.Get(),
		RMWs:        m.RMWs.Get(),
		Deletes:     m.Deletes.Get(),
		NotFound:    m.NotFound.Get(),
		RetryNow:    m.RetryNow.Get(),
		RetryLater:  m.RetryLater.Get(),
		PendingIO:   m.PendingIO.Get(),
		Checkpoints: m.Checkpoints.Get(),
		Recoveries:  m.Recoveries.Get(),
		CPRShifts:   m.CPRShifts.Get(),
	}
}
