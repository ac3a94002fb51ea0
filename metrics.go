package selfdbg

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the dispatch-latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing. Dispatch
// latency is the time an exception spends in the controller's single-slot
// handoff between Deposit and the WaitForEvent call that drains it.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a running Controller.
type Metrics struct {
	// Exceptions caught, broken down by kind.
	BreakpointExceptions atomic.Uint64
	SingleStepExceptions atomic.Uint64
	BadAccessExceptions  atomic.Uint64
	ArithmeticExceptions atomic.Uint64
	OtherExceptions      atomic.Uint64

	// Breakpoint engine activity.
	BreakpointsInstalled atomic.Uint64 // Install() calls that patched new code
	BreakpointReinstalls atomic.Uint64 // Install() calls that only bumped a refcount
	BreakpointsRemoved   atomic.Uint64 // Remove() calls that restored original bytes
	BreakpointRewinds    atomic.Uint64 // RewindIfLanding hits

	// Controller interrupts and utility-thread registrations.
	Interrupts                 atomic.Uint64
	UtilityThreadRegistrations atomic.Uint64

	// Wire protocol throughput.
	PacketsDecoded       atomic.Uint64
	BytesReceived        atomic.Uint64
	BytesSent            atomic.Uint64
	InvalidChecksumCount atomic.Uint64
	InvalidPacketCount   atomic.Uint64

	// Virtual memory activity.
	VMAllocations     atomic.Uint64
	VMDeallocations   atomic.Uint64
	VMBytesAllocated  atomic.Uint64
	VMAllocationFails atomic.Uint64

	// Dispatch latency tracking.
	TotalDispatchLatencyNs atomic.Uint64
	DispatchCount          atomic.Uint64

	// Dispatch latency histogram buckets (cumulative counts). Each
	// bucket[i] holds the count of dispatches with latency <= LatencyBuckets[i].
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	// Controller lifecycle.
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordException records a caught exception of the given kind along with
// the time it spent waiting in the controller's single-slot handoff.
func (m *Metrics) RecordException(kind string, dispatchLatencyNs uint64) {
	switch kind {
	case "breakpoint":
		m.BreakpointExceptions.Add(1)
	case "single_step":
		m.SingleStepExceptions.Add(1)
	case "bad_access":
		m.BadAccessExceptions.Add(1)
	case "arithmetic":
		m.ArithmeticExceptions.Add(1)
	default:
		m.OtherExceptions.Add(1)
	}
	m.recordDispatchLatency(dispatchLatencyNs)
}

func (m *Metrics) recordDispatchLatency(latencyNs uint64) {
	m.TotalDispatchLatencyNs.Add(latencyNs)
	m.DispatchCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// RecordBreakpointInstall records whether an Install() call patched new
// code or only bumped an existing breakpoint's refcount.
func (m *Metrics) RecordBreakpointInstall(wasNewPatch bool) {
	if wasNewPatch {
		m.BreakpointsInstalled.Add(1)
	} else {
		m.BreakpointReinstalls.Add(1)
	}
}

// RecordBreakpointRemove records a Remove() call that restored original bytes.
func (m *Metrics) RecordBreakpointRemove() {
	m.BreakpointsRemoved.Add(1)
}

// RecordBreakpointRewind records a RewindIfLanding hit.
func (m *Metrics) RecordBreakpointRewind() {
	m.BreakpointRewinds.Add(1)
}

// RecordInterrupt records an interrupt event returned by WaitForEvent;
// several Interrupt() calls drained by one wait count once.
func (m *Metrics) RecordInterrupt() {
	m.Interrupts.Add(1)
}

// RecordUtilityThreadRegistration records a utility thread completing its
// self-registration handshake.
func (m *Metrics) RecordUtilityThreadRegistration() {
	m.UtilityThreadRegistrations.Add(1)
}

// RecordPacketReceived records a decoded inbound packet.
func (m *Metrics) RecordPacketReceived(bytes int, valid bool) {
	m.PacketsDecoded.Add(1)
	m.BytesReceived.Add(uint64(bytes))
	if !valid {
		m.InvalidPacketCount.Add(1)
	}
}

// RecordChecksumMismatch records a frame that failed checksum verification.
func (m *Metrics) RecordChecksumMismatch() {
	m.InvalidChecksumCount.Add(1)
}

// RecordPacketSent records an outbound frame.
func (m *Metrics) RecordPacketSent(bytes int) {
	m.BytesSent.Add(uint64(bytes))
}

// RecordVMAllocate records an allocate call, successful or not.
func (m *Metrics) RecordVMAllocate(bytes uint64, success bool) {
	if success {
		m.VMAllocations.Add(1)
		m.VMBytesAllocated.Add(bytes)
	} else {
		m.VMAllocationFails.Add(1)
	}
}

// RecordVMDeallocate records a deallocate call.
func (m *Metrics) RecordVMDeallocate() {
	m.VMDeallocations.Add(1)
}

// Stop marks the controller as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	BreakpointExceptions uint64
	SingleStepExceptions uint64
	BadAccessExceptions  uint64
	ArithmeticExceptions uint64
	OtherExceptions      uint64
	TotalExceptions      uint64

	BreakpointsInstalled uint64
	BreakpointReinstalls uint64
	BreakpointsRemoved   uint64
	BreakpointRewinds    uint64

	Interrupts                 uint64
	UtilityThreadRegistrations uint64

	PacketsDecoded       uint64
	BytesReceived        uint64
	BytesSent            uint64
	InvalidChecksumCount uint64
	InvalidPacketCount   uint64

	VMAllocations     uint64
	VMDeallocations   uint64
	VMBytesAllocated  uint64
	VMAllocationFails uint64

	AvgDispatchLatencyNs uint64
	LatencyP50Ns         uint64
	LatencyP99Ns         uint64
	LatencyP999Ns        uint64
	LatencyHistogram     [numLatencyBuckets]uint64

	UptimeNs         uint64
	ExceptionsPerSec float64
}

// Snapshot returns a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BreakpointExceptions: m.BreakpointExceptions.Load(),
		SingleStepExceptions: m.SingleStepExceptions.Load(),
		BadAccessExceptions:  m.BadAccessExceptions.Load(),
		ArithmeticExceptions: m.ArithmeticExceptions.Load(),
		OtherExceptions:      m.OtherExceptions.Load(),

		BreakpointsInstalled: m.BreakpointsInstalled.Load(),
		BreakpointReinstalls: m.BreakpointReinstalls.Load(),
		BreakpointsRemoved:   m.BreakpointsRemoved.Load(),
		BreakpointRewinds:    m.BreakpointRewinds.Load(),

		Interrupts:                 m.Interrupts.Load(),
		UtilityThreadRegistrations: m.UtilityThreadRegistrations.Load(),

		PacketsDecoded:       m.PacketsDecoded.Load(),
		BytesReceived:        m.BytesReceived.Load(),
		BytesSent:            m.BytesSent.Load(),
		InvalidChecksumCount: m.InvalidChecksumCount.Load(),
		InvalidPacketCount:   m.InvalidPacketCount.Load(),

		VMAllocations:     m.VMAllocations.Load(),
		VMDeallocations:   m.VMDeallocations.Load(),
		VMBytesAllocated:  m.VMBytesAllocated.Load(),
		VMAllocationFails: m.VMAllocationFails.Load(),
	}

	snap.TotalExceptions = snap.BreakpointExceptions + snap.SingleStepExceptions +
		snap.BadAccessExceptions + snap.ArithmeticExceptions + snap.OtherExceptions

	totalLatencyNs := m.TotalDispatchLatencyNs.Load()
	dispatchCount := m.DispatchCount.Load()
	if dispatchCount > 0 {
		snap.AvgDispatchLatencyNs = totalLatencyNs / dispatchCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ExceptionsPerSec = float64(snap.TotalExceptions) / uptimeSeconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if dispatchCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the dispatch latency at the given
// percentile (0.0-1.0) via linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalDispatches := m.DispatchCount.Load()
	if totalDispatches == 0 {
		return 0
	}

	targetCount := uint64(float64(totalDispatches) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters, useful for testing.
func (m *Metrics) Reset() {
	m.BreakpointExceptions.Store(0)
	m.SingleStepExceptions.Store(0)
	m.BadAccessExceptions.Store(0)
	m.ArithmeticExceptions.Store(0)
	m.OtherExceptions.Store(0)
	m.BreakpointsInstalled.Store(0)
	m.BreakpointReinstalls.Store(0)
	m.BreakpointsRemoved.Store(0)
	m.BreakpointRewinds.Store(0)
	m.Interrupts.Store(0)
	m.UtilityThreadRegistrations.Store(0)
	m.PacketsDecoded.Store(0)
	m.BytesReceived.Store(0)
	m.BytesSent.Store(0)
	m.InvalidChecksumCount.Store(0)
	m.InvalidPacketCount.Store(0)
	m.VMAllocations.Store(0)
	m.VMDeallocations.Store(0)
	m.VMBytesAllocated.Store(0)
	m.VMAllocationFails.Store(0)
	m.TotalDispatchLatencyNs.Store(0)
	m.DispatchCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for controller events.
type Observer interface {
	ObserveException(kind string, dispatchLatencyNs uint64)
	ObserveBreakpointInstall(wasNewPatch bool)
	ObserveBreakpointRemove()
	ObserveInterrupt()
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveException(string, uint64) {}
func (NoOpObserver) ObserveBreakpointInstall(bool)   {}
func (NoOpObserver) ObserveBreakpointRemove()        {}
func (NoOpObserver) ObserveInterrupt()               {}

// MetricsObserver implements Observer using a backing Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveException(kind string, dispatchLatencyNs uint64) {
	o.metrics.RecordException(kind, dispatchLatencyNs)
}

func (o *MetricsObserver) ObserveBreakpointInstall(wasNewPatch bool) {
	o.metrics.RecordBreakpointInstall(wasNewPatch)
}

func (o *MetricsObserver) ObserveBreakpointRemove() {
	o.metrics.RecordBreakpointRemove()
}

func (o *MetricsObserver) ObserveInterrupt() {
	o.metrics.RecordInterrupt()
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
