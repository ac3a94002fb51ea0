package selfdbg

import (
	"testing"
	"time"
)

func TestMetricsExceptionCounts(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalExceptions != 0 {
		t.Errorf("expected 0 initial exceptions, got %d", snap.TotalExceptions)
	}

	m.RecordException("breakpoint", 1_000_000)
	m.RecordException("breakpoint", 2_000_000)
	m.RecordException("single_step", 500_000)
	m.RecordException("weird_kind", 10_000)

	snap = m.Snapshot()
	if snap.BreakpointExceptions != 2 {
		t.Errorf("BreakpointExceptions = %d, want 2", snap.BreakpointExceptions)
	}
	if snap.SingleStepExceptions != 1 {
		t.Errorf("SingleStepExceptions = %d, want 1", snap.SingleStepExceptions)
	}
	if snap.OtherExceptions != 1 {
		t.Errorf("OtherExceptions = %d, want 1", snap.OtherExceptions)
	}
	if snap.TotalExceptions != 4 {
		t.Errorf("TotalExceptions = %d, want 4", snap.TotalExceptions)
	}
}

func TestMetricsBreakpointCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordBreakpointInstall(true)
	m.RecordBreakpointInstall(false)
	m.RecordBreakpointInstall(false)
	m.RecordBreakpointRemove()
	m.RecordBreakpointRewind()
	m.RecordBreakpointRewind()

	snap := m.Snapshot()
	if snap.BreakpointsInstalled != 1 {
		t.Errorf("BreakpointsInstalled = %d, want 1", snap.BreakpointsInstalled)
	}
	if snap.BreakpointReinstalls != 2 {
		t.Errorf("BreakpointReinstalls = %d, want 2", snap.BreakpointReinstalls)
	}
	if snap.BreakpointsRemoved != 1 {
		t.Errorf("BreakpointsRemoved = %d, want 1", snap.BreakpointsRemoved)
	}
	if snap.BreakpointRewinds != 2 {
		t.Errorf("BreakpointRewinds = %d, want 2", snap.BreakpointRewinds)
	}
}

func TestMetricsWireCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordPacketReceived(16, true)
	m.RecordPacketReceived(4, false)
	m.RecordChecksumMismatch()
	m.RecordPacketSent(32)

	snap := m.Snapshot()
	if snap.PacketsDecoded != 2 {
		t.Errorf("PacketsDecoded = %d, want 2", snap.PacketsDecoded)
	}
	if snap.BytesReceived != 20 {
		t.Errorf("BytesReceived = %d, want 20", snap.BytesReceived)
	}
	if snap.InvalidPacketCount != 1 {
		t.Errorf("InvalidPacketCount = %d, want 1", snap.InvalidPacketCount)
	}
	if snap.InvalidChecksumCount != 1 {
		t.Errorf("InvalidChecksumCount = %d, want 1", snap.InvalidChecksumCount)
	}
	if snap.BytesSent != 32 {
		t.Errorf("BytesSent = %d, want 32", snap.BytesSent)
	}
}

func TestMetricsVMCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordVMAllocate(4096, true)
	m.RecordVMAllocate(4096, false)
	m.RecordVMDeallocate()

	snap := m.Snapshot()
	if snap.VMAllocations != 1 {
		t.Errorf("VMAllocations = %d, want 1", snap.VMAllocations)
	}
	if snap.VMAllocationFails != 1 {
		t.Errorf("VMAllocationFails = %d, want 1", snap.VMAllocationFails)
	}
	if snap.VMBytesAllocated != 4096 {
		t.Errorf("VMBytesAllocated = %d, want 4096", snap.VMBytesAllocated)
	}
	if snap.VMDeallocations != 1 {
		t.Errorf("VMDeallocations = %d, want 1", snap.VMDeallocations)
	}
}

func TestMetricsDispatchLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordException("breakpoint", 1_000_000) // 1ms
	m.RecordException("breakpoint", 2_000_000) // 2ms

	snap := m.Snapshot()
	wantAvg := uint64(1_500_000)
	if snap.AvgDispatchLatencyNs != wantAvg {
		t.Errorf("AvgDispatchLatencyNs = %d, want %d", snap.AvgDispatchLatencyNs, wantAvg)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*uint64(time.Millisecond) {
		t.Errorf("expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+uint64(2*time.Millisecond) {
		t.Errorf("uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordException("breakpoint", 1_000_000)
	m.RecordBreakpointInstall(true)
	m.RecordVMAllocate(4096, true)

	snap := m.Snapshot()
	if snap.TotalExceptions == 0 {
		t.Fatal("expected recorded exceptions before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalExceptions != 0 {
		t.Errorf("TotalExceptions after reset = %d, want 0", snap.TotalExceptions)
	}
	if snap.VMBytesAllocated != 0 {
		t.Errorf("VMBytesAllocated after reset = %d, want 0", snap.VMBytesAllocated)
	}
	if snap.BreakpointsInstalled != 0 {
		t.Errorf("BreakpointsInstalled after reset = %d, want 0", snap.BreakpointsInstalled)
	}
}

func TestMetricsHistogramPercentiles(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordException("breakpoint", 500_000) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordException("breakpoint", 5_000_000) // 5ms
	}
	m.RecordException("breakpoint", 50_000_000) // 50ms, P99

	snap := m.Snapshot()
	if snap.TotalExceptions != 100 {
		t.Errorf("TotalExceptions = %d, want 100", snap.TotalExceptions)
	}
	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("LatencyP50Ns = %d, want in [100us, 1ms]", snap.LatencyP50Ns)
	}
	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("LatencyP99Ns = %d, want in [5ms, 100ms]", snap.LatencyP99Ns)
	}

	var total uint64
	for _, c := range snap.LatencyHistogram {
		total += c
	}
	if total == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveException("breakpoint", 1_000_000)
	observer.ObserveBreakpointInstall(true)
	observer.ObserveBreakpointRemove()
	observer.ObserveInterrupt()

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveException("breakpoint", 1_000_000)
	metricsObserver.ObserveBreakpointInstall(true)
	metricsObserver.ObserveInterrupt()

	snap := m.Snapshot()
	if snap.BreakpointExceptions != 1 {
		t.Errorf("BreakpointExceptions via observer = %d, want 1", snap.BreakpointExceptions)
	}
	if snap.BreakpointsInstalled != 1 {
		t.Errorf("BreakpointsInstalled via observer = %d, want 1", snap.BreakpointsInstalled)
	}
	if snap.Interrupts != 1 {
		t.Errorf("Interrupts via observer = %d, want 1", snap.Interrupts)
	}
}
