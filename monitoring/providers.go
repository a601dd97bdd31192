package monitoring

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryInfo is one memory reading. Used and Total are bytes. Limit is the
// budget percentage calculations are made against; providers that have no
// separate budget report Limit equal to Total.
type MemoryInfo struct {
	Used  uint64
	Total uint64
	Limit uint64
}

// Percentage reports Used relative to Limit on a 0..100 scale.
func (m MemoryInfo) Percentage() float64 {
	if m.Limit == 0 {
		return 0
	}
	return float64(m.Used) / float64(m.Limit) * 100
}

// MemoryProvider supplies memory readings for snapshot assembly. The Sampler
// falls back to a secondary provider when the primary returns an error.
type MemoryProvider interface {
	MemoryInfo() (MemoryInfo, error)
}

// CPUEstimator approximates CPU load on a 0..100 scale. Implementations are
// estimates by contract; consumers must not treat the figure as an OS
// scheduler measurement.
type CPUEstimator interface {
	EstimateCPU() (float64, error)
}

// EntryCounter is the single capability PoolEstimateProvider needs from a
// resource pool. Keeping the dependency this narrow lets any pool-shaped
// component back a memory estimate.
type EntryCounter interface {
	ActiveEntries() int
}

// HostMemoryProvider reads host virtual memory. This is the default primary
// provider.
type HostMemoryProvider struct{}

func (HostMemoryProvider) MemoryInfo() (MemoryInfo, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("read virtual memory: %w", err)
	}
	return MemoryInfo{Used: vm.Used, Total: vm.Total, Limit: vm.Total}, nil
}

// RuntimeMemoryProvider reads Go runtime allocator statistics. It reflects
// heap pressure of this process rather than host-wide usage, which makes it
// a reasonable fallback when host readings are unavailable.
type RuntimeMemoryProvider struct{}

func (RuntimeMemoryProvider) MemoryInfo() (MemoryInfo, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryInfo{Used: ms.HeapAlloc, Total: ms.Sys, Limit: ms.Sys}, nil
}

const (
	defaultBytesPerEntry = 512
	defaultPoolBudget    = 64 << 20
)

// PoolEstimateProvider derives a memory figure from the number of live pool
// entries. The result is a coarse proxy with no physical meaning; it exists
// so the loop keeps producing a pressure signal on hosts where neither the
// OS nor the runtime can be consulted.
type PoolEstimateProvider struct {
	// Counter supplies the live entry count. Required.
	Counter EntryCounter

	// BytesPerEntry is the assumed per-entry cost. Zero selects a default.
	BytesPerEntry uint64

	// Budget is the assumed total. Zero selects a default.
	Budget uint64
}

func (p PoolEstimateProvider) MemoryInfo() (MemoryInfo, error) {
	if p.Counter == nil {
		return MemoryInfo{}, errors.New("pool estimate provider: nil entry counter")
	}
	per := p.BytesPerEntry
	if per == 0 {
		per = defaultBytesPerEntry
	}
	budget := p.Budget
	if budget == 0 {
		budget = defaultPoolBudget
	}
	used := uint64(p.Counter.ActiveEntries()) * per
	if used > budget {
		used = budget
	}
	return MemoryInfo{Used: used, Total: budget, Limit: budget}, nil
}

// StaticMemoryProvider returns a fixed reading. Intended for tests and for
// embedders that compute memory pressure elsewhere.
type StaticMemoryProvider struct {
	Info MemoryInfo
	Err  error
}

func (p StaticMemoryProvider) MemoryInfo() (MemoryInfo, error) {
	return p.Info, p.Err
}

// StaticCPUEstimator returns a fixed estimate. Intended for tests.
type StaticCPUEstimator struct {
	Usage float64
	Err   error
}

func (e StaticCPUEstimator) EstimateCPU() (float64, error) {
	return e.Usage, e.Err
}

const (
	busyProbeWindow    = 5 * time.Millisecond
	busyBaselineProbes = 3
)

// BusyLoopEstimator scores CPU load by counting how much arithmetic a tight
// loop completes inside a fixed wall-clock window. The first probes establish
// an idle baseline; later probes report the shortfall against that baseline
// as load. While the baseline is being captured the estimator reports zero.
type BusyLoopEstimator struct {
	mu       sync.Mutex
	window   time.Duration
	baseline float64
	probes   int

	// sink retains the probe arithmetic so the loop body cannot be
	// eliminated. Written only under mu.
	sink float64
}

// NewBusyLoopEstimator returns an estimator with the default probe window.
func NewBusyLoopEstimator() *BusyLoopEstimator {
	return &BusyLoopEstimator{window: busyProbeWindow}
}

func (b *BusyLoopEstimator) EstimateCPU() (float64, error) {
	iterations, absorbed := b.probe()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = absorbed

	if b.probes < busyBaselineProbes {
		b.baseline = (b.baseline*float64(b.probes) + iterations) / float64(b.probes+1)
		b.probes++
		return 0, nil
	}
	if b.baseline <= 0 {
		return 0, nil
	}
	usage := (1 - iterations/b.baseline) * 100
	if usage < 0 {
		usage = 0
	}
	if usage > 100 {
		usage = 100
	}
	return usage, nil
}

func (b *BusyLoopEstimator) probe() (iterations, absorbed float64) {
	b.mu.Lock()
	window := b.window
	b.mu.Unlock()
	if window <= 0 {
		window = busyProbeWindow
	}

	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		absorbed += math.Sqrt(iterations)
		iterations++
	}
	return iterations, absorbed
}
