package registry

import (
	"math"
	"runtime"
	"runtime/debug"
)

const mb = 1024 * 1024

// ReadMemory samples the Go heap. The total is the runtime memory limit when one
// is set (GOMEMLIMIT), otherwise the heap obtained from the OS.
func ReadMemory() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	used := float64(ms.HeapAlloc)
	total := float64(ms.HeapSys)
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		total = float64(limit)
	}

	snap := MemorySnapshot{
		UsedMB:  round2(used / mb),
		TotalMB: round2(total / mb),
	}
	if total > 0 {
		snap.PercentUsed = round2(used / total * 100)
	}
	return snap
}

// Fraction returns used/total in [0,1]
func (m MemorySnapshot) Fraction() float64 {
	if m.TotalMB <= 0 {
		return 0
	}
	return m.UsedMB / m.TotalMB
}

// Reclaim asks the runtime to return freed memory to the OS
func Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
