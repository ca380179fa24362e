package telemetry

import (
	"log"

	gopsutil "github.com/shirou/gopsutil/mem"
)

// ResourceFunc reports the currently available compute budget in memory
// units (1 unit = 1 GiB). Implementations must be safe for concurrent
// use and must not block beyond a cheap probe.
type ResourceFunc func() float64

// DefaultReserveUnits is held back from every probe so bookkeeping and
// activation overhead never eat into the reported budget.
const DefaultReserveUnits = 2.0

// Static returns a probe with a fixed budget. Used when the operator
// pins the budget via configuration and in tests.
func Static(units float64) ResourceFunc {
	if units < 0 {
		units = 0
	}
	return func() float64 { return units }
}

// HostMemory probes available host memory. It is the fallback when no
// device-specific probe is wired in; a dedicated accelerator probe
// should be preferred where one exists.
func HostMemory(reserve float64) ResourceFunc {
	return func() float64 {
		vm, err := gopsutil.VirtualMemory()
		if err != nil {
			log.Printf("telemetry: host memory probe: %v", err)
			return 0
		}
		units := float64(vm.Available)/(1024*1024*1024) - reserve
		if units < 0 {
			return 0
		}
		return units
	}
}
