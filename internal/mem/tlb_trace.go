package mem

import "sync"

// invalidations records every TLB invalidate issued while tracing is on, so
// tests and the selftest command can assert which ranges the map/unmap/split
// and world-switch paths invalidate without needing a real MMU to observe.
// The translation paths themselves never read it; it is an observation seam,
// the same role the teacher's in-memory PhysicalMemory.View() plays for its
// CPU simulator.
var (
	traceMu       sync.Mutex
	traceEnabled  bool
	invalidations []TLBRange
)

func recordInvalidation(stage Stage, r TLBRange) {
	traceMu.Lock()
	defer traceMu.Unlock()

	if traceEnabled {
		invalidations = append(invalidations, r)
	}
}

// EnableTLBTrace turns on invalidation recording and clears any prior trace.
// Used by tests and by the selftest command's migration scenario.
func EnableTLBTrace() {
	traceMu.Lock()
	defer traceMu.Unlock()

	traceEnabled = true
	invalidations = nil
}

// TLBTrace returns a copy of the recorded invalidations since the last
// EnableTLBTrace call.
func TLBTrace() []TLBRange {
	traceMu.Lock()
	defer traceMu.Unlock()

	out := make([]TLBRange, len(invalidations))
	copy(out, invalidations)

	return out
}
