package tdb

import "fmt"

// testHooks injects simulated crashes. The zero value does nothing.
type testHooks struct {
	// crashAfterWrites panics once this many journaled writes have reached
	// the mapping. Zero disables.
	crashAfterWrites int
	writes           int

	crashAfterCommitMarker bool
}

// simulatedCrash is the panic value raised by testHooks. The handle is left
// exactly as a killed process would leave the file.
type simulatedCrash struct {
	point string
}

func (c simulatedCrash) Error() string {
	return fmt.Sprintf("simulated crash %s", c.point)
}

func (h *testHooks) afterJournaledWrite() {
	if h.crashAfterWrites == 0 {
		return
	}

	h.writes++
	if h.writes >= h.crashAfterWrites {
		panic(simulatedCrash{point: fmt.Sprintf("after journaled write %d", h.writes)})
	}
}

func (h *testHooks) afterCommitMarker() {
	if h.crashAfterCommitMarker {
		panic(simulatedCrash{point: "after commit marker"})
	}
}
