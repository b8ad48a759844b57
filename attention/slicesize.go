// slicesize.go - Aufloesung und Speicherabschaetzung der Slice-Groesse
//
// Dieses Modul enthaelt die Presets fuer die Slice-Groesse, die Abbildung
// auf eine konkrete Kopfzahl und die Abschaetzung des Spitzen-Speichers
// einer Gruppe. Die Abschaetzung dient der automatischen Wahl einer
// Slice-Groesse unter einem Byte-Budget.

package attention

import (
	"fmt"
	"strconv"
)

// Slice size presets accepted by ResolveSliceSize.
const (
	// SliceAuto selects half the head count, trading some throughput for
	// roughly half the peak score memory.
	SliceAuto = "auto"

	// SliceMax selects one head per group, the smallest peak memory.
	SliceMax = "max"
)

// ResolveSliceSize maps a slice size setting to a head count. Besides a
// plain integer it accepts the presets "auto" (half the heads) and "max"
// (one head per group). Empty and "none" disable slicing by selecting the
// full head count.
func ResolveSliceSize(s string, heads int) (int, error) {
	switch s {
	case "", "none":
		return heads, nil
	case SliceAuto:
		return max(heads/2, 1), nil
	case SliceMax:
		return 1, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("attention: slice size %q: %w", s, err)
	}

	return n, nil
}

// Groups returns the number of head groups a slice size produces.
func Groups(heads, sliceSize int) int {
	if sliceSize > heads {
		sliceSize = heads
	}

	return (heads + sliceSize - 1) / sliceSize
}

// EstimateSliceMemory returns the approximate transient bytes of one head
// group: the score matrix, the softmax probabilities and the group output.
// Request tensors must be present; the estimate grows linearly with the
// slice size.
func EstimateSliceMemory(req Request, sliceSize int) uint64 {
	if req.Queries == nil || req.Keys == nil {
		return 0
	}

	group := min(max(sliceSize, 1), req.Heads)
	batch := req.Queries.Dim(0)
	qlen := req.Queries.Dim(2)
	klen := req.Keys.Dim(2)
	headdim := req.Queries.Dim(3)
	elem := req.Queries.DType().Size()

	scores := uint64(batch) * uint64(group) * uint64(qlen) * uint64(klen) * uint64(elem)
	output := uint64(batch) * uint64(group) * uint64(qlen) * uint64(headdim) * uint64(elem)

	return 2*scores + output
}

// FitSliceSize picks the largest slice size whose estimated group memory
// stays within budget. The boolean reports whether even that size fits;
// when nothing fits the minimum of one head is returned so callers can
// still run with the smallest possible footprint.
func FitSliceSize(req Request, budget uint64) (int, bool) {
	for s := req.Heads; s > 1; s-- {
		if EstimateSliceMemory(req, s) <= budget {
			return s, true
		}
	}

	return 1, EstimateSliceMemory(req, 1) <= budget
}
