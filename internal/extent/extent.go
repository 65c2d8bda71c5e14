// Package extent implements a format-independent sorted extent array
// with an MRU last-hit-index lookup heuristic. DMG's BLKX descriptor
// tables are genuinely variable-length runs, so internal/dmg resolves
// sectors through this package. VDI, VHD, and VHDX instead use
// fixed-stride block/BAT indexing (block index = sector / blockSectors)
// with no run-length variation to sort or search, so they address their
// tables directly rather than through a Table here; QCOW resolves
// clusters through its own L1/L2 tables (see internal/qcow2).
package extent

import (
	"fmt"
	"sort"
)

// Kind is the disposition of a mapped virtual sector run.
type Kind int

const (
	// Raw sectors are read directly from the underlying file at FileOffset.
	Raw Kind = iota
	// Zero sectors are synthesized without touching the file.
	Zero
	// CompressedZlib sectors must be inflated before use.
	CompressedZlib
)

// Extent maps a contiguous run of virtual sectors to a physical location.
type Extent struct {
	FirstSector uint64
	Count       uint64
	FileOffset  int64
	FileBytes   int64
	Kind        Kind
}

func (e Extent) contains(sector uint64) bool {
	return sector >= e.FirstSector && sector < e.FirstSector+e.Count
}

// Table is a sorted, non-overlapping array of extents with a one-entry
// MRU lookup heuristic (spec: "Single-entry MRU index").
type Table struct {
	extents []Extent
	lastHit int
}

// New builds a Table from extents appended in on-disk order, sorting them
// by FirstSector and rejecting overlaps.
func New(extents []Extent) (*Table, error) {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].FirstSector < sorted[j].FirstSector
	})

	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.FirstSector < prev.FirstSector+prev.Count {
			return nil, fmt.Errorf("extent.New: overlapping extents at sector %d", cur.FirstSector)
		}
	}

	return &Table{extents: sorted}, nil
}

// Lookup returns the extent containing vsector, seeding the search at the
// most-recently-hit index before falling back to a binary search.
func (t *Table) Lookup(vsector uint64) (Extent, bool) {
	if len(t.extents) == 0 {
		return Extent{}, false
	}

	if t.lastHit < len(t.extents) && t.extents[t.lastHit].contains(vsector) {
		return t.extents[t.lastHit], true
	}

	idx := sort.Search(len(t.extents), func(i int) bool {
		return t.extents[i].FirstSector+t.extents[i].Count > vsector
	})

	if idx >= len(t.extents) || !t.extents[idx].contains(vsector) {
		return Extent{}, false
	}

	t.lastHit = idx
	return t.extents[idx], true
}

// Len reports the number of extents in the table.
func (t *Table) Len() int {
	return len(t.extents)
}
