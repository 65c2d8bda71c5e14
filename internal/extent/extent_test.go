package extent_test

import (
	"testing"

	"github.com/gpu-ninja/vdisk/internal/extent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableLookup(t *testing.T) {
	tbl, err := extent.New([]extent.Extent{
		{FirstSector: 100, Count: 10, FileOffset: 1000, Kind: extent.Raw},
		{FirstSector: 0, Count: 100, FileOffset: 0, Kind: extent.Raw},
		{FirstSector: 110, Count: 5, Kind: extent.Zero},
	})
	require.NoError(t, err)

	e, ok := tbl.Lookup(0)
	require.True(t, ok)
	assert.Equal(t, uint64(0), e.FirstSector)

	e, ok = tbl.Lookup(105)
	require.True(t, ok)
	assert.Equal(t, uint64(100), e.FirstSector)

	// Re-lookup the same extent exercises the MRU fast path.
	e, ok = tbl.Lookup(108)
	require.True(t, ok)
	assert.Equal(t, uint64(100), e.FirstSector)

	_, ok = tbl.Lookup(200)
	assert.False(t, ok)
}

func TestTableRejectsOverlap(t *testing.T) {
	_, err := extent.New([]extent.Extent{
		{FirstSector: 0, Count: 10},
		{FirstSector: 5, Count: 10},
	})
	assert.Error(t, err)
}
