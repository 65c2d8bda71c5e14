package vdi

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildV1Image synthesizes a minimal v1 VDI: 2 blocks of 1 MiB, block 0
// present with an 0xCC payload, block 1 marked ZERO (spec §8 scenario 3).
func buildV1Image(t *testing.T) []byte {
	t.Helper()

	const blockSize = 1 << 20
	const preHeaderSize = 64 + 4 + 4
	var h header1
	hSize := binary.Size(h)

	offBlocks := uint32(preHeaderSize + hSize)
	offData := offBlocks + 2*4
	// round up to a sector boundary, matching real images.
	offData = (offData + 511) &^ 511

	h = header1{
		HeaderSize: uint32(hSize),
		Type:       typeNormal,
		OffBlocks:  offBlocks,
		OffData:    offData,
		DiskSize:   2 * blockSize,
		BlockSize:  blockSize,
		Blocks:     2,
	}
	h.UUIDCreate[0] = 1
	h.UUIDModify[0] = 1

	buf := make([]byte, int(offData)+blockSize)

	copy(buf[0:64], []byte("vdi-test"))
	binary.LittleEndian.PutUint32(buf[64:68], signature)
	binary.LittleEndian.PutUint32(buf[68:72], 1<<16|1)

	var hb bytes.Buffer
	require.NoError(t, binary.Write(&hb, binary.LittleEndian, h))
	copy(buf[preHeaderSize:], hb.Bytes())

	binary.LittleEndian.PutUint32(buf[offBlocks:offBlocks+4], 0)
	binary.LittleEndian.PutUint32(buf[offBlocks+4:offBlocks+8], blockZero)

	for i := 0; i < blockSize; i++ {
		buf[int(offData)+i] = 0xCC
	}

	return buf
}

func writeTemp(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vdi-*.img")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	return f
}

func TestOpenV1BlockRead(t *testing.T) {
	f := writeTemp(t, buildV1Image(t))
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 4)
	_, err = img.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xCC, 0xCC, 0xCC, 0xCC}, got)
}

func TestOpenV1ZeroBlockRead(t *testing.T) {
	f := writeTemp(t, buildV1Image(t))
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 1)
	_, err = img.ReadAt(got, (1<<20)+42)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00}, got)
}

func TestOpenRejectsBadSignature(t *testing.T) {
	data := buildV1Image(t)
	binary.LittleEndian.PutUint32(data[64:68], 0)

	f := writeTemp(t, data)
	defer f.Close()

	_, err := Open(f)
	require.Error(t, err)
}
