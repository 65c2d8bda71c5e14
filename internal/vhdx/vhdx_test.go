package vhdx

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vhdx-*.img")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	return f
}

func putHeader(buf []byte, at int64, seq uint64) {
	h := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(h[0:4], headerSignature)
	binary.LittleEndian.PutUint64(h[8:16], seq)
	binary.LittleEndian.PutUint16(h[66:68], 1) // Version

	binary.LittleEndian.PutUint32(h[4:8], 0)
	sum := crc32.Checksum(h, crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(h[4:8], sum)

	copy(buf[at:at+headerSize], h)
}

func putRegionEntry(buf []byte, tableBuf []byte, idx int, id [16]byte, offset uint64, length uint32, required bool) {
	off := 16 + idx*32
	copy(tableBuf[off:off+16], id[:])
	binary.LittleEndian.PutUint64(tableBuf[off+16:off+24], offset)
	binary.LittleEndian.PutUint32(tableBuf[off+24:off+28], length)
	if required {
		binary.LittleEndian.PutUint32(tableBuf[off+28:off+32], 1)
	}
}

// rtBytes converts a canonical uuid.UUID-style big-endian 16 bytes into the
// on-disk RTUUID mixed-endian layout used by region/metadata UUID fields.
func rtBytes(b [16]byte) [16]byte {
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return out
}

func buildImage(t *testing.T, seqA, seqB uint64) ([]byte, int64, int64) {
	t.Helper()

	const diskSize = 4 << 20
	const blockSize = 1 << 20
	const logicalSectorSize = 512

	total := int64(regionTableOffset) + regionTableSize

	metadataOffset := total
	metadataHeaderSize := int64(32)
	metadataEntrySize := int64(32)
	const numMetaEntries = 3
	metadataItemsOffset := metadataOffset + metadataHeaderSize + numMetaEntries*metadataEntrySize
	// Round items offset so each item's own offset field (relative to
	// table start) is simple to compute.
	fileParamsOff := metadataItemsOffset
	vdiskSizeOff := fileParamsOff + 8
	logSectSizeOff := vdiskSizeOff + 8

	batOffset := logSectSizeOff + 4
	// align to 8
	batOffset = (batOffset + 7) &^ 7

	dataBlocks := int64(diskSize) / blockSize
	chunkRatio := (int64(1) << 23) * logicalSectorSize / blockSize
	batEntries := dataBlocks + (dataBlocks-1)/chunkRatio + 1

	batSize := batEntries * 8
	blockDataOffset := batOffset + batSize
	// BAT file offsets are quantized to MiB, so the block's data must start
	// on a MiB boundary or the encoded/decoded offsets would mismatch.
	const mib = 1024 * 1024
	blockDataOffset = (blockDataOffset + mib - 1) &^ (mib - 1)

	fileEnd := blockDataOffset + blockSize

	buf := make([]byte, fileEnd)

	binary.LittleEndian.PutUint64(buf[0:8], fileIdentifierSignature)

	putHeader(buf, header1Offset, seqA)
	putHeader(buf, header2Offset, seqB)

	regionBuf := buf[regionTableOffset : regionTableOffset+regionTableSize]
	binary.LittleEndian.PutUint32(regionBuf[0:4], regionTableSignature)
	binary.LittleEndian.PutUint32(regionBuf[8:12], 2) // EntryCount

	putRegionEntry(regionBuf, regionBuf, 0, rtBytes(uuidBAT), uint64(batOffset), uint32(batSize), true)
	putRegionEntry(regionBuf, regionBuf, 1, rtBytes(uuidMetadata), uint64(metadataOffset), uint32(metadataHeaderSize+numMetaEntries*metadataEntrySize), true)

	binary.LittleEndian.PutUint32(regionBuf[4:8], 0)
	sum := crc32.Checksum(regionBuf, crc32.MakeTable(crc32.Castagnoli))
	binary.LittleEndian.PutUint32(regionBuf[4:8], sum)

	metaBuf := buf[metadataOffset:]
	binary.LittleEndian.PutUint64(metaBuf[0:8], metadataTableSignature)
	binary.LittleEndian.PutUint16(metaBuf[10:12], numMetaEntries)

	putMetaEntry := func(idx int, id [16]byte, itemOffset int64, length uint32, isRequired bool) {
		off := 32 + idx*32
		copy(metaBuf[off:off+16], id[:])
		binary.LittleEndian.PutUint32(metaBuf[off+16:off+20], uint32(itemOffset-metadataOffset))
		binary.LittleEndian.PutUint32(metaBuf[off+20:off+24], length)
		flags := uint32(0)
		if isRequired {
			flags |= 1 << 2
		}
		binary.LittleEndian.PutUint32(metaBuf[off+24:off+28], flags)
	}

	putMetaEntry(0, rtBytes(uuidFileParams), fileParamsOff, 8, true)
	binary.LittleEndian.PutUint32(buf[fileParamsOff:fileParamsOff+4], blockSize)

	putMetaEntry(1, rtBytes(uuidVDiskSize), vdiskSizeOff, 8, true)
	binary.LittleEndian.PutUint64(buf[vdiskSizeOff:vdiskSizeOff+8], diskSize)

	putMetaEntry(2, rtBytes(uuidLogSectSize), logSectSizeOff, 4, true)
	binary.LittleEndian.PutUint32(buf[logSectSizeOff:logSectSizeOff+4], logicalSectorSize)

	// BAT entry 0: fully present, data at blockDataOffset.
	stateFullyPresent := uint64(blockFullyPresent)
	entry := stateFullyPresent | (uint64(blockDataOffset/(1024*1024)) << 20)
	binary.LittleEndian.PutUint64(buf[batOffset:batOffset+8], entry)

	for i := 0; i < 4; i++ {
		buf[blockDataOffset+int64(i)] = 0x42
	}

	return buf, diskSize, blockDataOffset
}

func TestOpenSelectsHigherSequenceHeader(t *testing.T) {
	// Spec scenario: header sequence numbers (5, 7), both CRC-valid ->
	// header B (seq 7) selected.
	buf, diskSize, _ := buildImage(t, 5, 7)

	f := writeTemp(t, buf)
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, int64(diskSize), img.Size())
}

func TestOpenReadsFullyPresentBlock(t *testing.T) {
	buf, _, _ := buildImage(t, 5, 7)

	f := writeTemp(t, buf)
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 4)
	_, err = img.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0x42, 0x42, 0x42, 0x42}, got)
}

func TestOpenRejectsBadFileIdentifier(t *testing.T) {
	buf, _, _ := buildImage(t, 5, 7)
	binary.LittleEndian.PutUint64(buf[0:8], 0)

	f := writeTemp(t, buf)
	defer f.Close()

	_, err := Open(f)
	require.Error(t, err)
}
