// Package vhdx implements read-only access to Microsoft VHDX disk images.
package vhdx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/google/uuid"
	"github.com/gpu-ninja/vdisk/internal/errs"
)

const fileIdentifierSignature = 0x656c696678646876 // "vhdxfile"

const (
	header1Offset = 64 * 1024
	header2Offset = 128 * 1024
	headerSize    = 4096
	regionTableOffset = 192 * 1024
	regionTableSize   = 64 * 1024
)

const headerSignature = 0x64616568       // "head"
const regionTableSignature = 0x69676572  // "regi"
const metadataTableSignature = 0x617461646174656d // "metadata"

const regionTableMaxEntries = 2047
const metadataTableMaxEntries = 2047

var uuidBAT = uuid.MustParse("2dc27766-f623-4200-9d64-115e9bfd4a08")
var uuidMetadata = uuid.MustParse("8b7ca206-4790-4b9a-b8fe-575f050f886e")

var (
	uuidFileParams   = uuid.MustParse("caa16737-fa36-4d43-b3b6-33f0aa44e76b")
	uuidVDiskSize    = uuid.MustParse("2fa54224-cd1b-4876-b211-5dbed83bf4b8")
	uuidPage83Data   = uuid.MustParse("beca12ab-b2e6-4523-93ef-c309e000c746")
	uuidLogSectSize  = uuid.MustParse("8141bf1d-a96f-4709-ba47-f233a8faab5f")
	uuidPhysSectSize = uuid.MustParse("cda348c7-445d-4471-9cc9-e9885251c556")
	uuidParentLocator = uuid.MustParse("a8d35f2d-b30b-454d-abf7-d3d84834ab0c")
)

const (
	blockNotPresent   = 0
	blockUndefined    = 1
	blockZero         = 2
	blockUnmapped     = 3
	blockFullyPresent = 6
	blockPartiallyPresent = 7
)

type rawHeader struct {
	Signature      uint32
	Checksum       uint32
	SequenceNumber uint64
	FileWriteUUID  [16]byte
	DataWriteUUID  [16]byte
	LogUUID        [16]byte
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
	Reserved       [4016]byte
}

type regionTableHdr struct {
	Signature  uint32
	Checksum   uint32
	EntryCount uint32
	Reserved   uint32
}

type regionTableEntry struct {
	ObjectUUID [16]byte
	FileOffset uint64
	Length     uint32
	Flags      uint32
}

type metadataTableHdr struct {
	Signature  uint64
	Reserved   uint16
	EntryCount uint16
	Reserved2  [5]uint32
}

type metadataTableEntry struct {
	ItemUUID [16]byte
	Offset   uint32
	Length   uint32
	Flags    uint32
	Reserved uint32
}

type fileParameters struct {
	BlockSize uint32
	Flags     uint32
}

const fileParamsHasParent = 1 << 1

// Image is an open, read-only VHDX disk image.
type Image struct {
	f *os.File

	diskSize         uint64
	logicalSectorSize uint32
	blockSize        uint32
	chunkRatio       uint64

	bat []uint64
}

// Open parses f as a VHDX image.
func Open(f *os.File) (*Image, error) {
	var fileID struct {
		Signature uint64
		Creator   [512]byte
	}
	if err := readStruct(f, 0, &fileID); err != nil {
		return nil, fmt.Errorf("vhdx: failed to read file identifier: %w", err)
	}
	if fileID.Signature != fileIdentifierSignature {
		return nil, errs.BadSignature("vhdx: bad file identifier signature")
	}

	h1, ok1 := readValidHeader(f, header1Offset)
	h2, ok2 := readValidHeader(f, header2Offset)

	var h *rawHeader
	switch {
	case ok1 && ok2:
		if h1.SequenceNumber == h2.SequenceNumber {
			return nil, errs.BadDevice("vhdx: both headers have the same sequence number")
		}
		if h1.SequenceNumber > h2.SequenceNumber {
			h = h1
		} else {
			h = h2
		}
	case ok1:
		h = h1
	case ok2:
		h = h2
	default:
		return nil, errs.BadDevice("vhdx: no valid header found")
	}

	if h.Version != 1 {
		return nil, errs.NotImplementedYet("vhdx: unsupported header version")
	}
	if h.LogUUID != ([16]byte{}) {
		return nil, errs.NotImplementedYet("vhdx: log replay is not supported")
	}

	regions, err := readRegionTable(f)
	if err != nil {
		return nil, err
	}

	batRegion, ok := regions[uuidBAT]
	if !ok {
		return nil, errs.BadDevice("vhdx: missing required bat region")
	}
	metadataRegion, ok := regions[uuidMetadata]
	if !ok {
		return nil, errs.BadDevice("vhdx: missing required metadata region")
	}

	meta, err := readMetadata(f, int64(metadataRegion.FileOffset))
	if err != nil {
		return nil, err
	}

	img := &Image{
		f:                f,
		diskSize:         meta.diskSize,
		logicalSectorSize: meta.logicalSectorSize,
		blockSize:        meta.blockSize,
	}

	img.chunkRatio = (uint64(1) << 23) * uint64(meta.logicalSectorSize) / uint64(meta.blockSize)

	dataBlocks := (img.diskSize + uint64(img.blockSize) - 1) / uint64(img.blockSize)
	batEntries := dataBlocks + (dataBlocks-1)/img.chunkRatio + 1

	bat := make([]uint64, batEntries)
	buf := make([]byte, batEntries*8)
	if _, err := f.ReadAt(buf, int64(batRegion.FileOffset)); err != nil {
		return nil, fmt.Errorf("vhdx: failed to read bat: %w", err)
	}
	for i := range bat {
		bat[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	img.bat = bat

	return img, nil
}

func readValidHeader(f *os.File, offset int64) (*rawHeader, bool) {
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, false
	}

	var h rawHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return nil, false
	}
	if h.Signature != headerSignature {
		return nil, false
	}

	checksum := binary.LittleEndian.Uint32(buf[4:8])
	zeroed := make([]byte, len(buf))
	copy(zeroed, buf)
	binary.LittleEndian.PutUint32(zeroed[4:8], 0)
	if crc32.Checksum(zeroed, crc32.MakeTable(crc32.Castagnoli)) != checksum {
		return nil, false
	}

	return &h, true
}

func readRegionTable(f *os.File) (map[uuid.UUID]regionTableEntry, error) {
	buf := make([]byte, regionTableSize)
	if _, err := f.ReadAt(buf, regionTableOffset); err != nil {
		return nil, fmt.Errorf("vhdx: failed to read region table: %w", err)
	}

	var hdr regionTableHdr
	if err := binary.Read(bytes.NewReader(buf[:16]), binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("vhdx: %w", err)
	}
	if hdr.Signature != regionTableSignature {
		return nil, errs.BadDevice("vhdx: bad region table signature")
	}
	if hdr.EntryCount > regionTableMaxEntries {
		return nil, errs.BadDevice("vhdx: region table entry count too large")
	}

	checksum := hdr.Checksum
	zeroed := make([]byte, len(buf))
	copy(zeroed, buf)
	binary.LittleEndian.PutUint32(zeroed[4:8], 0)
	if crc32.Checksum(zeroed, crc32.MakeTable(crc32.Castagnoli)) != checksum {
		return nil, errs.BadDevice("vhdx: region table checksum mismatch")
	}

	regions := make(map[uuid.UUID]regionTableEntry, hdr.EntryCount)
	for i := uint32(0); i < hdr.EntryCount; i++ {
		off := 16 + int(i)*32
		var e regionTableEntry
		if err := binary.Read(bytes.NewReader(buf[off:off+32]), binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("vhdx: %w", err)
		}

		id := rtUUID(e.ObjectUUID)
		if id != uuidBAT && id != uuidMetadata && e.Flags&1 != 0 {
			return nil, errs.NotImplementedYet("vhdx: unknown required region")
		}
		regions[id] = e
	}

	return regions, nil
}

type parsedMetadata struct {
	blockSize         uint32
	diskSize          uint64
	logicalSectorSize uint32
}

func readMetadata(f *os.File, offset int64) (*parsedMetadata, error) {
	var hdr metadataTableHdr
	if err := readStruct(f, offset, &hdr); err != nil {
		return nil, fmt.Errorf("vhdx: failed to read metadata table header: %w", err)
	}
	if hdr.Signature != metadataTableSignature {
		return nil, errs.BadDevice("vhdx: bad metadata table signature")
	}
	if hdr.EntryCount > metadataTableMaxEntries {
		return nil, errs.BadDevice("vhdx: metadata table entry count too large")
	}

	var meta parsedMetadata
	var haveFileParams, haveDiskSize, haveLogicalSectorSize bool

	for i := uint16(0); i < hdr.EntryCount; i++ {
		entryOffset := offset + 32 + int64(i)*32
		var e metadataTableEntry
		if err := readStruct(f, entryOffset, &e); err != nil {
			return nil, fmt.Errorf("vhdx: failed to read metadata entry: %w", err)
		}

		id := rtUUID(e.ItemUUID)
		itemOffset := offset + int64(e.Offset)

		switch id {
		case uuidFileParams:
			var fp fileParameters
			if err := readStruct(f, itemOffset, &fp); err != nil {
				return nil, fmt.Errorf("vhdx: %w", err)
			}
			if fp.Flags&fileParamsHasParent != 0 {
				return nil, errs.NotImplementedYet("vhdx: parent-backed images are not supported")
			}
			meta.blockSize = fp.BlockSize
			haveFileParams = true
		case uuidVDiskSize:
			buf := make([]byte, 8)
			if _, err := f.ReadAt(buf, itemOffset); err != nil {
				return nil, fmt.Errorf("vhdx: %w", err)
			}
			meta.diskSize = binary.LittleEndian.Uint64(buf)
			haveDiskSize = true
		case uuidLogSectSize:
			buf := make([]byte, 4)
			if _, err := f.ReadAt(buf, itemOffset); err != nil {
				return nil, fmt.Errorf("vhdx: %w", err)
			}
			meta.logicalSectorSize = binary.LittleEndian.Uint32(buf)
			haveLogicalSectorSize = true
		case uuidPhysSectSize, uuidPage83Data:
			// Informational only; no behavior depends on these.
		case uuidParentLocator:
			return nil, errs.NotImplementedYet("vhdx: parent locator items are not supported")
		default:
			if e.Flags&(1<<2) != 0 {
				return nil, errs.NotImplementedYet("vhdx: unknown required metadata item")
			}
		}
	}

	if !haveFileParams || !haveDiskSize || !haveLogicalSectorSize {
		return nil, errs.BadDevice("vhdx: missing required metadata item")
	}

	return &meta, nil
}

// rtUUID converts an on-disk little-endian-mixed RTUUID into the canonical
// big-endian representation google/uuid expects.
func rtUUID(b [16]byte) uuid.UUID {
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return uuid.UUID(out)
}

func readStruct(f *os.File, offset int64, v interface{}) error {
	size := binary.Size(v)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// Size returns the virtual disk size in bytes.
func (i *Image) Size() int64 {
	return int64(i.diskSize)
}

// Close closes the underlying file.
func (i *Image) Close() error {
	return i.f.Close()
}

// ReadAt implements io.ReaderAt.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.BadArgument("vhdx: negative offset")
	}

	total := 0
	for total < len(p) {
		off := off + int64(total)
		if uint64(off) >= i.diskSize {
			break
		}

		batIdx := uint64(off) / uint64(i.blockSize)
		intra := uint64(off) % uint64(i.blockSize)
		batIdx += batIdx / i.chunkRatio

		want := len(p) - total
		if remain := int64(i.blockSize) - int64(intra); int64(want) > remain {
			want = int(remain)
		}

		if batIdx >= uint64(len(i.bat)) {
			return total, errs.BadArgument("vhdx: offset beyond bat")
		}

		entry := i.bat[batIdx]
		state := entry & 0x7
		fileOffsetMB := (entry & 0xFFFFFFFFFFF00000) >> 20

		switch state {
		case blockNotPresent, blockUndefined, blockZero, blockUnmapped:
			for j := 0; j < want; j++ {
				p[total+j] = 0
			}
		case blockFullyPresent:
			fileOffset := int64(fileOffsetMB)*1024*1024 + int64(intra)
			n, err := i.f.ReadAt(p[total:total+want], fileOffset)
			if err != nil {
				return total + n, fmt.Errorf("vhdx: %w", err)
			}
		case blockPartiallyPresent:
			return total, errs.NotImplementedYet("vhdx: partially-present blocks are not supported")
		default:
			return total, errs.BadDevice("vhdx: invalid bat entry state")
		}

		total += want
	}

	if total < len(p) {
		return total, errs.BadArgument("vhdx: read beyond disk size")
	}
	return total, nil
}
