// Package vdi implements read-only access to VirtualBox VDI disk images.
package vdi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/gpu-ninja/vdisk/internal/errs"
)

const signature = 0xBEDA107F

const (
	blockFree = 0xFFFFFFFF
	blockZero = 0xFFFFFFFE
)

// Image types, grub/io/vdi.c VDIIMAGETYPE.
const (
	typeNormal = 1
	typeFixed  = 2
	typeUndo   = 3
	typeDiff   = 4
)

type preHeader struct {
	FileInfo  [64]byte
	Signature uint32
	Version   uint32
}

type geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
	SectorSize uint32
}

// header1 is the common prefix of the v1 and v1-plus on-disk headers
// (grub/io/vdi.c's VDIHEADER1 vs VDIHEADER1PLUS split). Only this prefix
// is decoded; the v1-plus LCHS geometry tail is not read.
type header1 struct {
	HeaderSize      uint32
	Type            uint32
	Flags           uint32
	Comment         [256]byte
	OffBlocks       uint32
	OffData         uint32
	LegacyGeometry  geometry
	Dummy           uint32
	DiskSize        uint64
	BlockSize       uint32
	BlockExtraSize  uint32
	Blocks          uint32
	BlocksAllocated uint32
	UUIDCreate      [16]byte
	UUIDModify      [16]byte
	UUIDLinkage     [16]byte
	UUIDParentModify [16]byte
}

type header0 struct {
	Type            uint32
	Flags           uint32
	Comment         [256]byte
	LegacyGeometry  geometry
	DiskSize        uint64
	BlockSize       uint32
	Blocks          uint32
	BlocksAllocated uint32
	UUIDCreate      [16]byte
	UUIDModify      [16]byte
	UUIDLinkage     [16]byte
}

// Info exposes the image metadata supplementing the distilled spec
// (original_source grub/lib/vbox/vbox.c keeps these for chain resolution;
// resolving the chain itself remains out of scope here).
type Info struct {
	Type         uint32
	UUIDImage    uuid.UUID
	UUIDLastSnap uuid.UUID
	UUIDLink     uuid.UUID
	UUIDParent   uuid.UUID
}

// Image is an open, read-only VDI disk image.
type Image struct {
	f        *os.File
	diskSize uint64

	offData         uint32
	offStartBlockData uint32
	blockSize       uint32
	totalBlockBytes uint32

	blocks []uint32

	info Info
}

func vboxUUID(b [16]byte) uuid.UUID {
	// RTUUID's first three fields are little-endian; google/uuid expects
	// the canonical big-endian byte order, so swap them here.
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:])
	return uuid.UUID(out)
}

// Open parses f as a VDI image.
func Open(f *os.File) (*Image, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vdi: stat: %w", err)
	}
	fileSize := fi.Size()

	if fileSize < 0x10000 {
		return nil, errs.ErrNotRecognized
	}

	var pre preHeader
	if err := readStruct(f, 0, &pre); err != nil {
		return nil, fmt.Errorf("vdi: failed to read pre-header: %w", err)
	}

	if pre.Signature != signature {
		return nil, errs.BadSignature("vdi: bad signature")
	}

	major := pre.Version >> 16
	if major != 1 && pre.Version != 2 {
		return nil, errs.NotImplementedYet("vdi: unsupported header version")
	}

	const preHeaderSize = 64 + 4 + 4

	img := &Image{f: f}

	if major == 0 {
		var h header0
		if err := readStruct(f, preHeaderSize, &h); err != nil {
			return nil, fmt.Errorf("vdi: failed to read v0 header: %w", err)
		}

		img.offData = uint32(preHeaderSize) + uint32(binary.Size(h)) + h.Blocks*4
		img.blockSize = h.BlockSize
		img.totalBlockBytes = h.BlockSize
		img.diskSize = h.DiskSize
		img.info = Info{
			Type:         h.Type,
			UUIDImage:    vboxUUID(h.UUIDCreate),
			UUIDLastSnap: vboxUUID(h.UUIDModify),
			UUIDLink:     vboxUUID(h.UUIDLinkage),
		}

		if err := validateCommon(h.Type, h.DiskSize, h.BlockSize, 0, h.Blocks, h.BlocksAllocated, h.UUIDCreate, h.UUIDModify); err != nil {
			return nil, err
		}

		blocks, err := readBlocks(f, int64(preHeaderSize+binary.Size(h)), h.Blocks)
		if err != nil {
			return nil, err
		}
		img.blocks = blocks
	} else {
		var h header1
		if err := readStruct(f, preHeaderSize, &h); err != nil {
			return nil, fmt.Errorf("vdi: failed to read v1 header: %w", err)
		}

		if h.HeaderSize < uint32(binary.Size(h)) {
			return nil, errs.BadDevice("vdi: v1 header too small")
		}
		if h.OffBlocks < uint32(preHeaderSize)+uint32(binary.Size(h)) {
			return nil, errs.BadDevice("vdi: blocks offset precedes header")
		}
		if h.OffData < h.OffBlocks+h.Blocks*4 {
			return nil, errs.BadDevice("vdi: data offset precedes blocks array")
		}

		img.offData = h.OffData
		img.offStartBlockData = h.BlockExtraSize
		img.blockSize = h.BlockSize
		img.totalBlockBytes = h.BlockExtraSize + h.BlockSize
		img.diskSize = h.DiskSize
		img.info = Info{
			Type:         h.Type,
			UUIDImage:    vboxUUID(h.UUIDCreate),
			UUIDLastSnap: vboxUUID(h.UUIDModify),
			UUIDLink:     vboxUUID(h.UUIDLinkage),
			UUIDParent:   vboxUUID(h.UUIDParentModify),
		}

		if err := validateCommon(h.Type, h.DiskSize, h.BlockSize, h.BlockExtraSize, h.Blocks, h.BlocksAllocated, h.UUIDCreate, h.UUIDModify); err != nil {
			return nil, err
		}

		blocks, err := readBlocks(f, int64(h.OffBlocks), h.Blocks)
		if err != nil {
			return nil, err
		}
		img.blocks = blocks
	}

	// Legacy tool bug tolerance: silently truncate a non-sector-aligned
	// disk size to the nearest 512-byte multiple. Applied unconditionally,
	// including in this read-only core.
	if img.diskSize&0x1ff != 0 {
		img.diskSize &^= 0x1ff
	}

	return img, nil
}

func validateCommon(typ uint32, diskSize uint64, blockSize, extraSize, blocks, blocksAllocated uint32, uuidCreate, uuidModify [16]byte) error {
	if typ < typeNormal || typ > typeDiff {
		return errs.BadDevice("vdi: unsupported image type")
	}
	if diskSize == 0 || blockSize == 0 || blocks == 0 || !isPowerOfTwo(blockSize) {
		return errs.BadDevice("vdi: invalid disk/block size")
	}
	if blocksAllocated > blocks {
		return errs.BadDevice("vdi: blocks_allocated exceeds blocks")
	}
	if extraSize != 0 && !isPowerOfTwo(extraSize) {
		return errs.BadDevice("vdi: invalid block extra size")
	}
	if uint64(blockSize)*uint64(blocks) < diskSize {
		return errs.BadDevice("vdi: block array too small for disk size")
	}
	if isNullUUID(uuidCreate) || isNullUUID(uuidModify) {
		return errs.BadDevice("vdi: null creation/modification uuid")
	}
	return nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

func isNullUUID(b [16]byte) bool {
	return b == [16]byte{}
}

func readBlocks(f *os.File, offset int64, count uint32) ([]uint32, error) {
	buf := make([]byte, int64(count)*4)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("vdi: failed to read block array: %w", err)
	}
	blocks := make([]uint32, count)
	for i := range blocks {
		blocks[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return blocks, nil
}

func readStruct(f *os.File, offset int64, v interface{}) error {
	size := binary.Size(v)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// Info returns the image's header metadata.
func (i *Image) Info() Info {
	return i.info
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
		return 0, errs.BadArgument("vdi: negative offset")
	}
	if uint64(off)+uint64(len(p)) > i.diskSize {
		return 0, errs.OutOfRange("vdi: read beyond disk size")
	}

	total := 0
	for total < len(p) {
		off := off + int64(total)
		blockIdx := uint32(off) / i.blockSize
		intra := uint32(off) % i.blockSize

		want := len(p) - total
		if remain := int(i.blockSize - intra); want > remain {
			want = remain
		}

		if int(blockIdx) >= len(i.blocks) {
			return total, errs.BadArgument("vdi: offset beyond block array")
		}

		switch i.blocks[blockIdx] {
		case blockFree:
			return total, errs.BadDevice("vdi: read from free block")
		case blockZero:
			for j := 0; j < want; j++ {
				p[total+j] = 0
			}
		default:
			fileOff := int64(i.blocks[blockIdx])*int64(i.totalBlockBytes) + int64(i.offData) + int64(i.offStartBlockData) + int64(intra)

			fi, err := i.f.Stat()
			if err != nil {
				return total, fmt.Errorf("vdi: stat: %w", err)
			}
			if fileOff+int64(want) > fi.Size() {
				for j := 0; j < want; j++ {
					p[total+j] = 0
				}
				total += want
				return total, errs.OutOfRange("vdi: block extends beyond file (legacy shrink tolerance)")
			}

			n, err := i.f.ReadAt(p[total:total+want], fileOff)
			if err != nil {
				return total + n, fmt.Errorf("vdi: %w", err)
			}
		}

		total += want
	}

	return total, nil
}
