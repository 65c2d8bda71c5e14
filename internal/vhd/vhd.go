// Package vhd implements read-only access to Microsoft VHD disk images
// (fixed, dynamic, and differencing).
package vhd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/gpu-ninja/vdisk/internal/errs"
)

const footerCookie = "conectix"
const dynamicHeaderCookie = "cxsparse"

const (
	diskTypeFixed        = 2
	diskTypeDynamic      = 3
	diskTypeDifferencing = 4
)

const (
	unallocatedEntry = 0xFFFFFFFF
	maxBATEntries    = (2 * 1024 * 1024 * 1024 * 1024 / 512) - 2 // 2 TiB / 512 - 2
)

type footer struct {
	Cookie               [8]byte
	Features             uint32
	Version              uint32
	DataOffset           uint64
	Timestamp            uint32
	CreatorApp           [4]byte
	CreatorVer           uint32
	CreatorOS            uint32
	OrigSize             uint64
	CurSize              uint64
	DiskGeometryCylinder uint16
	DiskGeometryHeads    uint8
	DiskGeometrySectors  uint8
	DiskType             uint32
	Checksum             uint32
	UniqueID             [16]byte
	SavedState           uint8
	Reserved             [427]byte
}

type dynamicHeader struct {
	Cookie          [8]byte
	DataOffset      uint64
	TableOffset     uint64
	HeaderVersion   uint32
	MaxTableEntries uint32
	BlockSize       uint32
	Checksum        uint32
	ParentUUID      [16]byte
	ParentTimestamp uint32
	Reserved0       uint32
	ParentUnicodeName [512]byte
	ParentLocator   [8 * 24]byte
	Reserved1       [256]byte
}

// Image is an open, read-only VHD disk image.
type Image struct {
	f        *os.File
	diskSize int64
	diskType uint32
	uniqueID [16]byte

	blockSectors   uint32
	bitmapSectors  uint32
	bat            []uint32
}

// Open parses f as a VHD image.
func Open(f *os.File) (*Image, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vhd: stat: %w", err)
	}
	fileSize := fi.Size()

	if fileSize < 512 {
		return nil, errs.BadDevice("vhd: file too small for footer")
	}

	var ft footer
	if err := readStruct(f, fileSize-512, &ft); err != nil {
		return nil, fmt.Errorf("vhd: failed to read footer: %w", err)
	}

	if string(ft.Cookie[:]) != footerCookie {
		// Fall back to the backup copy at offset 0 (spec §4.6).
		if err := readStruct(f, 0, &ft); err != nil {
			return nil, fmt.Errorf("vhd: failed to read backup footer: %w", err)
		}
		if string(ft.Cookie[:]) != footerCookie {
			return nil, errs.BadSignature("vhd: bad cookie")
		}
	}

	img := &Image{
		f:        f,
		diskSize: int64(ft.CurSize),
		diskType: ft.DiskType,
		uniqueID: ft.UniqueID,
	}

	switch ft.DiskType {
	case diskTypeFixed:
		// No further metadata: reads pass straight through to the file.
	case diskTypeDynamic, diskTypeDifferencing:
		if err := img.loadDynamicHeader(int64(ft.DataOffset)); err != nil {
			return nil, err
		}
	default:
		return nil, errs.NotImplementedYet("vhd: unsupported disk type")
	}

	return img, nil
}

func (i *Image) loadDynamicHeader(offset int64) error {
	var dh dynamicHeader
	if err := readStruct(i.f, offset, &dh); err != nil {
		return fmt.Errorf("vhd: failed to read dynamic disk header: %w", err)
	}

	if string(dh.Cookie[:]) != dynamicHeaderCookie {
		return errs.BadDevice("vhd: bad dynamic disk header cookie")
	}

	if dh.MaxTableEntries > maxBATEntries {
		return errs.BadDevice("vhd: bat entry count exceeds maximum image size")
	}

	blockSectors := dh.BlockSize / 512
	if blockSectors == 0 {
		return errs.BadDevice("vhd: zero block size")
	}
	bitmapBytes := blockSectors / 8
	bitmapSectors := (bitmapBytes + 511) / 512

	i.blockSectors = blockSectors
	i.bitmapSectors = bitmapSectors

	bat := make([]uint32, dh.MaxTableEntries)
	buf := make([]byte, int64(dh.MaxTableEntries)*4)
	if _, err := i.f.ReadAt(buf, int64(dh.TableOffset)); err != nil {
		return fmt.Errorf("vhd: failed to read bat: %w", err)
	}
	for idx := range bat {
		bat[idx] = binary.BigEndian.Uint32(buf[idx*4:])
	}
	i.bat = bat

	return nil
}

func readStruct(f *os.File, offset int64, v interface{}) error {
	size := binary.Size(v)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.BigEndian, v)
}

// UniqueID returns the footer's UniqueID field, exposed for parity with
// original_source grub/io/vhd.c (differencing-parent resolution itself
// remains out of scope).
func (i *Image) UniqueID() [16]byte {
	return i.uniqueID
}

// Size returns the virtual disk size in bytes.
func (i *Image) Size() int64 {
	return i.diskSize
}

// Close closes the underlying file.
func (i *Image) Close() error {
	return i.f.Close()
}

// ReadAt implements io.ReaderAt.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.BadArgument("vhd: negative offset")
	}

	if i.diskType == diskTypeFixed {
		if off >= i.diskSize {
			return 0, errs.OutOfRange("vhd: read beyond disk size")
		}
		want := len(p)
		if remain := i.diskSize - off; int64(want) > remain {
			want = int(remain)
		}
		n, err := i.f.ReadAt(p[:want], off)
		if err != nil {
			return n, fmt.Errorf("vhd: %w", err)
		}
		return n, nil
	}

	total := 0
	for total < len(p) {
		off := off + int64(total)
		if off >= i.diskSize {
			break
		}

		sector := off / 512
		batIdx := uint32(sector) / i.blockSectors
		sectorInBlock := uint32(sector) % i.blockSectors
		intra := off % 512

		want := len(p) - total
		// Clamp to remain inside the current block.
		sectorsRemainingInBlock := int64(i.blockSectors-sectorInBlock)*512 - intra
		if int64(want) > sectorsRemainingInBlock {
			want = int(sectorsRemainingInBlock)
		}

		if int(batIdx) >= len(i.bat) {
			return total, errs.BadArgument("vhd: offset beyond bat")
		}

		if i.bat[batIdx] == unallocatedEntry {
			// Hole: the standalone core zero-fills and continues (spec §9
			// open question: "zero-fill the returned range and continue").
			for j := 0; j < want; j++ {
				p[total+j] = 0
			}
			total += want
			continue
		}

		blockOffset := int64(i.bat[batIdx]) * 512

		run, dirty, err := i.sectorRun(blockOffset, sectorInBlock, uint32((int64(want)+intra+511)/512))
		if err != nil {
			return total, err
		}

		runBytes := int64(run)*512 - intra
		if int64(want) > runBytes {
			want = int(runBytes)
		}

		if dirty {
			dataOffset := blockOffset + int64(i.bitmapSectors)*512 + int64(sectorInBlock)*512 + intra
			n, err := i.f.ReadAt(p[total:total+want], dataOffset)
			if err != nil {
				return total + n, fmt.Errorf("vhd: %w", err)
			}
		} else {
			// Clean sectors: "this many sectors come from the parent" — the
			// caller zero-fills in this standalone, parent-less core.
			for j := 0; j < want; j++ {
				p[total+j] = 0
			}
		}

		total += want
	}

	if total < len(p) {
		return total, errs.OutOfRange("vhd: read beyond disk size")
	}
	return total, nil
}

// sectorRun reads the block's sector bitmap and returns the count of
// consecutive sectors starting at sectorInBlock sharing the same dirty
// state (bounded by maxSectors), and whether that run is dirty.
func (i *Image) sectorRun(blockOffset int64, sectorInBlock, maxSectors uint32) (uint32, bool, error) {
	bitmap := make([]byte, i.bitmapSectors*512)
	if _, err := i.f.ReadAt(bitmap, blockOffset); err != nil {
		return 0, false, fmt.Errorf("vhd: failed to read block bitmap: %w", err)
	}

	bitAt := func(bit uint32) bool {
		byteIdx := bit / 8
		bitIdx := 7 - (bit % 8) // MSB-first within each byte
		if int(byteIdx) >= len(bitmap) {
			return false
		}
		return bitmap[byteIdx]&(1<<bitIdx) != 0
	}

	first := bitAt(sectorInBlock)
	run := uint32(1)
	for run < maxSectors && sectorInBlock+run < i.blockSectors && bitAt(sectorInBlock+run) == first {
		run++
	}

	return run, first, nil
}
