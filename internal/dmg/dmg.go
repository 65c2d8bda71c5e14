// Package dmg implements read-only access to Apple UDIF (DMG) disk images.
package dmg

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/gpu-ninja/vdisk/internal/errs"
	"github.com/gpu-ninja/vdisk/internal/extent"
)

const sectorSize = 512

const udifMagic = 0x6b6f6c79 // "koly"
const udifVersionCurrent = 4
const udifFooterSize = 512

const (
	udifTypeDevice    = 1
	udifTypePartition = 2
)

// udifKnownFlagsMask covers the only footer flag bits this reader
// understands: bit0 (flattened) and bit2 (internal-only).
const udifKnownFlagsMask = 1<<0 | 1<<2

const (
	blkxMagic       = 0x6d697368 // "mish"
	blkxVersion     = 1
	blkxDescHeaderSize = 204 // sizeof(DMGBLKX)
	blkxDescEntrySize  = 40  // sizeof(DMGBLKXDESC)
)

const (
	blkxDescRaw        = 1
	blkxDescIgnore     = 2
	blkxDescADC        = 0x80000004
	blkxDescZlib       = 0x80000005
	blkxDescBzlib      = 0x80000006
	blkxDescLZFSE      = 0x80000007
	blkxDescComment    = 0x7ffffffe
	blkxDescTerminator = 0xffffffff
)

type udifChecksum struct {
	Kind uint32
	Bits uint32
	Sum  [128]byte
}

type footer struct {
	Magic          uint32
	Version        uint32
	FooterSize     uint32
	Flags          uint32
	OffRunData     uint64
	OffData        uint64
	DataSize       uint64
	OffRsrc        uint64
	RsrcSize       uint64
	Segment        uint32
	Segments       uint32
	SegmentID      [16]byte
	DataChecksum   udifChecksum
	OffXML         uint64
	XMLSize        uint64
	Unknown        [120]byte
	MasterChecksum udifChecksum
	Type           uint32
	Sectors        uint64
	Unknown2       [3]uint32
}

type blkxHeader struct {
	Magic            uint32
	Version          uint32
	SectorFirst      uint64
	SectorCount      uint64
	OffData          uint64
	SectorsDecompress uint32
	BlocksDescriptor uint32
	Reserved         [24]byte
	Checksum         udifChecksum
	RunCount         uint32
}

type blkxDesc struct {
	Type        uint32
	Reserved    uint32
	SectorStart uint64
	SectorCount uint64
	OffData     uint64
	DataSize    uint64
}

// Checksum exposes the master UDIF checksum (spec supplement: the
// checksum is parsed and surfaced, not verified against file contents).
type Checksum struct {
	Kind uint32
	Bits uint32
	Sum  []byte
}

// Image is an open, read-only DMG disk image.
type Image struct {
	f        *os.File
	diskSize int64

	table *extent.Table

	checksum Checksum

	lastDecompSector uint64
	lastDecompLen    uint64
	lastDecomp       []byte
}

// Open parses f as a DMG image.
func Open(f *os.File) (*Image, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("dmg: stat: %w", err)
	}
	fileSize := fi.Size()

	if fileSize < udifFooterSize {
		return nil, errs.BadDevice("dmg: file too small for footer")
	}

	var ft footer
	if err := readStruct(f, fileSize-udifFooterSize, &ft); err != nil {
		return nil, fmt.Errorf("dmg: failed to read footer: %w", err)
	}

	if ft.Magic != udifMagic {
		return nil, errs.BadSignature("dmg: bad koly magic")
	}
	if ft.Version != udifVersionCurrent {
		return nil, errs.NotImplementedYet("dmg: unsupported udif version")
	}
	if ft.FooterSize != udifFooterSize {
		return nil, errs.BadDevice("dmg: unexpected footer size field")
	}
	if ft.Type != udifTypeDevice && ft.Type != udifTypePartition {
		return nil, errs.NotImplementedYet("dmg: unsupported image type")
	}
	if ft.Segments > 1 {
		return nil, errs.NotImplementedYet("dmg: multi-segment images are not supported")
	}
	if ft.Segment != 0 && ft.Segment != 1 {
		return nil, errs.BadDevice("dmg: unexpected segment index")
	}
	if ft.Flags&^uint32(udifKnownFlagsMask) != 0 {
		return nil, errs.NotImplementedYet("dmg: unrecognized footer flag bits set")
	}

	footerOffset := uint64(fileSize) - udifFooterSize
	if ft.OffRunData >= footerOffset {
		return nil, errs.BadDevice("dmg: run data region out of bounds")
	}
	if ft.OffData >= footerOffset || ft.OffData+ft.DataSize > footerOffset {
		return nil, errs.BadDevice("dmg: data region out of bounds")
	}
	if ft.OffRsrc >= footerOffset || ft.OffRsrc+ft.RsrcSize > footerOffset {
		return nil, errs.BadDevice("dmg: resource fork region out of bounds")
	}
	if ft.OffXML >= footerOffset || ft.OffXML+ft.XMLSize > footerOffset {
		return nil, errs.BadDevice("dmg: xml region out of bounds")
	}
	if ft.XMLSize <= 128 || ft.XMLSize >= 10*1024*1024 {
		return nil, errs.BadDevice("dmg: implausible xml resource fork size")
	}
	if ft.Sectors == 0 {
		return nil, errs.BadDevice("dmg: zero sector count")
	}

	xml := make([]byte, ft.XMLSize)
	if _, err := f.ReadAt(xml, int64(ft.OffXML)); err != nil {
		return nil, fmt.Errorf("dmg: failed to read xml resource fork: %w", err)
	}

	blkxBlobs, err := parseBlkxResource(xml)
	if err != nil {
		return nil, errs.BadSignature(fmt.Sprintf("dmg: %v", err))
	}

	var extents []extent.Extent
	for _, blob := range blkxBlobs {
		parsed, err := parseBlkx(blob)
		if err != nil {
			return nil, err
		}
		extents = append(extents, parsed...)
	}

	table, err := extent.New(extents)
	if err != nil {
		return nil, errs.BadDevice(fmt.Sprintf("dmg: %v", err))
	}

	checksumBytes := ft.MasterChecksum.Bits / 8
	if checksumBytes > uint32(len(ft.MasterChecksum.Sum)) {
		return nil, errs.BadDevice("dmg: master checksum bit count out of range")
	}

	img := &Image{
		f:        f,
		diskSize: int64(ft.Sectors) * sectorSize,
		table:    table,
		checksum: Checksum{
			Kind: ft.MasterChecksum.Kind,
			Bits: ft.MasterChecksum.Bits,
			Sum:  append([]byte(nil), ft.MasterChecksum.Sum[:checksumBytes]...),
		},
	}

	return img, nil
}

// parseBlkx decodes one "mish" BLKX resource blob into extents.
func parseBlkx(blob []byte) ([]extent.Extent, error) {
	if len(blob) < blkxDescHeaderSize {
		return nil, errs.BadDevice("dmg: blkx blob smaller than header")
	}

	var h blkxHeader
	if err := binary.Read(bytes.NewReader(blob[:blkxDescHeaderSize]), binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("dmg: %w", err)
	}

	if h.Magic != blkxMagic {
		return nil, errs.BadDevice("dmg: bad blkx magic")
	}
	if h.Version != blkxVersion {
		return nil, errs.NotImplementedYet("dmg: unsupported blkx version")
	}
	if uint64(len(blob)) != uint64(blkxDescHeaderSize)+uint64(h.RunCount)*blkxDescEntrySize {
		return nil, errs.BadDevice("dmg: blkx blob size does not match run count")
	}

	var extents []extent.Extent
	descs := blob[blkxDescHeaderSize:]

	for i := uint32(0); i < h.RunCount; i++ {
		off := int(i) * blkxDescEntrySize
		var d blkxDesc
		if err := binary.Read(bytes.NewReader(descs[off:off+blkxDescEntrySize]), binary.BigEndian, &d); err != nil {
			return nil, fmt.Errorf("dmg: %w", err)
		}

		switch d.Type {
		case blkxDescRaw:
			extents = append(extents, extent.Extent{
				FirstSector: h.SectorFirst + d.SectorStart,
				Count:       d.SectorCount,
				FileOffset:  int64(d.OffData),
				FileBytes:   int64(d.DataSize),
				Kind:        extent.Raw,
			})
		case blkxDescIgnore:
			extents = append(extents, extent.Extent{
				FirstSector: h.SectorFirst + d.SectorStart,
				Count:       d.SectorCount,
				Kind:        extent.Zero,
			})
		case blkxDescZlib:
			extents = append(extents, extent.Extent{
				FirstSector: h.SectorFirst + d.SectorStart,
				Count:       d.SectorCount,
				FileOffset:  int64(d.OffData),
				FileBytes:   int64(d.DataSize),
				Kind:        extent.CompressedZlib,
			})
		case blkxDescComment:
			continue
		case blkxDescTerminator:
			return extents, nil
		case blkxDescADC, blkxDescBzlib, blkxDescLZFSE:
			return nil, errs.NotImplementedYet("dmg: unsupported blkx compression type")
		default:
			return nil, errs.BadDevice("dmg: unrecognized blkx descriptor type")
		}
	}

	return extents, nil
}

func readStruct(f *os.File, offset int64, v interface{}) error {
	size := binary.Size(v)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.BigEndian, v)
}

// Checksum returns the image's master UDIF checksum.
func (i *Image) Checksum() Checksum {
	return i.checksum
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
		return 0, errs.BadArgument("dmg: negative offset")
	}
	if off+int64(len(p)) > i.diskSize {
		return 0, errs.BadArgument("dmg: read beyond disk size")
	}

	total := 0
	for total < len(p) {
		off := off + int64(total)
		sector := uint64(off) / sectorSize
		intraSector := uint64(off) % sectorSize

		e, ok := i.table.Lookup(sector)
		if !ok {
			return total, errs.BadArgument("dmg: offset not covered by any extent")
		}

		sectorInExtent := sector - e.FirstSector
		remainBytes := (e.Count-sectorInExtent)*sectorSize - intraSector

		want := len(p) - total
		if uint64(want) > remainBytes {
			want = int(remainBytes)
		}

		switch e.Kind {
		case extent.Zero:
			for j := 0; j < want; j++ {
				p[total+j] = 0
			}
		case extent.Raw:
			fileOff := e.FileOffset + int64(sectorInExtent)*sectorSize + int64(intraSector)
			n, err := i.f.ReadAt(p[total:total+want], fileOff)
			if err != nil {
				return total + n, fmt.Errorf("dmg: %w", err)
			}
		case extent.CompressedZlib:
			decompressed, err := i.decompressExtent(e)
			if err != nil {
				return total, err
			}
			start := sectorInExtent*sectorSize + intraSector
			if start+uint64(want) > uint64(len(decompressed)) {
				return total, errs.BadCompressedData("dmg: decompressed extent shorter than declared")
			}
			copy(p[total:total+want], decompressed[start:start+uint64(want)])
		default:
			return total, errs.NotImplementedYet("dmg: unsupported extent kind")
		}

		total += want
	}

	return total, nil
}

// decompressExtent inflates e, reusing the previous extent's decompressed
// buffer when the read pattern revisits the same extent in sequence
// (mirrors original_source/grub/io/dmg.c's single-slot pExtentDecomp
// cache rather than a general LRU: DMG images are read front-to-back in
// the overwhelming majority of real use, so a one-entry cache captures
// almost all of the benefit at a fraction of the complexity).
func (i *Image) decompressExtent(e extent.Extent) ([]byte, error) {
	if i.lastDecomp != nil && i.lastDecompSector == e.FirstSector && i.lastDecompLen == e.Count {
		return i.lastDecomp, nil
	}

	raw := make([]byte, e.FileBytes)
	if _, err := i.f.ReadAt(raw, e.FileOffset); err != nil {
		return nil, fmt.Errorf("dmg: failed to read compressed extent: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errs.BadCompressedData(fmt.Sprintf("dmg: %v", err))
	}
	defer zr.Close()

	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return nil, errs.BadCompressedData(fmt.Sprintf("dmg: %v", err))
	}

	i.lastDecompSector = e.FirstSector
	i.lastDecompLen = e.Count
	i.lastDecomp = decompressed

	return decompressed, nil
}
