/* SPDX-License-Identifier: Apache-2.0
 *
 * Copyright 2023 Damian Peckett <damian@peckett>.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package qcow2

const (
	// Magic bytes for the QCOW file format: 'Q', 'F', 'I', 0xfb.
	Magic = 0x514649FB
)

// Version is the QCOW version number.
type Version uint32

const (
	Version1 Version = 1
	Version2 Version = 2
	Version3 Version = 3
)

// EncryptionMethod is the disk encryption method.
type EncryptionMethod uint32

const (
	NoEncryption  EncryptionMethod = 0
	AesEncryption EncryptionMethod = 1
)

// IncompatibleFeatures is a bitmask of incompatible features (v3 only).
type IncompatibleFeatures uint64

const (
	IncompatibleDirty        IncompatibleFeatures = 1 << 0
	IncompatibleCorrupt      IncompatibleFeatures = 1 << 1
	IncompatibleExternalData IncompatibleFeatures = 1 << 2
	IncompatibleExtendedL2   IncompatibleFeatures = 1 << 3

	// supportedIncompatibleFeatures is the empty mask: any incompatible
	// feature bit aborts open, per spec.
	supportedIncompatibleFeatures IncompatibleFeatures = 0
)

// headerV1 is the on-disk QCOW version 1 header, following the 8-byte
// magic+version common prefix. Grounded on original_source grub/io/qcow.c's
// QCowHeader.Version.v1 union member, including its explicit padding (the
// source notes "Padding because the header is not packed in the original
// source").
type headerV1 struct {
	BackingFileOffset uint64
	BackingFileSize   uint32
	MTime             uint32
	Size              uint64
	ClusterBits       uint8
	L2Bits            uint8
	Padding           uint16
	CryptMethod       uint32
	L1TableOffset     uint64
}

// headerV2 is the on-disk QCOW version 2/3 header, following the 8-byte
// magic+version common prefix.
type headerV2 struct {
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           EncryptionMethod
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
}

// headerV3Additional is the version-3-only tail of the header.
type headerV3Additional struct {
	IncompatibleFeatures IncompatibleFeatures
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder        uint32
	HeaderLength         uint32
}

// Header is the parsed, version-normalized QCOW header used by the rest
// of the package regardless of on-disk version.
type Header struct {
	Version               Version
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	L2Bits                uint32 // v1 only; derived as ClusterBits-3 for v2/v3 (8-byte entries)
	Size                  uint64
	CryptMethod           EncryptionMethod
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
	IncompatibleFeatures  IncompatibleFeatures
	RefcountOrder         uint32
	HeaderLength          uint32
}

// ClusterSize returns 1 << ClusterBits.
func (h *Header) ClusterSize() int64 {
	return 1 << h.ClusterBits
}

// L2Entries returns the number of entries in one L2 table.
func (h *Header) L2Entries() int64 {
	return 1 << h.L2Bits
}

// hostClusterBits is the bit width of a compressed-cluster byte offset in
// a v2/v3 L2 entry (spec §3 QCOW: "62 − (cluster_bits − 8)").
func (h *Header) hostClusterBits() uint {
	return uint(62 - (h.ClusterBits - 8))
}

// L1TableEntry is a raw, host-byte-order v2/v3 L1 table entry.
type L1TableEntry uint64

// Offset returns the L2 table's file offset (v2/v3 masking).
func (e L1TableEntry) Offset() int64 {
	return int64(e & ((1<<48 - 1) << 9))
}

// Used reports whether this L1 entry points at an allocated L2 table.
func (e L1TableEntry) Used() bool {
	return e.Offset() != 0
}

// L2TableEntry is a raw, host-byte-order v2/v3 L2 table entry.
type L2TableEntry uint64

// Unallocated reports a hole: no data, no compressed chunk (spec: "If
// zero, hole").
func (e L2TableEntry) Unallocated() bool {
	return e&((1<<48-1)<<9) == 0 && !e.Compressed()
}

// Compressed reports bit 62, the compressed-cluster flag.
func (e L2TableEntry) Compressed() bool {
	return e&(1<<62) != 0
}

// Offset returns the raw (payload) cluster offset: for uncompressed
// entries the masked 48-bit cluster offset, for compressed entries the
// byte offset of the compressed chunk.
func (e L2TableEntry) Offset(hdr *Header) int64 {
	if e.Compressed() {
		bits := hdr.hostClusterBits()
		return int64(e & ((1 << bits) - 1))
	}
	return int64(e & ((1<<48 - 1) << 9))
}

// CompressedSize returns the length in bytes of a compressed chunk,
// derived from the "extra sector count" packed above the byte offset
// (spec §3 QCOW, §4.4).
func (e L2TableEntry) CompressedSize(hdr *Header) int64 {
	bits := hdr.hostClusterBits()
	additionalSectors := int64((e >> bits) & ((1 << (61 - bits + 1)) - 1))
	return (additionalSectors + 1) * 512
}

// l2v1Entry is a raw v1 L2 (cluster descriptor) entry: bit 63 marks the
// cluster as compressed, the remaining bits are either a plain cluster
// offset or a packed (offset, sector-count) compressed descriptor.
// v1 L1 entries have no such flags — they are a plain uint64 file offset
// to the L2 table, zero meaning "no L2 table allocated".
type l2v1Entry uint64

func (e l2v1Entry) Compressed() bool {
	return e&(1<<63) != 0
}

func (e l2v1Entry) Unallocated() bool {
	return e == 0
}

// Offset returns the plain cluster file offset for an uncompressed entry.
func (e l2v1Entry) Offset() int64 {
	return int64(e &^ (1 << 63))
}

// compressedOffsetAndSectors splits a compressed v1 entry into its byte
// offset and sector count, per original_source grub/io/qcow.c: the low
// bits carry the offset, the high bits (below the compressed flag) carry
// the sector count, with the split point derived from cluster_bits.
func (e l2v1Entry) compressedOffsetAndSectors(clusterBits uint32) (offset int64, sectors int64) {
	// v1 images put a clusterBits-wide sector-count field (in 512-byte
	// sectors) directly above a (63-clusterBits)-bit byte offset, so both
	// fit below the bit-63 flag.
	sectorCountBits := uint(63 - clusterBits)
	offsetMask := uint64(1)<<sectorCountBits - 1
	offset = int64(e & offsetMask)
	sectors = int64((e &^ (1 << 63)) >> sectorCountBits)
	return
}
