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

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gpu-ninja/vdisk/internal/errs"
)

type commonPrefix struct {
	Magic   uint32
	Version Version
}

func readHeader(f io.ReaderAt, fileSize int64) (*Header, error) {
	if fileSize < 8 {
		return nil, errs.BadDevice("qcow2: file too small for header")
	}

	var prefix commonPrefix
	if err := readStruct(f, 0, &prefix); err != nil {
		return nil, fmt.Errorf("qcow2: failed to read header prefix: %w", err)
	}

	if prefix.Magic != Magic {
		return nil, errs.BadSignature("qcow2: bad magic")
	}

	switch prefix.Version {
	case Version1:
		return readHeaderV1(f, fileSize)
	case Version2, Version3:
		return readHeaderV2V3(f, fileSize)
	default:
		return nil, errs.NotImplementedYet("qcow2: unsupported version")
	}
}

func readHeaderV1(f io.ReaderAt, fileSize int64) (*Header, error) {
	var raw headerV1
	if err := readStruct(f, 8, &raw); err != nil {
		return nil, fmt.Errorf("qcow2: failed to read v1 header: %w", err)
	}

	if raw.BackingFileOffset != 0 {
		return nil, errs.NotImplementedYet("qcow2: backing files are not supported")
	}

	if raw.ClusterBits < 9 {
		return nil, errs.BadDevice("qcow2: cluster_bits too small")
	}

	l2Entries := uint64(1) << raw.L2Bits
	clusterSize := uint64(1) << raw.ClusterBits
	if l2Entries == 0 || clusterSize == 0 || l2Entries > (1<<62)/clusterSize {
		return nil, errs.BadDevice("qcow2: l2_bits/cluster_bits overflow")
	}

	if raw.CryptMethod != uint32(NoEncryption) {
		return nil, errs.NotImplementedYet("qcow2: encryption is not supported")
	}

	if raw.L1TableOffset+0 > uint64(fileSize) {
		return nil, errs.BadDevice("qcow2: l1 table offset beyond file")
	}

	l1Size := raw.Size / (clusterSize * l2Entries)
	if raw.Size%(clusterSize*l2Entries) != 0 {
		l1Size++
	}

	return &Header{
		Version:       Version1,
		ClusterBits:   uint32(raw.ClusterBits),
		L2Bits:        uint32(raw.L2Bits),
		Size:          raw.Size,
		CryptMethod:   NoEncryption,
		L1Size:        uint32(l1Size),
		L1TableOffset: raw.L1TableOffset,
	}, nil
}

func readHeaderV2V3(f io.ReaderAt, fileSize int64) (*Header, error) {
	var prefix commonPrefix
	if err := readStruct(f, 0, &prefix); err != nil {
		return nil, err
	}

	var raw headerV2
	if err := readStruct(f, 8, &raw); err != nil {
		return nil, fmt.Errorf("qcow2: failed to read v2 header: %w", err)
	}

	if raw.BackingFileOffset != 0 {
		return nil, errs.NotImplementedYet("qcow2: backing files are not supported")
	}

	if raw.ClusterBits < 9 {
		return nil, errs.BadDevice("qcow2: cluster_bits too small")
	}

	if raw.CryptMethod != NoEncryption {
		return nil, errs.NotImplementedYet("qcow2: encryption is not supported")
	}

	hdr := &Header{
		Version:               prefix.Version,
		ClusterBits:           raw.ClusterBits,
		L2Bits:                raw.ClusterBits - 3, // 8-byte entries
		Size:                  raw.Size,
		CryptMethod:           raw.CryptMethod,
		L1Size:                raw.L1Size,
		L1TableOffset:         raw.L1TableOffset,
		RefcountTableOffset:   raw.RefcountTableOffset,
		RefcountTableClusters: raw.RefcountTableClusters,
		NbSnapshots:           raw.NbSnapshots,
		SnapshotsOffset:       raw.SnapshotsOffset,
		RefcountOrder:         4,
	}

	if prefix.Version == Version3 {
		var v3 headerV3Additional
		if err := readStruct(f, 8+int64(binary.Size(raw)), &v3); err != nil {
			return nil, fmt.Errorf("qcow2: failed to read v3 header tail: %w", err)
		}

		if v3.IncompatibleFeatures&^supportedIncompatibleFeatures != 0 {
			return nil, errs.NotImplementedYet("qcow2: unsupported incompatible feature bit set")
		}

		if raw.NbSnapshots != 0 {
			return nil, errs.NotImplementedYet("qcow2: snapshots are not supported")
		}

		hdr.IncompatibleFeatures = v3.IncompatibleFeatures
		hdr.RefcountOrder = v3.RefcountOrder
		hdr.HeaderLength = v3.HeaderLength
	}

	if hdr.L1TableOffset > uint64(fileSize) {
		return nil, errs.BadDevice("qcow2: l1 table offset beyond file")
	}
	if hdr.RefcountTableOffset > uint64(fileSize) {
		return nil, errs.BadDevice("qcow2: refcount table offset beyond file")
	}

	return hdr, nil
}

// readStruct reads a fixed-size, big-endian, byte-packed struct at offset
// via ReaderAt (never mutates a shared file cursor).
func readStruct(f io.ReaderAt, offset int64, v interface{}) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("qcow2: type %T is not fixed-size", v)
	}

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return err
	}

	return binary.Read(bytes.NewReader(buf), binary.BigEndian, v)
}
