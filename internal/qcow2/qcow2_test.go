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
	"compress/flate"
	"encoding/binary"
	"os"
	"testing"

	"github.com/gpu-ninja/vdisk/internal/errs"
	"github.com/stretchr/testify/require"
)

// buildV2Image synthesizes a minimal, hand-laid-out QCOW2 v2 image with
// one L1 entry covering one L2 table of 64 entries (cluster_bits=9, so
// 512-byte clusters and a 32768-byte virtual disk): entry 0 is a raw
// cluster, entry 1 is a hole, entry 2 is a deflate-compressed cluster,
// and the rest are holes.
func buildV2Image(t *testing.T) []byte {
	t.Helper()

	const clusterBits = 9
	const clusterSize = 1 << clusterBits
	const l2Entries = 64
	const virtualSize = clusterSize * l2Entries

	const (
		l1Offset  = 512
		l2Offset  = 1024
		rawOffset = 2048
	)

	rawCluster := bytes.Repeat([]byte{0xAB}, clusterSize)

	var compressedBuf bytes.Buffer
	fw, err := flate.NewWriter(&compressedBuf, flate.BestCompression)
	require.NoError(t, err)
	compressedSource := bytes.Repeat([]byte{0xCD}, clusterSize)
	_, err = fw.Write(compressedSource)
	require.NoError(t, err)
	require.NoError(t, fw.Close())
	compressedOffset := int64(rawOffset + clusterSize)

	buf := make([]byte, compressedOffset+int64(compressedBuf.Len())+clusterSize)

	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(Version2))

	hdr := headerV2{
		ClusterBits:   clusterBits,
		Size:          virtualSize,
		L1Size:        1,
		L1TableOffset: l1Offset,
	}
	var hb bytes.Buffer
	require.NoError(t, binary.Write(&hb, binary.BigEndian, hdr))
	copy(buf[8:], hb.Bytes())

	l1 := L1TableEntry(0).withOffset(l2Offset)
	binary.BigEndian.PutUint64(buf[l1Offset:l1Offset+8], uint64(l1))

	hostBits := (&Header{ClusterBits: clusterBits}).hostClusterBits()
	additionalSectors := uint64((len(compressedBuf.Bytes())-1)/512)
	compressedEntry := uint64(1)<<62 | uint64(compressedOffset) | additionalSectors<<hostBits

	l2 := make([]byte, l2Entries*8)
	binary.BigEndian.PutUint64(l2[0:8], uint64(rawOffset))
	binary.BigEndian.PutUint64(l2[8:16], 0)
	binary.BigEndian.PutUint64(l2[16:24], compressedEntry)
	copy(buf[l2Offset:], l2)

	copy(buf[rawOffset:], rawCluster)
	copy(buf[compressedOffset:], compressedBuf.Bytes())

	return buf
}

// withOffset is a test-only helper building an L1 entry pointing at an
// L2 table, mirroring the production masking in Offset().
func (e L1TableEntry) withOffset(offset int64) L1TableEntry {
	return L1TableEntry(offset) & ((1<<48 - 1) << 9)
}

func writeTemp(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "qcow2-*.img")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	return f
}

func TestOpenV2RawClusterRead(t *testing.T) {
	f := writeTemp(t, buildV2Image(t))
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	require.Equal(t, int64(32768), img.Size())

	got := make([]byte, 512)
	n, err := img.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 512), got)
}

func TestOpenV2HoleReadsZero(t *testing.T) {
	f := writeTemp(t, buildV2Image(t))
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 512)
	n, err := img.ReadAt(got, 512)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, make([]byte, 512), got)
}

func TestOpenV2CompressedClusterRead(t *testing.T) {
	f := writeTemp(t, buildV2Image(t))
	defer f.Close()

	img, err := Open(f)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 512)
	n, err := img.ReadAt(got, 1024)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, bytes.Repeat([]byte{0xCD}, 512), got)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	data := buildV2Image(t)
	data[0] = 0

	f := writeTemp(t, data)
	defer f.Close()

	_, err := Open(f)
	require.ErrorIs(t, err, errs.ErrBadSignature)
}
