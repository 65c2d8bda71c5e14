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

// Package qcow2 implements read-only access to QCOW version 1, 2 and 3
// disk images, as produced by QEMU and GRUB's own qcow.c reader.
package qcow2

import (
	"fmt"
	"io"
	"os"

	"github.com/gpu-ninja/vdisk/internal/errs"
)

// Image is an open, read-only QCOW disk image.
type Image struct {
	f   *os.File
	hdr *Header

	l1Table []uint64

	l2cache         *l2Cache
	decompressCache *decompressionCache
}

// Open parses f as a QCOW image. It returns errs.ErrBadSignature if the
// magic does not match, and errs.ErrNotImplementedYet for recognized but
// unsupported on-disk features (backing files, encryption, snapshots,
// incompatible feature bits).
func Open(f *os.File) (*Image, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("qcow2: stat: %w", err)
	}

	hdr, err := readHeader(f, fi.Size())
	if err != nil {
		return nil, err
	}

	l1Table, err := readTable(f, int64(hdr.L1TableOffset), int(hdr.L1Size))
	if err != nil {
		return nil, fmt.Errorf("qcow2: failed to read l1 table: %w", err)
	}

	return &Image{
		f:               f,
		hdr:             hdr,
		l1Table:         l1Table,
		l2cache:         newL2Cache(f, hdr.L2Entries()),
		decompressCache: newDecompressionCache(),
	}, nil
}

// Size returns the virtual disk size in bytes.
func (i *Image) Size() int64 {
	return int64(i.hdr.Size)
}

// Close closes the underlying file.
func (i *Image) Close() error {
	return i.f.Close()
}

// ReadAt implements io.ReaderAt over the virtual address space,
// resolving each cluster independently so a read spanning multiple
// clusters (some raw, some holes, some compressed) is satisfied
// transparently.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errs.BadArgument("qcow2: negative offset")
	}
	if off >= int64(i.hdr.Size) {
		return 0, errs.BadArgument("qcow2: offset beyond declared size")
	}

	total := 0
	for total < len(p) {
		vaddr := off + int64(total)
		if vaddr >= int64(i.hdr.Size) {
			break
		}

		r, err := i.clusterReader(vaddr)
		if err != nil {
			return total, err
		}

		want := len(p) - total
		clusterSize := i.hdr.ClusterSize()
		remainInCluster := clusterSize - (vaddr % clusterSize)
		if int64(want) > remainInCluster {
			want = int(remainInCluster)
		}
		if remain := int64(i.hdr.Size) - vaddr; int64(want) > remain {
			want = int(remain)
		}

		n, err := io.ReadFull(r, p[total:total+want])
		total += n
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return total, fmt.Errorf("qcow2: %w", err)
		}
		if n < want {
			break
		}
	}

	if total < len(p) {
		return total, errs.BadArgument("qcow2: offset beyond declared size")
	}
	return total, nil
}
