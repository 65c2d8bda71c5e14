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

// Package vdisk exposes heterogeneous on-disk virtual-disk container
// formats (DMG, QCOW, VDI, VHD, VHDX) as a single read-only,
// byte-addressable io.ReaderAt over an underlying raw file.
package vdisk

import (
	"fmt"
	"io"
	"os"

	"github.com/gpu-ninja/vdisk/internal/dmg"
	"github.com/gpu-ninja/vdisk/internal/qcow2"
	"github.com/gpu-ninja/vdisk/internal/vdi"
	"github.com/gpu-ninja/vdisk/internal/vhd"
	"github.com/gpu-ninja/vdisk/internal/vhdx"
)

// minProbeSize is the smallest file size worth probing (spec: "if the
// file's reported size is < 64 KiB, return unchanged").
const minProbeSize = 64 * 1024

// Image is a read-only virtual disk: a linear byte-addressable stream
// over whatever container format backs it.
type Image interface {
	io.ReaderAt
	// Size returns the virtual disk size in bytes.
	Size() int64
	// Close releases all memory owned by the handle and the underlying file.
	Close() error
}

// Probe inspects f and, if a backend recognizes it, returns a handle
// wrapping it. Backends are tried in the fixed order {DMG, QCOW, VDI,
// VHD, VHDX}; if none match, ErrNotRecognized is returned and f is left
// at its original read position (no backend here mutates the file
// cursor, since every one of them reads exclusively via ReadAt).
func Probe(f *os.File) (Image, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("vdisk: stat: %w", err)
	}

	if fi.Size() < minProbeSize {
		return nil, ErrNotRecognized
	}

	if img, err := dmg.Open(f); err == nil {
		return img, nil
	}
	if img, err := qcow2.Open(f); err == nil {
		return img, nil
	}
	if img, err := vdi.Open(f); err == nil {
		return img, nil
	}
	if img, err := vhd.Open(f); err == nil {
		return img, nil
	}
	if img, err := vhdx.Open(f); err == nil {
		return img, nil
	}

	return nil, ErrNotRecognized
}
