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

package vdisk

import "github.com/gpu-ninja/vdisk/internal/errs"

// Error is the closed set of error codes a backend can report.
type Error = errs.Error

const (
	// ErrNotRecognized means no backend's Open succeeded against the file.
	ErrNotRecognized = errs.ErrNotRecognized
	// ErrOutOfMemory mirrors OUT_OF_MEMORY: an allocation failed.
	ErrOutOfMemory = errs.ErrOutOfMemory
	// ErrBadSignature mirrors BAD_SIGNATURE: wrong magic bytes.
	ErrBadSignature = errs.ErrBadSignature
	// ErrBadDevice mirrors BAD_DEVICE: malformed header or table.
	ErrBadDevice = errs.ErrBadDevice
	// ErrBadArgument mirrors BAD_ARGUMENT: an out-of-range request.
	ErrBadArgument = errs.ErrBadArgument
	// ErrOutOfRange mirrors OUT_OF_RANGE: a read crosses beyond the disk.
	ErrOutOfRange = errs.ErrOutOfRange
	// ErrBadCompressedData mirrors BAD_COMPRESSED_DATA.
	ErrBadCompressedData = errs.ErrBadCompressedData
	// ErrNotImplementedYet mirrors NOT_IMPLEMENTED_YET: a well-formed but
	// unsupported variant (encrypted QCOW, snapshots, VHDX parent
	// locators, v3 incompatible features, ADC/BZLIB/LZFSE DMG chunks, ...).
	ErrNotImplementedYet = errs.ErrNotImplementedYet
)
