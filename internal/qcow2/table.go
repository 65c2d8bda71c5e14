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
)

// readTable reads n big-endian uint64 entries at offset and byte-swaps
// them to host order, the same shape as the teacher's readTable.
func readTable(f io.ReaderAt, offset int64, n int) ([]uint64, error) {
	buf := make([]byte, 8*n)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("qcow2: failed to read table: %w", err)
	}

	t := make([]uint64, n)
	if err := binary.Read(bytes.NewReader(buf), binary.BigEndian, &t); err != nil {
		return nil, fmt.Errorf("qcow2: failed to decode table: %w", err)
	}

	return t, nil
}
