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
	"sync"

	"github.com/goburrow/cache"
)

// decompressCacheEntries bounds the number of inflated clusters held at
// once, the same size-by-count approach the teacher uses for its table
// cache via goburrow/cache.
const decompressCacheEntries = 64

// decompressionCache memoizes inflated compressed clusters by their
// compressed-chunk file offset, so repeated reads into the same
// compressed cluster (common with small, unaligned ReadAt calls) don't
// re-run flate for every call. Unlike l2Cache's LoadingCache, this one
// needs no pinned tier: entries are plain immutable byte slices with no
// outstanding-reference requirement, so a bare cache.Cache can evict a
// chunk at any time without a caller noticing.
type decompressionCache struct {
	mu sync.Mutex
	c  cache.Cache
}

func newDecompressionCache() *decompressionCache {
	return &decompressionCache{
		c: cache.New(cache.WithMaximumSize(decompressCacheEntries)),
	}
}

// get returns the cached decompressed chunk for key, computing and
// storing it via load on a miss.
func (d *decompressionCache) get(key int64, load func() ([]byte, error)) ([]byte, error) {
	if v, ok := d.c.GetIfPresent(key); ok {
		return v.([]byte), nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.c.GetIfPresent(key); ok {
		return v.([]byte), nil
	}

	buf, err := load()
	if err != nil {
		return nil, err
	}

	d.c.Put(key, buf)
	return buf, nil
}
