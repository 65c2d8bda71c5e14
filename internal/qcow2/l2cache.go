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
	"io"
	"sync"

	"github.com/goburrow/cache"
)

// l2CacheMaxTables bounds the reclaimable tier the same way the teacher's
// tableCache bounded maxCachedTables: by table count, not bytes, since
// every L2 table in an image is the same size (one cluster).
const l2CacheMaxTables = 1000

// pinnedL2 is a refcounted, currently-in-use L2 table. While an entry has
// a pinned record it is not present in the reclaimable LoadingCache, so
// it can never be evicted out from under a caller still holding its
// Release.
type pinnedL2 struct {
	table    []uint64
	refcount int
}

// l2Cache is the cache of QCOW second-level tables (spec §4.2). It
// layers refcounted pinning on top of a github.com/goburrow/cache
// LoadingCache the way the teacher's tableCache layered table caching
// over the same library: the LoadingCache owns the bounded, reclaimable
// tier (tables not currently referenced by a live Fetch), loading misses
// straight from disk via readTable, while a small side map holds
// entries with an outstanding reference so the underlying cache's LRU
// eviction can never reclaim a table a caller is actively reading.
type l2Cache struct {
	mu      sync.Mutex
	f       io.ReaderAt
	entries int64
	loading cache.LoadingCache

	pinned map[int64]*pinnedL2
}

func newL2Cache(f io.ReaderAt, entries int64) *l2Cache {
	c := &l2Cache{
		f:       f,
		entries: entries,
		pinned:  make(map[int64]*pinnedL2),
	}
	c.loading = cache.NewLoadingCache(c.load, cache.WithMaximumSize(l2CacheMaxTables))
	return c
}

// load is the LoadingCache's LoaderFunc: a cache miss reads the table
// directly from the image file.
func (c *l2Cache) load(key cache.Key) (cache.Value, error) {
	return readTable(c.f, key.(int64), int(c.entries))
}

// Release drops one reference acquired by Fetch.
type Release func()

// Fetch returns the host-byte-order L2 table at l2FileOffset, retained
// until the returned Release is called.
func (c *l2Cache) Fetch(l2FileOffset int64, entries int64) ([]uint64, Release, error) {
	c.mu.Lock()
	if e, ok := c.pinned[l2FileOffset]; ok {
		e.refcount++
		c.mu.Unlock()
		return e.table, c.releaseFunc(l2FileOffset), nil
	}
	c.mu.Unlock()

	v, err := c.loading.Get(l2FileOffset)
	if err != nil {
		return nil, nil, err
	}
	table := v.([]uint64)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have pinned the same table while we were
	// fetching it from the LoadingCache; join its reference instead of
	// pinning a second copy.
	if e, ok := c.pinned[l2FileOffset]; ok {
		e.refcount++
		return e.table, c.releaseFunc(l2FileOffset), nil
	}

	c.pinned[l2FileOffset] = &pinnedL2{table: table, refcount: 1}
	c.loading.Invalidate(l2FileOffset)

	return table, c.releaseFunc(l2FileOffset), nil
}

func (c *l2Cache) releaseFunc(offset int64) Release {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		e, ok := c.pinned[offset]
		if !ok {
			return
		}
		e.refcount--
		if e.refcount == 0 {
			delete(c.pinned, offset)
			// Hand the table back to the reclaimable tier instead of
			// dropping it, so a Fetch shortly after the last Release
			// doesn't have to re-read the table from disk.
			c.loading.Put(offset, e.table)
		}
	}
}
