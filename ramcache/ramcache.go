// Copyright 2026 The qemu-colo Authors
// This file is part of the qemu-colo library.
//
// The qemu-colo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The qemu-colo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the qemu-colo library. If not, see <http://www.gnu.org/licenses/>.

// Package ramcache keeps the secondary's dirty-page cache between
// checkpoints. Pages whose content the cache already holds need not be
// re-installed during a load, which keeps the stop window of large guests
// short.
package ramcache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
)

// MinCacheSize is the smallest backing store fastcache accepts without
// rounding up, 32 MiB.
const MinCacheSize = 32 << 20

// Cache maps guest frame numbers to page contents.
type Cache struct {
	c      *fastcache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

// CreateAndInit allocates a page cache with the given capacity in bytes.
func CreateAndInit(maxBytes int) *Cache {
	if maxBytes < MinCacheSize {
		maxBytes = MinCacheSize
	}
	return &Cache{c: fastcache.New(maxBytes)}
}

func frameKey(frame uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], frame)
	return k[:]
}

// StorePage records the content of a guest frame.
func (c *Cache) StorePage(frame uint64, data []byte) {
	c.c.Set(frameKey(frame), data)
}

// Page returns the cached content of a guest frame.
func (c *Cache) Page(frame uint64) ([]byte, bool) {
	v, ok := c.c.HasGet(nil, frameKey(frame))
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// HitRate returns the hit and miss counts since creation.
func (c *Cache) HitRate() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Release drops all cached pages and returns the backing memory.
func (c *Cache) Release() {
	c.c.Reset()
}
