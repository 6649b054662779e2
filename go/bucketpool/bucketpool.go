/*
Copyright 2021 The Maxgate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bucketpool implements a pool of byte slices of assorted sizes.
// Buffers are bucketed by powers of two between a minimum and a maximum
// size; a request is served from the smallest bucket that fits it.
package bucketpool

import (
	"sync"
)

type sizedPool struct {
	size int
	pool sync.Pool
}

func newSizedPool(size int) *sizedPool {
	return &sizedPool{
		size: size,
		pool: sync.Pool{
			New: func() any { return makeSlicePointer(size) },
		},
	}
}

// Pool is a collection of sized pools. A Get is served by the smallest
// bucket whose size fits the request; oversized requests get a plain
// unpooled allocation.
type Pool struct {
	minSize int
	maxSize int
	pools   []*sizedPool
}

// New creates a Pool with buckets of minSize, doubling up to maxSize.
// The last bucket is always exactly maxSize. A minSize below one starts
// the doubling at one.
func New(minSize, maxSize int) *Pool {
	if maxSize < minSize {
		panic("bucketpool: maxSize less than minSize")
	}
	var pools []*sizedPool
	curSize := minSize
	if curSize < 1 {
		curSize = 1
	}
	for curSize < maxSize {
		pools = append(pools, newSizedPool(curSize))
		curSize *= 2
	}
	pools = append(pools, newSizedPool(maxSize))
	return &Pool{
		minSize: minSize,
		maxSize: maxSize,
		pools:   pools,
	}
}

func (p *Pool) findPool(size int) *sizedPool {
	if size > p.maxSize {
		return nil
	}
	for _, sp := range p.pools {
		if sp.size >= size {
			return sp
		}
	}
	return nil
}

// Get returns a pointer to a slice of length size. The slice comes from
// a bucket when one fits, and is freshly allocated otherwise.
func (p *Pool) Get(size int) *[]byte {
	sp := p.findPool(size)
	if sp == nil {
		return makeSlicePointer(size)
	}
	buf := sp.pool.Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

// Put returns a slice to its bucket. Slices that did not come from a
// bucket are dropped.
func (p *Pool) Put(b *[]byte) {
	sp := p.findPool(cap(*b))
	if sp == nil || sp.size != cap(*b) {
		return
	}
	*b = (*b)[:cap(*b)]
	sp.pool.Put(b)
}

func makeSlicePointer(size int) *[]byte {
	data := make([]byte, size)
	return &data
}
