// Copyright 2025 The sockbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package buffer provides owned byte buffers that are handed across goroutines
// with an explicit release step. Buffers normally come from a Pool, which keeps
// allocation accounting so leaks show up as a non-zero Outstanding count.
package buffer

import (
	"sync"
	"sync/atomic"
)

// DefaultBlockSize is the capacity of pooled blocks when NewPool is given a
// non-positive size.
const DefaultBlockSize = 4096

// Buffer is a byte region with a single owner. Ownership moves with the
// pointer; whoever holds it last must call Release exactly once.
type Buffer struct {
	data     []byte
	pool     *Pool
	pooled   bool
	released atomic.Bool
}

// Bytes returns the live region of the buffer.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the number of live bytes.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Truncate shrinks the live region to n bytes. It is used by readers that
// allocate a full block and only fill part of it.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > cap(b.data) {
		panic("buffer: truncate out of range")
	}
	b.data = b.data[:n]
}

// Release hands the buffer back to its pool. A nil buffer is a no-op, and a
// second release of the same buffer panics since it means two owners.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		panic("buffer: released twice")
	}
	if b.pool == nil {
		b.data = nil
		return
	}
	b.pool.put(b)
}

// Wrap returns an unpooled buffer over data. Releasing it only drops the
// reference.
func Wrap(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b != nil && b.released.Load()
}

// Pool hands out Buffers and counts them in and out.
type Pool struct {
	blockSize   int
	blocks      sync.Pool
	outstanding atomic.Int64
	allocated   atomic.Uint64
	freed       atomic.Uint64
}

// NewPool creates a pool whose recycled blocks have blockSize capacity.
// Requests larger than blockSize get a dedicated allocation that is not
// recycled.
func NewPool(blockSize int) *Pool {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	p := &Pool{blockSize: blockSize}
	p.blocks.New = func() any {
		return make([]byte, 0, p.blockSize)
	}
	return p
}

// Get returns a buffer of length n.
func (p *Pool) Get(n int) *Buffer {
	if n < 0 {
		panic("buffer: negative size")
	}
	b := &Buffer{pool: p}
	if n <= p.blockSize {
		b.data = p.blocks.Get().([]byte)[:n]
		b.pooled = true
	} else {
		b.data = make([]byte, n)
	}
	p.outstanding.Add(1)
	p.allocated.Add(1)
	return b
}

// Copy returns a new buffer holding a copy of src.
func (p *Pool) Copy(src []byte) *Buffer {
	b := p.Get(len(src))
	copy(b.data, src)
	return b
}

func (p *Pool) put(b *Buffer) {
	if b.pooled {
		clear(b.data)
		p.blocks.Put(b.data[:0])
	}
	b.data = nil
	p.outstanding.Add(-1)
	p.freed.Add(1)
}

// BlockSize returns the capacity of recycled blocks.
func (p *Pool) BlockSize() int {
	return p.blockSize
}

// Outstanding returns the number of buffers handed out and not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Allocated   uint64 `json:"allocated"`
	Freed       uint64 `json:"freed"`
	Outstanding int64  `json:"outstanding"`
}

// Stats returns the current accounting counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Allocated:   p.allocated.Load(),
		Freed:       p.freed.Load(),
		Outstanding: p.outstanding.Load(),
	}
}
