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

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetRelease(t *testing.T) {
	p := NewPool(16)
	b := p.Get(10)
	require.NotNil(t, b)
	assert.Equal(t, 10, b.Len())
	assert.Equal(t, int64(1), p.Outstanding())

	b.Release()
	assert.True(t, b.Released())
	assert.Equal(t, int64(0), p.Outstanding())
	assert.Equal(t, Stats{Allocated: 1, Freed: 1, Outstanding: 0}, p.Stats())
}

func TestPoolOversizedBuffer(t *testing.T) {
	p := NewPool(8)
	b := p.Get(64)
	assert.Equal(t, 64, b.Len())
	assert.False(t, b.pooled)
	b.Release()
	assert.Equal(t, int64(0), p.Outstanding())
}

func TestBufferDoubleReleasePanics(t *testing.T) {
	p := NewPool(8)
	b := p.Get(1)
	b.Release()
	assert.Panics(t, func() { b.Release() })
}

func TestNilBuffer(t *testing.T) {
	var b *Buffer
	assert.Nil(t, b.Bytes())
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Released())
	assert.NotPanics(t, func() { b.Release() })
}

func TestCopyAndTruncate(t *testing.T) {
	p := NewPool(0)
	assert.Equal(t, DefaultBlockSize, p.BlockSize())

	b := p.Copy([]byte("hello world"))
	assert.Equal(t, []byte("hello world"), b.Bytes())
	b.Truncate(5)
	assert.Equal(t, []byte("hello"), b.Bytes())
	assert.Panics(t, func() { b.Truncate(-1) })
	b.Release()
}

func TestWrap(t *testing.T) {
	b := Wrap([]byte("abc"))
	assert.Equal(t, "abc", string(b.Bytes()))
	b.Release()
	assert.True(t, b.Released())
	assert.Nil(t, b.Bytes())
}
