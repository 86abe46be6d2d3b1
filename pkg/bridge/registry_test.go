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

package bridge

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/sockbridge/pkg/socket"
	"github.com/turtacn/sockbridge/pkg/socket/sockettest"
)

func TestRegistryAssignsSequentialIDs(t *testing.T) {
	def := sockettest.New()
	r := NewRegistry(def, 1)

	servers := make([]*sockettest.Server, 5)
	for i := range servers {
		servers[i] = sockettest.New()
		assert.Equal(t, i+1, r.Register(servers[i]))
	}
	assert.Equal(t, 5, r.Count())
	assert.GreaterOrEqual(t, r.Capacity(), 5)

	for i, srv := range servers {
		got, ok := r.Lookup(i + 1)
		require.True(t, ok)
		assert.Same(t, srv, got)
	}

	got, ok := r.Lookup(DefaultInstance)
	require.True(t, ok)
	assert.Same(t, def, got)
	assert.Same(t, def, r.Default())

	_, ok = r.Lookup(6)
	assert.False(t, ok)
	_, ok = r.Lookup(-1)
	assert.False(t, ok)

	assert.Len(t, r.Instances(), 5)
}

func TestRegistryGrowthDoubles(t *testing.T) {
	r := NewRegistry(sockettest.New(), 2)
	r.Register(sockettest.New())
	r.Register(sockettest.New())
	assert.Equal(t, 2, r.Capacity())
	r.Register(sockettest.New())
	assert.Equal(t, 4, r.Capacity())
}

func TestRegistryDefaultCapacity(t *testing.T) {
	r := NewRegistry(sockettest.New(), 0)
	assert.Equal(t, DefaultInitialCapacity, r.Capacity())
}

func TestRegistryRejectsNil(t *testing.T) {
	r := NewRegistry(sockettest.New(), 0)
	assert.Panics(t, func() { r.Register(nil) })
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry(sockettest.New(), 1)

	const n = 64
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Register(sockettest.New())
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		srv, ok := r.Lookup(id)
		assert.True(t, ok)
		assert.Implements(t, (*socket.Server)(nil), srv)
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, r.Count())
}

func TestRegistryIDOf(t *testing.T) {
	def := sockettest.New()
	r := NewRegistry(def, 2)
	a, b := sockettest.New(), sockettest.New()
	r.Register(a)
	r.Register(b)

	id, ok := r.IDOf(def)
	require.True(t, ok)
	assert.Equal(t, DefaultInstance, id)

	id, ok = r.IDOf(b)
	require.True(t, ok)
	assert.Equal(t, 2, id)

	_, ok = r.IDOf(sockettest.New())
	assert.False(t, ok)
	_, ok = r.IDOf(nil)
	assert.False(t, ok)
}
