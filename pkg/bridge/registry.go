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

	"github.com/turtacn/sockbridge/pkg/socket"
)

// DefaultInstance is the identifier of the always-present default server.
const DefaultInstance = 0

// DefaultInitialCapacity is the registry capacity when none is configured.
const DefaultInitialCapacity = 4

// Registry maps small integer identifiers to socket servers. Identifier 0 is
// the default server; 1..Count() index the pool in registration order.
// Entries are never removed, so an identifier stays valid for the life of
// the registry.
type Registry struct {
	def socket.Server

	mu       sync.RWMutex
	list     []socket.Server
	count    int
	capacity int
}

// NewRegistry creates a registry around the default server.
func NewRegistry(def socket.Server, initialCapacity int) *Registry {
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	return &Registry{
		def:      def,
		list:     make([]socket.Server, initialCapacity),
		capacity: initialCapacity,
	}
}

// Register appends srv and returns its identifier.
func (r *Registry) Register(srv socket.Server) int {
	if srv == nil {
		panic("bridge: register nil socket server")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == r.capacity {
		r.grow()
	}
	r.list[r.count] = srv
	r.count++
	return r.count
}

// grow doubles the capacity, copying the existing entries. Called with r.mu
// held for writing.
func (r *Registry) grow() {
	capacity := r.capacity * 2
	list := make([]socket.Server, capacity)
	copy(list, r.list[:r.count])
	r.list = list
	r.capacity = capacity
}

// Count returns the number of registered servers, the default excluded.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the current storage capacity.
func (r *Registry) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity
}

// Lookup resolves id. 0 always yields the default server; ids outside
// [1, Count()] are absent.
func (r *Registry) Lookup(id int) (socket.Server, bool) {
	if id == DefaultInstance {
		return r.def, r.def != nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 1 || id > r.count {
		return nil, false
	}
	return r.list[id-1], true
}

// Default returns the default server.
func (r *Registry) Default() socket.Server {
	return r.def
}

// Instances returns the registered servers in identifier order, the
// default excluded.
func (r *Registry) Instances() []socket.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]socket.Server(nil), r.list[:r.count]...)
}

// IDOf returns the identifier srv was registered under.
func (r *Registry) IDOf(srv socket.Server) (int, bool) {
	if srv == nil {
		return 0, false
	}
	if srv == r.def {
		return DefaultInstance, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, s := range r.list[:r.count] {
		if s == srv {
			return i + 1, true
		}
	}
	return 0, false
}
