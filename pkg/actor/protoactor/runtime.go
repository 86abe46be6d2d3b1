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

// Package protoactor runs socket-owning actors on a protoactor-go actor
// system. Runtime gives each spawned actor a bridge handle and satisfies the
// bridge's Push/Total contract.
package protoactor

import (
	"context"
	"fmt"
	"sync"

	proto "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/metrics"
)

// Producer builds the actor behind handle self.
type Producer func(self actor.Handle) proto.Actor

// Runtime maps bridge handles to protoactor PIDs.
type Runtime struct {
	system *proto.ActorSystem
	sub    *eventstream.Subscription
	logger *log.Entry

	mu   sync.RWMutex
	next uint32
	pids map[actor.Handle]*proto.PID
	live map[actor.Handle]chan struct{}
}

// New wraps system. Messages that end up as dead letters are released.
func New(system *proto.ActorSystem, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &Runtime{
		system: system,
		logger: logger.WithField("component", "protoactor"),
		pids:   make(map[actor.Handle]*proto.PID),
		live:   make(map[actor.Handle]chan struct{}),
	}
	r.sub = system.EventStream.Subscribe(r.onEvent)
	return r
}

func (r *Runtime) onEvent(evt any) {
	if dl, ok := evt.(*proto.DeadLetterEvent); ok {
		actor.Release(dl.Message)
	}
}

// Spawn starts the actor built by producer and returns its handle.
func (r *Runtime) Spawn(producer Producer) (actor.Handle, *proto.PID) {
	r.mu.Lock()
	r.next++
	h := actor.Handle(r.next)
	r.live[h] = make(chan struct{})
	r.mu.Unlock()
	metrics.ActorsAlive.Inc()

	props := proto.PropsFromProducer(func() proto.Actor {
		return &tracked{inner: producer(h), rt: r, self: h}
	})
	pid := r.system.Root.Spawn(props)

	r.mu.Lock()
	if _, ok := r.live[h]; ok {
		r.pids[h] = pid
	}
	r.mu.Unlock()
	r.logger.WithFields(log.Fields{"handle": h, "pid": pid.Id}).Debug("actor spawned")
	return h, pid
}

func (r *Runtime) retire(h actor.Handle) {
	r.mu.Lock()
	done, ok := r.live[h]
	delete(r.live, h)
	delete(r.pids, h)
	r.mu.Unlock()
	if ok {
		close(done)
		metrics.ActorsAlive.Dec()
	}
}

// Push sends msg to h as a *actor.Message. It never blocks.
func (r *Runtime) Push(h actor.Handle, msg actor.Message) error {
	r.mu.RLock()
	pid, ok := r.pids[h]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("push to %s: %w", h, actor.ErrNoSuchActor)
	}
	r.system.Root.Send(pid, &msg)
	return nil
}

// Total returns the number of live actors.
func (r *Runtime) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// PID returns the protoactor PID of h.
func (r *Runtime) PID(h actor.Handle) (*proto.PID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.pids[h]
	return pid, ok
}

// Kill stops h. It reports false for unknown handles.
func (r *Runtime) Kill(h actor.Handle) bool {
	pid, ok := r.PID(h)
	if !ok {
		return false
	}
	r.system.Root.Stop(pid)
	return true
}

// Wait blocks until h has stopped.
func (r *Runtime) Wait(ctx context.Context, h actor.Handle) error {
	r.mu.RLock()
	done, ok := r.live[h]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every actor and waits for them.
func (r *Runtime) Shutdown() {
	r.mu.RLock()
	pids := make([]*proto.PID, 0, len(r.pids))
	for _, pid := range r.pids {
		pids = append(pids, pid)
	}
	r.mu.RUnlock()
	for _, pid := range pids {
		if err := r.system.Root.StopFuture(pid).Wait(); err != nil {
			r.logger.WithError(err).WithField("pid", pid.Id).Warn("actor stop timed out")
		}
	}
	r.system.EventStream.Unsubscribe(r.sub)
}

// tracked keeps the runtime's view of an actor's life in step with
// protoactor and frees socket messages that arrive after it stopped.
type tracked struct {
	inner   proto.Actor
	rt      *Runtime
	self    actor.Handle
	stopped bool
}

func (t *tracked) Receive(ctx proto.Context) {
	switch msg := ctx.Message().(type) {
	case *proto.Stopped:
		t.stopped = true
		t.inner.Receive(ctx)
		t.rt.retire(t.self)
		return
	case *actor.Message:
		if t.stopped {
			actor.Release(msg)
			return
		}
	}
	t.inner.Receive(ctx)
}
