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

package protoactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	proto "github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/sockbridge/pkg/actor"
)

type payload struct {
	released atomic.Bool
}

func (p *payload) Release() { p.released.Store(true) }

type recorder struct {
	self     actor.Handle
	received chan *actor.Message
	stopped  chan struct{}
}

func (r *recorder) Receive(ctx proto.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Message:
		r.received <- msg
	case *proto.Stopped:
		close(r.stopped)
	}
}

func spawnRecorder(t *testing.T, rt *Runtime) (actor.Handle, *recorder) {
	t.Helper()
	rec := &recorder{received: make(chan *actor.Message, 8), stopped: make(chan struct{})}
	h, pid := rt.Spawn(func(self actor.Handle) proto.Actor {
		rec.self = self
		return rec
	})
	require.NotNil(t, pid)
	return h, rec
}

func TestRuntimePush(t *testing.T) {
	rt := New(proto.NewActorSystem(), nil)
	defer rt.Shutdown()

	h, rec := spawnRecorder(t, rt)
	assert.Equal(t, 1, rt.Total())

	p := &payload{}
	require.NoError(t, rt.Push(h, actor.Message{Type: actor.PTypeSocket, Payload: p, Size: 24}))

	select {
	case msg := <-rec.received:
		assert.Equal(t, actor.PTypeSocket, msg.Type)
		assert.Same(t, p, msg.Payload)
		assert.Equal(t, 24, msg.Size)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, h, rec.self)
	assert.False(t, p.released.Load())
}

func TestRuntimePushUnknown(t *testing.T) {
	rt := New(proto.NewActorSystem(), nil)
	defer rt.Shutdown()

	err := rt.Push(actor.Handle(99), actor.Message{})
	assert.ErrorIs(t, err, actor.ErrNoSuchActor)
	assert.False(t, rt.Kill(actor.Handle(99)))
	assert.NoError(t, rt.Wait(context.Background(), actor.Handle(99)))
}

func TestRuntimeKill(t *testing.T) {
	rt := New(proto.NewActorSystem(), nil)
	defer rt.Shutdown()

	h, rec := spawnRecorder(t, rt)
	pid, ok := rt.PID(h)
	require.True(t, ok)

	require.True(t, rt.Kill(h))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Wait(ctx, h))
	<-rec.stopped

	assert.Equal(t, 0, rt.Total())
	assert.ErrorIs(t, rt.Push(h, actor.Message{}), actor.ErrNoSuchActor)

	// anything still sent to the dead PID is released
	p := &payload{}
	rt.system.Root.Send(pid, &actor.Message{Payload: p})
	require.Eventually(t, p.released.Load, 2*time.Second, 5*time.Millisecond)
}

func TestRuntimeShutdown(t *testing.T) {
	rt := New(proto.NewActorSystem(), nil)
	for i := 0; i < 3; i++ {
		spawnRecorder(t, rt)
	}
	assert.Equal(t, 3, rt.Total())
	rt.Shutdown()
	assert.Equal(t, 0, rt.Total())
}
