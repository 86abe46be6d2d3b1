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

package node

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/sockbridge/pkg/actor"
)

type payload struct{ released atomic.Bool }

func (p *payload) Release() { p.released.Store(true) }

// recorder forwards everything it receives to out until its context ends.
func recorder(out chan<- any) actor.Actor {
	return actor.ActorFunc(func(ctx context.Context, mb *actor.Mailbox) error {
		for {
			msg, err := mb.Receive(ctx)
			if err != nil {
				return err
			}
			out <- msg
		}
	})
}

func TestSpawnPushReceive(t *testing.T) {
	n := New(Options{MailboxSize: 4})
	defer n.Shutdown()

	out := make(chan any, 1)
	h, err := n.Spawn("recorder", recorder(out))
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.Equal(t, 1, n.Total())

	name, ok := n.Name(h)
	assert.True(t, ok)
	assert.Equal(t, "recorder", name)

	require.NoError(t, n.Push(h, actor.Message{Type: actor.PTypeText, Payload: "hi"}))
	select {
	case msg := <-out:
		assert.Equal(t, "hi", msg.(actor.Message).Payload)
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}
}

func TestActorSeesOwnHandle(t *testing.T) {
	n := New(Options{})
	defer n.Shutdown()

	seen := make(chan actor.Handle, 1)
	h, err := n.Spawn("self", actor.ActorFunc(func(ctx context.Context, mb *actor.Mailbox) error {
		self, _ := actor.FromContext(ctx)
		seen <- self
		<-ctx.Done()
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, h, <-seen)
}

func TestPushToUnknownActor(t *testing.T) {
	n := New(Options{})
	defer n.Shutdown()

	err := n.Push(actor.Handle(99), actor.Message{})
	assert.ErrorIs(t, err, actor.ErrNoSuchActor)
}

func TestPushNeverBlocks(t *testing.T) {
	n := New(Options{MailboxSize: 1})
	defer n.Shutdown()

	block := make(chan struct{})
	defer close(block)
	h, err := n.Spawn("stuck", actor.ActorFunc(func(ctx context.Context, mb *actor.Mailbox) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, n.Push(h, actor.Message{}))
	done := make(chan error, 1)
	go func() { done <- n.Push(h, actor.Message{}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, actor.ErrMailboxFull)
	case <-time.After(time.Second):
		t.Fatal("Push blocked on a full mailbox")
	}
}

func TestKill(t *testing.T) {
	n := New(Options{})
	defer n.Shutdown()

	h, err := n.Spawn("victim", recorder(make(chan any)))
	require.NoError(t, err)
	assert.True(t, n.Kill(h))
	assert.False(t, n.Kill(h))
	assert.Equal(t, 0, n.Total())
	assert.ErrorIs(t, n.Push(h, actor.Message{}), actor.ErrNoSuchActor)
}

func TestActorExitRetiresHandleAndReleasesMailbox(t *testing.T) {
	n := New(Options{MailboxSize: 4})
	defer n.Shutdown()

	quit := make(chan struct{})
	h, err := n.Spawn("short-lived", actor.ActorFunc(func(ctx context.Context, mb *actor.Mailbox) error {
		<-quit
		return errors.New("done")
	}))
	require.NoError(t, err)

	p := &payload{}
	require.NoError(t, n.Push(h, actor.Message{Type: actor.PTypeSocket, Payload: p}))

	close(quit)

	require.Eventually(t, p.released.Load, time.Second, 5*time.Millisecond,
		"undelivered payload must be released")
	assert.Equal(t, 0, n.Total())
	assert.ErrorIs(t, n.Push(h, actor.Message{}), actor.ErrNoSuchActor)
}

func TestWait(t *testing.T) {
	n := New(Options{})
	defer n.Shutdown()

	h, err := n.Spawn("sleeper", recorder(make(chan any)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, n.Wait(ctx, h), context.DeadlineExceeded)

	assert.NoError(t, n.Wait(context.Background(), actor.Handle(12345)))
}

func TestShutdown(t *testing.T) {
	n := New(Options{})
	for i := 0; i < 3; i++ {
		_, err := n.Spawn("worker", recorder(make(chan any)))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, n.Total())

	n.Shutdown()
	assert.Equal(t, 0, n.Total())

	_, err := n.Spawn("late", recorder(make(chan any)))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestHandlesAreUnique(t *testing.T) {
	n := New(Options{})
	defer n.Shutdown()

	seen := make(map[actor.Handle]bool)
	for i := 0; i < 10; i++ {
		h, err := n.Spawn("w", recorder(make(chan any)))
		require.NoError(t, err)
		assert.False(t, seen[h])
		seen[h] = true
	}
}
