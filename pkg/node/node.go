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

// Package node hosts actors: it hands out handles, runs each actor under a
// one-for-one supervisor and routes messages into their mailboxes. Delivery
// through Push never blocks, so the node can be fed from I/O goroutines.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/metrics"
	"github.com/turtacn/sockbridge/pkg/supervisor"
)

// ErrStopped is returned by Spawn after Shutdown.
var ErrStopped = errors.New("node stopped")

// DefaultMailboxSize is used when Options.MailboxSize is not positive.
const DefaultMailboxSize = 1024

// Options configures a Node.
type Options struct {
	MailboxSize int
	Logger      *log.Logger
}

// SpawnOption customizes a single Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	mailboxSize  int
	restart      supervisor.RestartStrategy
	restartDelay time.Duration
}

// WithMailboxSize overrides the node's mailbox size for one actor.
func WithMailboxSize(n int) SpawnOption {
	return func(c *spawnConfig) { c.mailboxSize = n }
}

// WithRestart sets the supervision strategy. Actors are temporary by default.
func WithRestart(strategy supervisor.RestartStrategy, delay time.Duration) SpawnOption {
	return func(c *spawnConfig) {
		c.restart = strategy
		c.restartDelay = delay
	}
}

type cell struct {
	name    string
	mailbox *actor.Mailbox
	cancel  context.CancelFunc
	done    chan struct{}

	// mu orders sends against the final drain so nothing is left behind in
	// a dead actor's mailbox.
	mu     sync.RWMutex
	closed bool
}

func (c *cell) send(msg actor.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return actor.ErrNoSuchActor
	}
	return c.mailbox.TrySend(msg)
}

func (c *cell) close() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.mailbox.Drain()
}

// Node is a local actor system.
type Node struct {
	mu      sync.RWMutex
	actors  map[actor.Handle]*cell
	next    actor.Handle
	stopped bool

	sup         *supervisor.OneForOneSupervisor
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mailboxSize int
	logger      *log.Entry
}

// New creates a node ready to spawn actors.
func New(opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	size := opts.MailboxSize
	if size <= 0 {
		size = DefaultMailboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		actors:      make(map[actor.Handle]*cell),
		sup:         supervisor.NewOneForOneSupervisorWithLogger(logger),
		ctx:         ctx,
		cancel:      cancel,
		mailboxSize: size,
		logger:      logger.WithField("component", "node"),
	}
}

// Spawn starts a and returns its handle. The actor's context carries the
// handle (actor.FromContext).
func (n *Node) Spawn(name string, a actor.Actor, opts ...SpawnOption) (actor.Handle, error) {
	cfg := spawnConfig{mailboxSize: n.mailboxSize, restart: supervisor.RestartTemporary}
	for _, opt := range opts {
		opt(&cfg)
	}

	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return 0, ErrStopped
	}
	h := n.allocHandle()
	ctx, cancel := context.WithCancel(actor.WithHandle(n.ctx, h))
	c := &cell{
		name:    name,
		mailbox: actor.NewMailbox(cfg.mailboxSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	n.actors[h] = c
	n.wg.Add(1)
	n.mu.Unlock()
	metrics.ActorsAlive.Inc()

	n.sup.StartChild(ctx, supervisor.Spec{
		ID:           fmt.Sprintf("%s%s", name, h),
		Actor:        a,
		Restart:      cfg.restart,
		RestartDelay: cfg.restartDelay,
		Mailbox:      c.mailbox,
		OnExit: func(err error) {
			n.retire(h, c, err)
		},
	})
	n.logger.WithField("actor", name).WithField("handle", h).Debug("actor spawned")
	return h, nil
}

// allocHandle must be called with n.mu held.
func (n *Node) allocHandle() actor.Handle {
	for {
		n.next++
		if n.next == 0 {
			continue
		}
		if _, taken := n.actors[n.next]; !taken {
			return n.next
		}
	}
}

func (n *Node) retire(h actor.Handle, c *cell, err error) {
	c.cancel()
	n.remove(h, c)
	if dropped := c.close(); dropped > 0 {
		n.logger.WithField("handle", h).WithField("dropped", dropped).Debug("discarded undelivered messages")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		n.logger.WithField("actor", c.name).WithField("handle", h).WithError(err).Warn("actor exited")
	}
	close(c.done)
	n.wg.Done()
}

// remove unbinds h if it still refers to c. It reports whether it did.
func (n *Node) remove(h actor.Handle, c *cell) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.actors[h]; !ok || cur != c {
		return false
	}
	delete(n.actors, h)
	metrics.ActorsAlive.Dec()
	return true
}

// Push delivers msg into h's mailbox without blocking.
func (n *Node) Push(h actor.Handle, msg actor.Message) error {
	n.mu.RLock()
	c, ok := n.actors[h]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("push to %s: %w", h, actor.ErrNoSuchActor)
	}
	if err := c.send(msg); err != nil {
		return fmt.Errorf("push to %s: %w", h, err)
	}
	return nil
}

// Kill unbinds h immediately and cancels the actor's context. Messages pushed
// after Kill returns fail with actor.ErrNoSuchActor.
func (n *Node) Kill(h actor.Handle) bool {
	n.mu.RLock()
	c, ok := n.actors[h]
	n.mu.RUnlock()
	if !ok {
		return false
	}
	if !n.remove(h, c) {
		return false
	}
	c.cancel()
	return true
}

// Wait blocks until the actor bound to h at call time has exited, or ctx is done.
func (n *Node) Wait(ctx context.Context, h actor.Handle) error {
	n.mu.RLock()
	c, ok := n.actors[h]
	n.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Total returns the number of live actors.
func (n *Node) Total() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.actors)
}

// Name returns the name an actor was spawned with.
func (n *Node) Name(h actor.Handle) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.actors[h]
	if !ok {
		return "", false
	}
	return c.name, true
}

// Shutdown stops every actor and waits for them to exit.
func (n *Node) Shutdown() {
	n.mu.Lock()
	n.stopped = true
	for h := range n.actors {
		delete(n.actors, h)
		metrics.ActorsAlive.Dec()
	}
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
	n.logger.Info("node stopped")
}
