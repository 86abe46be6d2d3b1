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

// Package actor defines the building blocks of the actor runtime: handles,
// messages and mailboxes.
package actor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoSuchActor is returned when a message is pushed to a handle that is
	// not (or no longer) bound to a live actor.
	ErrNoSuchActor = errors.New("no such actor")
	// ErrMailboxFull is returned by non-blocking sends when the mailbox buffer
	// has no free slot.
	ErrMailboxFull = errors.New("mailbox full")
)

// Handle identifies an actor within a node. The zero handle never names a
// live actor and is used as the "system" source of messages.
type Handle uint32

// Self makes a Handle usable wherever a Context is expected.
func (h Handle) Self() Handle {
	return h
}

// String formats the handle the way it is printed in logs, e.g. ":0000002a".
func (h Handle) String() string {
	return fmt.Sprintf(":%08x", uint32(h))
}

// Context is what an actor knows about itself while handling a message.
type Context interface {
	// Self returns the handle of the running actor.
	Self() Handle
}

type handleKey struct{}

// WithHandle returns a copy of ctx carrying h as the current actor.
func WithHandle(ctx context.Context, h Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// FromContext extracts the current actor handle installed by WithHandle.
func FromContext(ctx context.Context) (Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(Handle)
	return h, ok
}

// PType tags the protocol of a Message so the receiving actor knows how to
// interpret its payload.
type PType uint8

const (
	PTypeText      PType = 0
	PTypeResponse  PType = 1
	PTypeMulticast PType = 2
	PTypeClient    PType = 3
	PTypeSystem    PType = 4
	PTypeHarbor    PType = 5
	PTypeSocket    PType = 6
	PTypeError     PType = 7
)

// Message is the unit stored in a mailbox.
type Message struct {
	Source  Handle
	Session int32
	Type    PType
	Payload any
	Size    int
}

// Releaser is implemented by payloads that own resources. Messages that are
// discarded without being handled get their payload released.
type Releaser interface {
	Release()
}

// Actor defines the interface for an actor process.
// An actor is an entity that, in response to a message it receives,
// can concurrently:
//   - send a finite number of messages to other actors;
//   - create a finite number of new actors;
//   - designate the behavior to be used for the next message it receives.
type Actor interface {
	// Start is called when the actor is started.
	// The context controls the lifecycle of the actor and carries its handle
	// (see FromContext); the mailbox is used to receive incoming messages.
	// The method should block until the actor is terminated.
	Start(ctx context.Context, mb *Mailbox) error
}

// ActorFunc adapts a function to the Actor interface.
type ActorFunc func(ctx context.Context, mb *Mailbox) error

// Start calls f(ctx, mb).
func (f ActorFunc) Start(ctx context.Context, mb *Mailbox) error {
	return f(ctx, mb)
}

// Mailbox is a channel-based message queue for an actor.
// It uses a buffered channel to store incoming messages, allowing for
// asynchronous message passing between actors.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size.
// The size parameter determines the capacity of the mailbox's buffer.
// A larger size can help to avoid blocking the sender if the actor is busy,
// but it also increases memory consumption.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox.
// This method will block if the mailbox's buffer is full, until there is
// space available. Senders that must never stall use TrySend instead.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking. It returns
// ErrMailboxFull when the buffer has no free slot.
func (mb *Mailbox) TrySend(msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled.
// It returns the received message and a nil error on success.
// If the context is canceled, it returns nil and the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel.
// This allows for more advanced use cases, such as selecting from multiple
// channels at once.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Drain empties the mailbox without blocking and releases every payload that
// owns resources. It returns the number of discarded messages.
func (mb *Mailbox) Drain() int {
	n := 0
	for {
		select {
		case msg := <-mb.messages:
			n++
			Release(msg)
		default:
			return n
		}
	}
}

// Release frees the resources owned by msg, which may be a Message, a
// *Message or a bare Releaser. Other values are ignored.
func Release(msg any) {
	switch m := msg.(type) {
	case Message:
		if r, ok := m.Payload.(Releaser); ok {
			r.Release()
		}
	case *Message:
		if r, ok := m.Payload.(Releaser); ok {
			r.Release()
		}
	case Releaser:
		m.Release()
	}
}
