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

// Package socket defines the contract between the bridge and a socket
// multiplexer: the event taxonomy it produces and the commands it accepts.
// An implementation owns its sockets and performs the actual I/O; the bridge
// only drains its events and forwards commands to it.
package socket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/buffer"
)

var (
	// ErrInvalidSocket is returned for commands naming an unknown socket id.
	ErrInvalidSocket = errors.New("invalid socket")
	// ErrServerClosed is returned once the server has been released.
	ErrServerClosed = errors.New("socket server closed")
	// ErrInvalidAddress is returned for malformed UDP addresses.
	ErrInvalidAddress = errors.New("invalid udp address")
)

// EventType classifies an Event.
type EventType int

const (
	EventData EventType = iota
	EventClose
	EventOpen
	EventAccept
	EventError
	EventExit
	EventUDP
	EventWarning
)

var eventTypeNames = [...]string{"data", "close", "open", "accept", "error", "exit", "udp", "warning"}

// String returns the lower-case event name.
func (t EventType) String() string {
	if t >= 0 && int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one completed operation reported by a server.
//
// Stream events (Data, UDP) carry an owned buffer in Data; whoever ends up
// holding the event must release it. Descriptive events (Open, Error,
// Accept) carry a short human-readable Text instead.
type Event struct {
	Type EventType
	// ID is the instance-local socket id. For Accept it is the listener.
	ID int
	// Opaque is the actor that owns the socket.
	Opaque actor.Handle
	// UD is the auxiliary field: byte count for Data and UDP, the new socket
	// id for Accept, pending KiB for Warning.
	UD   int
	Data *buffer.Buffer
	Text string
}

// SendBuffer is a payload queued on a socket. When Buffer is set its
// ownership moves to the server, which releases it after the write;
// otherwise Data is copied.
type SendBuffer struct {
	ID     int
	Data   []byte
	Buffer *buffer.Buffer
}

// Bytes returns the payload.
func (b SendBuffer) Bytes() []byte {
	if b.Buffer != nil {
		return b.Buffer.Bytes()
	}
	return b.Data
}

// Kind describes what a socket is, for diagnostics.
type Kind int

const (
	KindUnknown Kind = iota
	KindListen
	KindTCP
	KindUDP
	KindBind
	KindClosing
)

var kindNames = [...]string{"unknown", "listen", "tcp", "udp", "bind", "closing"}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Info is a diagnostic snapshot of one socket.
type Info struct {
	ID      int
	Kind    Kind
	Opaque  actor.Handle
	Read    uint64
	Write   uint64
	RTime   time.Time
	WTime   time.Time
	WBuffer int
	Reading bool
	Writing bool
	Name    string
}

// Server is a socket multiplexer instance.
//
// Poll is called from a single goroutine. Every other method is safe for
// concurrent use and must not block on network I/O.
type Server interface {
	// Poll waits for the next event. more reports whether further events are
	// already queued. It returns ctx.Err() if ctx ends first and
	// ErrServerClosed after Release.
	Poll(ctx context.Context) (ev Event, more bool, err error)
	// Exit makes Poll report EventExit.
	Exit()
	// Release closes every socket and frees the instance.
	Release()
	// UpdateTime sets the instance clock.
	UpdateTime(now time.Time)

	Listen(opaque actor.Handle, host string, port, backlog int) (int, error)
	Connect(opaque actor.Handle, host string, port int) (int, error)
	Bind(opaque actor.Handle, fd uintptr) (int, error)
	Close(opaque actor.Handle, id int)
	Shutdown(opaque actor.Handle, id int)
	Start(opaque actor.Handle, id int)
	Pause(opaque actor.Handle, id int)
	NoDelay(id int)

	UDP(opaque actor.Handle, addr string, port int) (int, error)
	UDPConnect(id int, addr string, port int) error

	Send(buf SendBuffer) error
	SendLowPriority(buf SendBuffer) error
	UDPSend(addr UDPAddress, buf SendBuffer) error
	// UDPAddress extracts the sender address of an EventUDP event.
	UDPAddress(ev Event) (UDPAddress, bool)

	Info() []Info
}
