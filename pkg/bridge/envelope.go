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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/buffer"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// MessageType is the socket message type seen by actors.
type MessageType uint32

const (
	TypeData    MessageType = 1
	TypeConnect MessageType = 2
	TypeClose   MessageType = 3
	TypeAccept  MessageType = 4
	TypeError   MessageType = 5
	TypeUDP     MessageType = 6
	TypeWarning MessageType = 7
)

var messageTypeNames = map[MessageType]string{
	TypeData:    "data",
	TypeConnect: "connect",
	TypeClose:   "close",
	TypeAccept:  "accept",
	TypeError:   "error",
	TypeUDP:     "udp",
	TypeWarning: "warning",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

const (
	// MaxInlinePayload caps the descriptive text copied into an envelope.
	MaxInlinePayload = 128
	// HeaderSize is the length of the fixed envelope header:
	// type uint32, id int32, ud int64, size uint64 (little endian).
	HeaderSize = 24

	sizeTypeShift = 56
	sizeMask      = 1<<sizeTypeShift - 1
)

// ErrMalformedEnvelope is returned by Decode for blocks that are not socket
// envelopes.
var ErrMalformedEnvelope = errors.New("malformed socket envelope")

// SocketMessage is the decoded, typed view of an envelope.
type SocketMessage struct {
	Type MessageType
	ID   int
	UD   int
	// Buffer is the externally owned payload of Data, UDP and Warning
	// messages. It aliases the envelope's buffer.
	Buffer []byte
	// Payload is the inline text of Connect, Error and Accept messages.
	Payload string
	// Inline reports whether the message carried an inline payload.
	Inline bool
}

// Envelope is a socket event packed for delivery into a mailbox. It owns one
// block holding the header and any inline payload, plus the event's buffer
// for non-inline kinds. The final holder must call Release.
type Envelope struct {
	mu    sync.Mutex
	block *buffer.Buffer
	data  *buffer.Buffer
}

// Pack builds the envelope for ev. With padding set, the event's text is
// copied inline (cut to MaxInlinePayload) and any event buffer is released;
// otherwise the event buffer moves into the envelope untouched. Pack consumes
// ev.Data either way.
func Pack(pool *buffer.Pool, t MessageType, padding bool, ev *socket.Event) *Envelope {
	size := HeaderSize
	var text string
	if padding {
		text = ev.Text
		if len(text) > MaxInlinePayload {
			text = text[:MaxInlinePayload]
		}
		size += len(text)
	}

	block := pool.Get(size)
	b := block.Bytes()
	binary.LittleEndian.PutUint32(b[0:4], uint32(t))
	binary.LittleEndian.PutUint32(b[4:8], uint32(int32(ev.ID)))
	binary.LittleEndian.PutUint64(b[8:16], uint64(int64(ev.UD)))
	binary.LittleEndian.PutUint64(b[16:24], uint64(size)|uint64(actor.PTypeSocket)<<sizeTypeShift)

	env := &Envelope{block: block}
	if padding {
		copy(b[HeaderSize:], text)
		ev.Data.Release()
	} else {
		env.data = ev.Data
	}
	ev.Data = nil
	return env
}

// Decode parses the wire form of an envelope (header plus inline payload).
// The returned message has no Buffer since external buffers are not part of
// the wire form.
func Decode(b []byte) (SocketMessage, error) {
	if len(b) < HeaderSize {
		return SocketMessage{}, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(b))
	}
	tagged := binary.LittleEndian.Uint64(b[16:24])
	if ptype := actor.PType(tagged >> sizeTypeShift); ptype != actor.PTypeSocket {
		return SocketMessage{}, fmt.Errorf("%w: ptype %d", ErrMalformedEnvelope, ptype)
	}
	size := int(tagged & sizeMask)
	if size != len(b) || size-HeaderSize > MaxInlinePayload {
		return SocketMessage{}, fmt.Errorf("%w: size %d, have %d", ErrMalformedEnvelope, size, len(b))
	}
	t := MessageType(binary.LittleEndian.Uint32(b[0:4]))
	if t < TypeData || t > TypeWarning {
		return SocketMessage{}, fmt.Errorf("%w: type %d", ErrMalformedEnvelope, t)
	}
	return SocketMessage{
		Type:    t,
		ID:      int(int32(binary.LittleEndian.Uint32(b[4:8]))),
		UD:      int(int64(binary.LittleEndian.Uint64(b[8:16]))),
		Payload: string(b[HeaderSize:]),
		Inline:  inlineType(t),
	}, nil
}

func inlineType(t MessageType) bool {
	return t == TypeConnect || t == TypeError || t == TypeAccept
}

// Bytes returns the wire form: header followed by the inline payload.
func (e *Envelope) Bytes() []byte {
	return e.block.Bytes()
}

// Size returns the wire size tagged with the socket protocol in its top byte.
func (e *Envelope) Size() uint64 {
	return binary.LittleEndian.Uint64(e.block.Bytes()[16:24])
}

// Buffer returns the external buffer, or nil for inline kinds.
func (e *Envelope) Buffer() *buffer.Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

// TakeBuffer moves the external buffer out of the envelope; the caller then
// owns it and Release no longer frees it.
func (e *Envelope) TakeBuffer() *buffer.Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.data
	e.data = nil
	return b
}

// Message decodes the envelope.
func (e *Envelope) Message() SocketMessage {
	m, err := Decode(e.Bytes())
	if err != nil {
		panic(err)
	}
	m.Buffer = e.Buffer().Bytes()
	return m
}

// Release frees the header block and any external buffer still held.
func (e *Envelope) Release() {
	e.mu.Lock()
	block, data := e.block, e.data
	e.block, e.data = nil, nil
	e.mu.Unlock()
	if block == nil {
		panic("bridge: envelope released twice")
	}
	data.Release()
	block.Release()
}
