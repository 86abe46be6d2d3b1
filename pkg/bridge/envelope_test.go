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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/buffer"
	"github.com/turtacn/sockbridge/pkg/socket"
)

func TestPackInlineTruncates(t *testing.T) {
	pool := buffer.NewPool(256)
	ev := socket.Event{Type: socket.EventError, ID: 9, Text: strings.Repeat("x", 200)}

	env := Pack(pool, TypeError, true, &ev)
	assert.Len(t, env.Bytes(), HeaderSize+MaxInlinePayload)
	assert.Equal(t, uint64(HeaderSize+MaxInlinePayload)|uint64(actor.PTypeSocket)<<56, env.Size())

	msg := env.Message()
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, 9, msg.ID)
	assert.True(t, msg.Inline)
	assert.Equal(t, strings.Repeat("x", MaxInlinePayload), msg.Payload)
	assert.Nil(t, msg.Buffer)

	env.Release()
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestPackInlineEmptyText(t *testing.T) {
	pool := buffer.NewPool(256)
	ev := socket.Event{Type: socket.EventOpen, ID: 3}

	env := Pack(pool, TypeConnect, true, &ev)
	defer env.Release()

	assert.Len(t, env.Bytes(), HeaderSize)
	msg := env.Message()
	assert.Equal(t, TypeConnect, msg.Type)
	assert.Empty(t, msg.Payload)
	assert.True(t, msg.Inline)
}

func TestPackInlineReleasesEventData(t *testing.T) {
	pool := buffer.NewPool(256)
	ev := socket.Event{Type: socket.EventAccept, ID: 1, UD: 2, Text: "1.2.3", Data: pool.Copy([]byte("stray"))}

	env := Pack(pool, TypeAccept, true, &ev)
	assert.Nil(t, ev.Data)
	assert.Equal(t, int64(1), pool.Outstanding())

	msg := env.Message()
	assert.Equal(t, 2, msg.UD)
	assert.Equal(t, "1.2.3", msg.Payload)

	env.Release()
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestPackMovesBuffer(t *testing.T) {
	pool := buffer.NewPool(256)
	data := pool.Copy([]byte("0123456789"))
	ev := socket.Event{Type: socket.EventData, ID: 5, UD: 10, Data: data}

	env := Pack(pool, TypeData, false, &ev)
	assert.Nil(t, ev.Data)
	assert.Same(t, data, env.Buffer())

	msg := env.Message()
	assert.Equal(t, TypeData, msg.Type)
	assert.Equal(t, 10, msg.UD)
	assert.False(t, msg.Inline)
	assert.Equal(t, "0123456789", string(msg.Buffer))

	env.Release()
	assert.True(t, data.Released())
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestTakeBuffer(t *testing.T) {
	pool := buffer.NewPool(256)
	ev := socket.Event{Type: socket.EventData, ID: 5, UD: 3, Data: pool.Copy([]byte("abc"))}

	env := Pack(pool, TypeData, false, &ev)
	b := env.TakeBuffer()
	env.Release()
	assert.False(t, b.Released())
	assert.Equal(t, "abc", string(b.Bytes()))
	b.Release()
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestEnvelopeDoubleReleasePanics(t *testing.T) {
	pool := buffer.NewPool(256)
	ev := socket.Event{Type: socket.EventClose, ID: 1}
	env := Pack(pool, TypeClose, false, &ev)
	env.Release()
	assert.Panics(t, env.Release)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	pool := buffer.NewPool(256)
	ev := socket.Event{Type: socket.EventOpen, ID: 1, Text: "start"}
	env := Pack(pool, TypeConnect, true, &ev)
	defer env.Release()
	good := append([]byte(nil), env.Bytes()...)

	_, err := Decode(good[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = Decode(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	bad := append([]byte(nil), good...)
	bad[23] = byte(actor.PTypeText)
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	for _, typ := range []uint32{0, 8, 99} {
		bad = append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(bad[0:4], typ)
		_, err = Decode(bad)
		assert.ErrorIs(t, err, ErrMalformedEnvelope, "type %d", typ)
	}

	msg, err := Decode(good)
	require.NoError(t, err)
	assert.Equal(t, "start", msg.Payload)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "accept", TypeAccept.String())
	assert.Equal(t, "MessageType(42)", MessageType(42).String())
}
