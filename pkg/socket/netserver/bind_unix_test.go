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

//go:build unix

package netserver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/sockbridge/pkg/socket"
	"golang.org/x/sys/unix"
)

func TestBind(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	peer, err := ln.Accept()
	require.NoError(t, err)
	defer peer.Close()

	f, err := client.(*net.TCPConn).File()
	require.NoError(t, err)
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, client.Close())

	id, err := s.Bind(ownerA, uintptr(fd))
	require.NoError(t, err)
	ev := next(t, s)
	assert.Equal(t, socket.EventOpen, ev.Type)
	assert.Equal(t, "binding", ev.Text)
	assert.Equal(t, socket.KindBind, s.Info()[0].Kind)

	_, err = peer.Write([]byte("bound"))
	require.NoError(t, err)
	assert.Equal(t, "bound", string(readData(t, s, id, 5)))
}
