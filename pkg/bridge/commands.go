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
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/buffer"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// Commands issued by an actor. ssid names the server; DefaultInstance
// addresses the default one. The calling actor becomes the owner of any
// socket it opens and receives that socket's events.

// Listen opens a listening TCP socket on host:port. The socket stays paused
// until Start is called on it.
func (b *Bridge) Listen(actx actor.Context, ssid int, host string, port, backlog int) (int, error) {
	srv, err := b.Instance(ssid)
	if err != nil {
		return 0, err
	}
	return srv.Listen(actx.Self(), host, port, backlog)
}

// Connect opens an outbound TCP connection. A Connect or Error message
// follows once the attempt completes.
func (b *Bridge) Connect(actx actor.Context, ssid int, host string, port int) (int, error) {
	srv, err := b.Instance(ssid)
	if err != nil {
		return 0, err
	}
	return srv.Connect(actx.Self(), host, port)
}

// Bind adopts an existing file descriptor.
func (b *Bridge) Bind(actx actor.Context, ssid int, fd uintptr) (int, error) {
	srv, err := b.Instance(ssid)
	if err != nil {
		return 0, err
	}
	return srv.Bind(actx.Self(), fd)
}

// Close closes id once its pending writes are flushed.
func (b *Bridge) Close(actx actor.Context, ssid, id int) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		return err
	}
	srv.Close(actx.Self(), id)
	return nil
}

// Shutdown closes id at once, dropping pending writes.
func (b *Bridge) Shutdown(actx actor.Context, ssid, id int) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		return err
	}
	srv.Shutdown(actx.Self(), id)
	return nil
}

// Start begins reading from id. Accepted and listening sockets stay paused
// until started.
func (b *Bridge) Start(actx actor.Context, ssid, id int) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		return err
	}
	srv.Start(actx.Self(), id)
	return nil
}

// Pause stops reading from id until it is started again.
func (b *Bridge) Pause(actx actor.Context, ssid, id int) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		return err
	}
	srv.Pause(actx.Self(), id)
	return nil
}

// NoDelay disables Nagle's algorithm on id.
func (b *Bridge) NoDelay(actx actor.Context, ssid, id int) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		return err
	}
	srv.NoDelay(id)
	return nil
}

// UDP opens a UDP socket. An empty addr binds nothing.
func (b *Bridge) UDP(actx actor.Context, ssid int, addr string, port int) (int, error) {
	srv, err := b.Instance(ssid)
	if err != nil {
		return 0, err
	}
	return srv.UDP(actx.Self(), addr, port)
}

// UDPConnect fixes the default peer of the UDP socket id.
func (b *Bridge) UDPConnect(actx actor.Context, ssid, id int, addr string, port int) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		return err
	}
	return srv.UDPConnect(id, addr, port)
}

// Send queues buf on the high priority queue. Ownership of buf.Buffer passes
// to the server, or is released here when ssid is invalid.
func (b *Bridge) Send(actx actor.Context, ssid int, buf socket.SendBuffer) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		buf.Buffer.Release()
		return err
	}
	return srv.Send(buf)
}

// SendLowPriority queues buf behind any high priority data. Ownership of
// buf.Buffer passes as for Send.
func (b *Bridge) SendLowPriority(actx actor.Context, ssid int, buf socket.SendBuffer) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		buf.Buffer.Release()
		return err
	}
	return srv.SendLowPriority(buf)
}

// UDPSend sends buf as one datagram to addr through the UDP socket named in
// buf. Ownership of buf.Buffer passes as for Send.
func (b *Bridge) UDPSend(actx actor.Context, ssid int, addr socket.UDPAddress, buf socket.SendBuffer) error {
	srv, err := b.Instance(ssid)
	if err != nil {
		buf.Buffer.Release()
		return err
	}
	return srv.UDPSend(addr, buf)
}

// UDPAddress returns the sender address carried by a TypeUDP message.
func (b *Bridge) UDPAddress(ssid int, msg SocketMessage) (socket.UDPAddress, bool) {
	if msg.Type != TypeUDP {
		return nil, false
	}
	srv, err := b.Instance(ssid)
	if err != nil {
		return nil, false
	}
	return srv.UDPAddress(socket.Event{
		Type: socket.EventUDP,
		ID:   msg.ID,
		UD:   msg.UD,
		Data: buffer.Wrap(msg.Buffer),
	})
}

// Info lists the sockets of one server.
func (b *Bridge) Info(ssid int) ([]socket.Info, error) {
	srv, err := b.Instance(ssid)
	if err != nil {
		return nil, err
	}
	return srv.Info(), nil
}
