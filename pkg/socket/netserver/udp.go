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

package netserver

import (
	"fmt"
	"net"
	"strconv"

	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// udpAddressMax is the longest encoded sender address.
const udpAddressMax = 3 + net.IPv6len

// UDP opens a UDP socket bound to addr:port; with neither given the system
// picks the local address.
func (s *Server) UDP(opaque actor.Handle, addr string, port int) (int, error) {
	var laddr *net.UDPAddr
	if addr != "" || port != 0 {
		var err error
		laddr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", socket.ErrInvalidAddress, err)
		}
	}
	uc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return 0, fmt.Errorf("udp %s:%d: %w", addr, port, err)
	}

	c := newConn(socket.KindUDP, opaque)
	c.udp = uc
	c.name = uc.LocalAddr().String()
	c.started = true
	c.reading = true
	id, err := s.add(c)
	if err != nil {
		_ = uc.Close()
		return 0, err
	}
	s.serve(c, s.udpLoop)
	return id, nil
}

// UDPConnect sets the default peer used by Send on a UDP socket.
func (s *Server) UDPConnect(id int, addr string, port int) error {
	c := s.get(id)
	if c == nil || c.kind != socket.KindUDP {
		return invalidSocket(id)
	}
	peer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %v", socket.ErrInvalidAddress, err)
	}
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	return nil
}

// UDPSend queues buf for the encoded address addr.
func (s *Server) UDPSend(addr socket.UDPAddress, buf socket.SendBuffer) error {
	to, err := addr.UDPAddr()
	if err != nil {
		buf.Buffer.Release()
		return err
	}
	if c := s.get(buf.ID); c == nil || c.kind != socket.KindUDP {
		buf.Buffer.Release()
		return invalidSocket(buf.ID)
	}
	return s.enqueue(buf, false, to)
}

// UDPAddress returns the sender address that follows the payload of a UDP
// event.
func (s *Server) UDPAddress(ev socket.Event) (socket.UDPAddress, bool) {
	if ev.Type != socket.EventUDP {
		return nil, false
	}
	data := ev.Data.Bytes()
	if ev.UD < 0 || ev.UD >= len(data) {
		return nil, false
	}
	addr := socket.UDPAddress(data[ev.UD:])
	if socket.UDPAddressLen(addr[0]) != len(addr) {
		return nil, false
	}
	return addr, true
}

func (s *Server) udpLoop(c *conn) {
	for c.waitReadable() {
		buf := s.pool.Get(s.readSize + udpAddressMax)
		n, from, err := c.udp.ReadFromUDP(buf.Bytes()[:s.readSize])
		if err != nil {
			buf.Release()
			if c.isClosed() {
				return
			}
			if isTimeout(err) {
				continue
			}
			s.closeConn(c, socket.EventError, err.Error())
			return
		}
		addr := socket.EncodeUDPAddress(from)
		copy(buf.Bytes()[n:], addr)
		buf.Truncate(n + len(addr))
		c.addRead(n, s.now())
		s.emit(socket.Event{Type: socket.EventUDP, ID: c.id, Opaque: c.owner(), UD: n, Data: buf})
	}
}
