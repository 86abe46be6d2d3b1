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
	"io"
	"net"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// Listen opens a TCP listener. It stays paused until Start; the backlog is
// left to the kernel default.
func (s *Server) Listen(opaque actor.Handle, host string, port, backlog int) (int, error) {
	if s.isDone() {
		return 0, socket.ErrServerClosed
	}
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(s.ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("listen %s:%d: %w", host, port, err)
	}
	c := newConn(socket.KindListen, opaque)
	c.ln = ln
	c.name = ln.Addr().String()
	id, err := s.add(c)
	if err != nil {
		_ = ln.Close()
		return 0, err
	}
	if !s.spawn(func() { s.acceptLoop(c) }) {
		s.closeConn(c, socket.EventClose, "")
		return 0, socket.ErrServerClosed
	}
	s.logger.WithFields(log.Fields{"socket": id, "addr": c.name, "backlog": backlog}).Debug("listening")
	return id, nil
}

func (s *Server) acceptLoop(c *conn) {
	for c.waitReadable() {
		nc, err := c.ln.Accept()
		if err != nil {
			if c.isClosed() {
				return
			}
			if isTimeout(err) {
				continue
			}
			s.closeConn(c, socket.EventError, err.Error())
			return
		}

		owner := c.owner()
		peer := nc.RemoteAddr().String()
		child := newConn(socket.KindTCP, owner)
		child.rw = nc
		child.name = peer
		id, err := s.add(child)
		if err != nil {
			_ = nc.Close()
			s.logger.WithError(err).WithField("peer", peer).Warn("accept dropped")
			continue
		}
		s.emit(socket.Event{Type: socket.EventAccept, ID: c.id, Opaque: owner, UD: id, Text: peer})
		s.serve(child, s.readLoop)
	}
}

// serve starts the reader and writer of c, closing it if the server is
// already released.
func (s *Server) serve(c *conn, reader func(*conn)) {
	if !s.spawn(func() { reader(c) }) || !s.spawn(func() { s.writeLoop(c) }) {
		s.closeConn(c, socket.EventClose, "")
	}
}

// Connect dials in the background. The owner gets Open with the peer
// address, or Error with the failure.
func (s *Server) Connect(opaque actor.Handle, host string, port int) (int, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c := newConn(socket.KindTCP, opaque)
	c.name = addr
	c.started = true
	c.reading = true
	c.connecting = true
	id, err := s.add(c)
	if err != nil {
		return 0, err
	}
	if !s.spawn(func() { s.dial(c, addr) }) {
		s.closeConn(c, socket.EventError, socket.ErrServerClosed.Error())
		return 0, socket.ErrServerClosed
	}
	return id, nil
}

func (s *Server) dial(c *conn, addr string) {
	var d net.Dialer
	nc, err := d.DialContext(s.ctx, "tcp", addr)
	if err != nil {
		s.closeConn(c, socket.EventError, err.Error())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = nc.Close()
		return
	}
	c.rw = nc
	c.connecting = false
	c.name = nc.RemoteAddr().String()
	owner, name, reading := c.opaque, c.name, c.reading
	c.mu.Unlock()

	if !reading {
		c.setReading(false)
	}
	s.emit(socket.Event{Type: socket.EventOpen, ID: c.id, Opaque: owner, Text: name})
	s.serve(c, s.readLoop)
}

// Bind adopts fd. Sockets become net.Conns; anything else, such as a
// terminal, is served as a plain file.
func (s *Server) Bind(opaque actor.Handle, fd uintptr) (int, error) {
	f := os.NewFile(fd, "fd:"+strconv.FormatUint(uint64(fd), 10))
	if f == nil {
		return 0, invalidSocket(int(fd))
	}
	var rw io.ReadWriteCloser = f
	if nc, err := net.FileConn(f); err == nil {
		_ = f.Close()
		rw = nc
	}

	c := newConn(socket.KindBind, opaque)
	c.rw = rw
	c.name = f.Name()
	c.started = true
	c.reading = true
	id, err := s.add(c)
	if err != nil {
		_ = rw.Close()
		return 0, err
	}
	s.emit(socket.Event{Type: socket.EventOpen, ID: id, Opaque: opaque, Text: "binding"})
	s.serve(c, s.readLoop)
	return id, nil
}

// Start resumes reading. The first Start of an accepted or listening socket
// reports Open "start"; starting a socket owned by another actor moves it
// to opaque and reports Open "transfer".
func (s *Server) Start(opaque actor.Handle, id int) {
	c := s.get(id)
	if c == nil {
		s.emit(socket.Event{Type: socket.EventError, ID: id, Opaque: opaque, Text: "invalid socket"})
		return
	}
	c.mu.Lock()
	text := ""
	switch {
	case !c.started:
		c.started = true
		c.opaque = opaque
		text = "start"
	case c.opaque != opaque:
		c.opaque = opaque
		text = "transfer"
	}
	c.mu.Unlock()

	if text != "" {
		s.emit(socket.Event{Type: socket.EventOpen, ID: id, Opaque: opaque, Text: text})
	}
	c.setReading(true)
}

func (s *Server) Pause(opaque actor.Handle, id int) {
	if c := s.get(id); c != nil {
		c.setReading(false)
	}
}

// Close closes id after its pending writes are flushed.
func (s *Server) Close(opaque actor.Handle, id int) {
	c := s.get(id)
	if c == nil {
		s.emit(socket.Event{Type: socket.EventClose, ID: id, Opaque: opaque})
		return
	}
	c.mu.Lock()
	if c.pending() {
		c.closing = true
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	s.closeConn(c, socket.EventClose, "")
}

// Shutdown closes id at once, dropping pending writes.
func (s *Server) Shutdown(opaque actor.Handle, id int) {
	c := s.get(id)
	if c == nil {
		s.emit(socket.Event{Type: socket.EventClose, ID: id, Opaque: opaque})
		return
	}
	s.closeConn(c, socket.EventClose, "")
}

func (s *Server) NoDelay(id int) {
	c := s.get(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	rw := c.rw
	c.mu.Unlock()
	if tc, ok := rw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

func (s *Server) Send(buf socket.SendBuffer) error {
	return s.enqueue(buf, false, nil)
}

// SendLowPriority queues buf behind every high priority write of the socket.
func (s *Server) SendLowPriority(buf socket.SendBuffer) error {
	return s.enqueue(buf, true, nil)
}
