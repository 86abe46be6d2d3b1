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
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/socket"
)

type writeReq struct {
	buf  socket.SendBuffer
	addr *net.UDPAddr
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// conn is one socket slot. Everything below mu is guarded by it; cond wakes
// the reader and writer goroutines.
type conn struct {
	id int

	mu         sync.Mutex
	cond       *sync.Cond
	kind       socket.Kind
	opaque     actor.Handle
	name       string
	rw         io.ReadWriteCloser
	ln         net.Listener
	udp        *net.UDPConn
	peer       *net.UDPAddr
	reading    bool
	started    bool
	connecting bool
	closing    bool
	closed     bool

	high     *queue.Queue
	low      *queue.Queue
	wbytes   int
	warnSize int

	read  uint64
	write uint64
	rtime time.Time
	wtime time.Time
}

func newConn(kind socket.Kind, opaque actor.Handle) *conn {
	c := &conn{
		kind:   kind,
		opaque: opaque,
		high:   queue.New(),
		low:    queue.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *conn) owner() actor.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opaque
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitReadable blocks while the socket is paused. It returns false once the
// socket is closed.
func (c *conn) waitReadable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.reading && !c.closed {
		c.cond.Wait()
	}
	return !c.closed
}

// setReading toggles reading. Pausing also interrupts a blocked read or
// accept through an expired deadline.
func (c *conn) setReading(on bool) {
	c.mu.Lock()
	c.reading = on
	c.cond.Broadcast()
	target := c.deadlineTarget()
	c.mu.Unlock()

	deadline := time.Time{}
	if !on {
		deadline = time.Now()
	}
	switch t := target.(type) {
	case readDeadliner:
		_ = t.SetReadDeadline(deadline)
	case deadliner:
		_ = t.SetDeadline(deadline)
	}
}

func (c *conn) deadlineTarget() any {
	switch {
	case c.ln != nil:
		return c.ln
	case c.udp != nil:
		return c.udp
	case c.rw != nil:
		return c.rw
	}
	return nil
}

func (c *conn) addRead(n int, now time.Time) {
	c.mu.Lock()
	c.read += uint64(n)
	c.rtime = now
	c.mu.Unlock()
}

type writeAction int

const (
	writeNext writeAction = iota
	writeFlushed
	writeStop
)

// nextWrite waits for queued data. High priority requests always go before
// low priority ones.
func (c *conn) nextWrite() (*writeReq, writeAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.high.Length() == 0 && c.low.Length() == 0 && !c.closed && !c.closing {
		c.cond.Wait()
	}
	switch {
	case c.closed:
		return nil, writeStop
	case c.high.Length() > 0:
		return c.high.Remove().(*writeReq), writeNext
	case c.low.Length() > 0:
		return c.low.Remove().(*writeReq), writeNext
	}
	return nil, writeFlushed
}

// wrote accounts a finished write and reports whether the pending size has
// dropped back to zero after a warning.
func (c *conn) wrote(size, n int, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write += uint64(n)
	c.wtime = now
	if c.closed {
		return false
	}
	c.wbytes -= size
	if c.wbytes == 0 && c.warnSize != 0 {
		c.warnSize = 0
		return true
	}
	return false
}

// pending reports whether a write is queued or in flight.
func (c *conn) pending() bool {
	return c.wbytes > 0
}

func (c *conn) info() socket.Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := c.kind
	if c.closing {
		kind = socket.KindClosing
	}
	return socket.Info{
		ID:      c.id,
		Kind:    kind,
		Opaque:  c.opaque,
		Read:    c.read,
		Write:   c.write,
		RTime:   c.rtime,
		WTime:   c.wtime,
		WBuffer: c.wbytes,
		Reading: c.reading,
		Writing: c.wbytes > 0,
		Name:    c.name,
	}
}

// closeConn closes c once, drops its pending writes and reports a single
// terminal event of type t to the owner.
func (s *Server) closeConn(c *conn, t socket.EventType, text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reading = false
	owner := c.opaque
	var dropped []*writeReq
	for c.high.Length() > 0 {
		dropped = append(dropped, c.high.Remove().(*writeReq))
	}
	for c.low.Length() > 0 {
		dropped = append(dropped, c.low.Remove().(*writeReq))
	}
	c.wbytes = 0
	rw, ln, udp := c.rw, c.ln, c.udp
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, req := range dropped {
		req.buf.Buffer.Release()
	}
	switch {
	case ln != nil:
		_ = ln.Close()
	case udp != nil:
		_ = udp.Close()
	case rw != nil:
		_ = rw.Close()
	}
	s.remove(c)
	s.emit(socket.Event{Type: t, ID: c.id, Opaque: owner, Text: text})
}

// readLoop serves stream sockets: TCP connections and bound descriptors.
func (s *Server) readLoop(c *conn) {
	for c.waitReadable() {
		buf := s.pool.Get(s.readSize)
		n, err := c.rw.Read(buf.Bytes())
		if n > 0 {
			buf.Truncate(n)
			c.addRead(n, s.now())
			s.emit(socket.Event{Type: socket.EventData, ID: c.id, Opaque: c.owner(), UD: n, Data: buf})
		} else {
			buf.Release()
		}
		if err == nil {
			continue
		}
		if isTimeout(err) && !c.isClosed() {
			continue
		}
		if errors.Is(err, io.EOF) || c.isClosed() {
			s.closeConn(c, socket.EventClose, "")
		} else {
			s.closeConn(c, socket.EventError, err.Error())
		}
		return
	}
}

// writeLoop drains the write queues until the socket closes. A closing
// socket is closed once everything queued has been written.
func (s *Server) writeLoop(c *conn) {
	for {
		req, action := c.nextWrite()
		switch action {
		case writeStop:
			return
		case writeFlushed:
			s.closeConn(c, socket.EventClose, "")
			return
		}

		data := req.buf.Bytes()
		n, err := s.writeTo(c, req, data)
		req.buf.Buffer.Release()
		if c.wrote(len(data), n, s.now()) {
			s.emit(socket.Event{Type: socket.EventWarning, ID: c.id, Opaque: c.owner(), UD: 0})
		}
		if err != nil {
			if c.kind == socket.KindUDP {
				s.logger.WithError(err).WithField("socket", c.id).Warn("udp send failed")
				continue
			}
			s.closeConn(c, socket.EventError, err.Error())
			return
		}
	}
}

func (s *Server) writeTo(c *conn, req *writeReq, data []byte) (int, error) {
	if c.udp != nil {
		addr := req.addr
		if addr == nil {
			c.mu.Lock()
			addr = c.peer
			c.mu.Unlock()
		}
		if addr == nil {
			return 0, socket.ErrInvalidAddress
		}
		return c.udp.WriteToUDP(data, addr)
	}
	written := 0
	for written < len(data) {
		n, err := c.rw.Write(data[written:])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// enqueue hands buf to the writer of its socket.
func (s *Server) enqueue(buf socket.SendBuffer, low bool, addr *net.UDPAddr) error {
	c := s.get(buf.ID)
	if c == nil {
		buf.Buffer.Release()
		return invalidSocket(buf.ID)
	}
	size := len(buf.Bytes())

	c.mu.Lock()
	if c.closed || c.closing || c.kind == socket.KindListen {
		c.mu.Unlock()
		buf.Buffer.Release()
		return invalidSocket(buf.ID)
	}
	if c.kind == socket.KindUDP && addr == nil && c.peer == nil {
		c.mu.Unlock()
		buf.Buffer.Release()
		return socket.ErrInvalidAddress
	}
	if size == 0 {
		c.mu.Unlock()
		buf.Buffer.Release()
		return nil
	}
	req := &writeReq{buf: buf, addr: addr}
	if low {
		c.low.Add(req)
	} else {
		c.high.Add(req)
	}
	c.wbytes += size
	warnKB := 0
	if c.wbytes >= s.warnLimit && c.wbytes >= c.warnSize {
		if c.warnSize == 0 {
			c.warnSize = s.warnLimit * 2
		} else {
			c.warnSize *= 2
		}
		warnKB = (c.wbytes + 1023) / 1024
	}
	owner := c.opaque
	c.cond.Broadcast()
	c.mu.Unlock()

	if warnKB > 0 {
		s.emit(socket.Event{Type: socket.EventWarning, ID: c.id, Opaque: owner, UD: warnKB})
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
