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

// Package sockettest provides a scriptable socket.Server for tests. Events
// are injected by the test and commands are recorded.
package sockettest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// Call records one command received by the fake.
type Call struct {
	Op      string
	Opaque  actor.Handle
	ID      int
	Host    string
	Port    int
	Backlog int
	Data    []byte
}

// Server is a fake socket.Server.
type Server struct {
	events   chan socket.Event
	exiting  chan struct{}
	exitOnce sync.Once
	released atomic.Bool

	mu     sync.Mutex
	calls  []Call
	nextID int
	now    time.Time
	infos  []socket.Info

	// SendErr, if set, is returned by every send command.
	SendErr error
}

var _ socket.Server = (*Server)(nil)

// New returns a fake whose event queue holds up to 1024 injected events.
func New() *Server {
	return &Server{
		events:  make(chan socket.Event, 1024),
		exiting: make(chan struct{}),
	}
}

// Inject queues ev to be returned by Poll.
func (s *Server) Inject(ev socket.Event) {
	s.events <- ev
}

// Calls returns a copy of the recorded commands.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// SetInfo sets the snapshot returned by Info.
func (s *Server) SetInfo(infos []socket.Info) {
	s.mu.Lock()
	s.infos = infos
	s.mu.Unlock()
}

// Now returns the last time passed to UpdateTime.
func (s *Server) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Released reports whether Release was called.
func (s *Server) Released() bool {
	return s.released.Load()
}

// Exited reports whether Exit was called.
func (s *Server) Exited() bool {
	select {
	case <-s.exiting:
		return true
	default:
		return false
	}
}

func (s *Server) record(c Call) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	s.nextID++
	return s.nextID
}

func (s *Server) Poll(ctx context.Context) (socket.Event, bool, error) {
	if s.released.Load() {
		return socket.Event{}, false, socket.ErrServerClosed
	}
	select {
	case ev := <-s.events:
		return ev, len(s.events) > 0, nil
	default:
	}
	select {
	case ev := <-s.events:
		return ev, len(s.events) > 0, nil
	case <-s.exiting:
		return socket.Event{Type: socket.EventExit}, false, nil
	case <-ctx.Done():
		return socket.Event{}, false, ctx.Err()
	}
}

func (s *Server) Exit() {
	s.exitOnce.Do(func() { close(s.exiting) })
}

func (s *Server) Release() {
	s.released.Store(true)
	for {
		select {
		case ev := <-s.events:
			ev.Data.Release()
		default:
			return
		}
	}
}

func (s *Server) UpdateTime(now time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Server) Listen(opaque actor.Handle, host string, port, backlog int) (int, error) {
	return s.record(Call{Op: "listen", Opaque: opaque, Host: host, Port: port, Backlog: backlog}), nil
}

func (s *Server) Connect(opaque actor.Handle, host string, port int) (int, error) {
	return s.record(Call{Op: "connect", Opaque: opaque, Host: host, Port: port}), nil
}

func (s *Server) Bind(opaque actor.Handle, fd uintptr) (int, error) {
	return s.record(Call{Op: "bind", Opaque: opaque, Port: int(fd)}), nil
}

func (s *Server) Close(opaque actor.Handle, id int) {
	s.record(Call{Op: "close", Opaque: opaque, ID: id})
}

func (s *Server) Shutdown(opaque actor.Handle, id int) {
	s.record(Call{Op: "shutdown", Opaque: opaque, ID: id})
}

func (s *Server) Start(opaque actor.Handle, id int) {
	s.record(Call{Op: "start", Opaque: opaque, ID: id})
}

func (s *Server) Pause(opaque actor.Handle, id int) {
	s.record(Call{Op: "pause", Opaque: opaque, ID: id})
}

func (s *Server) NoDelay(id int) {
	s.record(Call{Op: "nodelay", ID: id})
}

func (s *Server) UDP(opaque actor.Handle, addr string, port int) (int, error) {
	return s.record(Call{Op: "udp", Opaque: opaque, Host: addr, Port: port}), nil
}

func (s *Server) UDPConnect(id int, addr string, port int) error {
	s.record(Call{Op: "udp_connect", ID: id, Host: addr, Port: port})
	return nil
}

func (s *Server) Send(buf socket.SendBuffer) error {
	return s.send("send", buf)
}

func (s *Server) SendLowPriority(buf socket.SendBuffer) error {
	return s.send("send_lowpriority", buf)
}

func (s *Server) UDPSend(addr socket.UDPAddress, buf socket.SendBuffer) error {
	return s.send("udp_send:"+addr.String(), buf)
}

func (s *Server) send(op string, buf socket.SendBuffer) error {
	data := append([]byte(nil), buf.Bytes()...)
	buf.Buffer.Release()
	s.record(Call{Op: op, ID: buf.ID, Data: data})
	return s.SendErr
}

// UDPAddress reads the address stored after the payload, the layout used by
// netserver.
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

func (s *Server) Info() []socket.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]socket.Info(nil), s.infos...)
}
