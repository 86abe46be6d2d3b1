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

// Package netserver implements socket.Server on top of the net package.
// Every socket is served by its own reader and writer goroutines; their
// results are funneled into one FIFO event queue that Poll drains.
package netserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/buffer"
	"github.com/turtacn/sockbridge/pkg/socket"
)

const (
	// MaxSockets is the size of the socket id space of one server.
	MaxSockets = 1 << 16

	DefaultReadBuffer       = 4096
	DefaultWarningThreshold = 1 << 20
	DefaultEventQueue       = 4096
)

// ErrTooManySockets is returned when every socket id is in use.
var ErrTooManySockets = errors.New("too many sockets")

// Options configures a Server.
type Options struct {
	// Pool supplies read buffers. A private pool is created when nil.
	Pool *buffer.Pool
	// ReadBuffer is the size of a single read.
	ReadBuffer int
	// WarningThreshold is the pending write size that triggers the first
	// Warning event of a socket.
	WarningThreshold int
	// EventQueue bounds the events waiting for Poll.
	EventQueue int
	Logger     *log.Logger
}

// Server is a socket.Server backed by real network sockets.
type Server struct {
	pool      *buffer.Pool
	readSize  int
	warnLimit int
	logger    *log.Entry

	events   chan socket.Event
	exit     chan struct{}
	exitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	emitMu   sync.RWMutex
	released bool

	mu     sync.Mutex
	conns  map[int]*conn
	nextID int

	clock atomic.Int64
}

var _ socket.Server = (*Server)(nil)

// New creates a server whose clock starts at start.
func New(start time.Time, opts Options) *Server {
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = DefaultReadBuffer
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = DefaultWarningThreshold
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = DefaultEventQueue
	}
	if opts.Pool == nil {
		opts.Pool = buffer.NewPool(opts.ReadBuffer + udpAddressMax)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pool:      opts.Pool,
		readSize:  opts.ReadBuffer,
		warnLimit: opts.WarningThreshold,
		logger:    logger.WithField("component", "netserver"),
		events:    make(chan socket.Event, opts.EventQueue),
		exit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[int]*conn),
	}
	s.UpdateTime(start)
	return s
}

// Poll returns the next queued event. Exit is reported only once the queue
// is empty.
func (s *Server) Poll(ctx context.Context) (socket.Event, bool, error) {
	select {
	case <-s.done:
		return socket.Event{}, false, socket.ErrServerClosed
	default:
	}
	select {
	case ev := <-s.events:
		return ev, len(s.events) > 0, nil
	default:
	}
	select {
	case ev := <-s.events:
		return ev, len(s.events) > 0, nil
	case <-s.exit:
		return socket.Event{Type: socket.EventExit}, false, nil
	case <-s.done:
		return socket.Event{}, false, socket.ErrServerClosed
	case <-ctx.Done():
		return socket.Event{}, false, ctx.Err()
	}
}

func (s *Server) Exit() {
	s.exitOnce.Do(func() { close(s.exit) })
}

// Release closes every socket, stops all goroutines and drops the events
// nobody polled.
func (s *Server) Release() {
	s.doneOnce.Do(func() {
		close(s.done)
		s.cancel()

		s.mu.Lock()
		conns := make([]*conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			s.closeConn(c, socket.EventClose, "")
		}
		s.wg.Wait()

		s.emitMu.Lock()
		s.released = true
		s.emitMu.Unlock()
		for {
			select {
			case ev := <-s.events:
				ev.Data.Release()
			default:
				s.logger.Debug("socket server released")
				return
			}
		}
	})
}

func (s *Server) UpdateTime(now time.Time) {
	s.clock.Store(now.UnixNano())
}

func (s *Server) now() time.Time {
	return time.Unix(0, s.clock.Load())
}

// emit queues ev for Poll. It blocks while the queue is full and gives up,
// releasing ev's buffer, once the server is released.
func (s *Server) emit(ev socket.Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.released {
		ev.Data.Release()
		return
	}
	select {
	case <-s.done:
		ev.Data.Release()
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
		ev.Data.Release()
	}
}

func (s *Server) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// add assigns the next free id to c. Ids cycle through 1..MaxSockets so a
// closed id is not handed out again right away.
func (s *Server) add(c *conn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone() {
		return 0, socket.ErrServerClosed
	}
	if len(s.conns) >= MaxSockets {
		return 0, ErrTooManySockets
	}
	for {
		s.nextID++
		if s.nextID > MaxSockets {
			s.nextID = 1
		}
		if _, used := s.conns[s.nextID]; !used {
			break
		}
	}
	c.id = s.nextID
	s.conns[c.id] = c
	return c.id, nil
}

// spawn runs fn on a tracked goroutine unless the server is released.
func (s *Server) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Server) get(id int) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
}

// Info lists the open sockets ordered by id.
func (s *Server) Info() []socket.Info {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	infos := make([]socket.Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func invalidSocket(id int) error {
	return fmt.Errorf("%w: %d", socket.ErrInvalidSocket, id)
}
