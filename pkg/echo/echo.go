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

// Package echo implements a socket service that owns a listener and writes
// every byte it reads back to the peer. It runs on either actor runtime and
// is the workload behind `sockbridge serve`.
package echo

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/bridge"
	"github.com/turtacn/sockbridge/pkg/socket"
)

// DefaultBacklog is the listen backlog used when Options.Backlog is zero.
const DefaultBacklog = 128

// ErrNotListening is returned by Close when Open was never called.
var ErrNotListening = errors.New("echo: not listening")

// Commands is the part of the bridge the service drives.
type Commands interface {
	Listen(actx actor.Context, ssid int, host string, port, backlog int) (int, error)
	Start(actx actor.Context, ssid, id int) error
	Close(actx actor.Context, ssid, id int) error
	Send(actx actor.Context, ssid int, buf socket.SendBuffer) error
}

// Options configures a Service.
type Options struct {
	Host     string
	Port     int
	Backlog  int
	Instance int
	Logger   *log.Logger
}

// Service is the echo behavior. Handle and HandleMessage run on the owning
// actor; the other methods are safe from any goroutine.
type Service struct {
	cmds    Commands
	opts    Options
	logger  *log.Entry
	ready   chan struct{}
	readyMu sync.Once

	mu       sync.Mutex
	listener int
	conns    map[int]string
	echoed   uint64
}

// Stats counts what the service has handled so far.
type Stats struct {
	Connections int
	Echoed      uint64
}

// New creates a service bound to the server opts.Instance.
func New(cmds Commands, opts Options) *Service {
	if opts.Backlog == 0 {
		opts.Backlog = DefaultBacklog
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		cmds:   cmds,
		opts:   opts,
		logger: logger.WithFields(log.Fields{"component": "echo", "instance": opts.Instance}),
		ready:  make(chan struct{}),
		conns:  make(map[int]string),
	}
}

// Open listens on the configured address and starts accepting. actx becomes
// the listener's owner, so it is normally the handle of the actor returned by
// Actor or Producer.
func (s *Service) Open(actx actor.Context) (int, error) {
	id, err := s.cmds.Listen(actx, s.opts.Instance, s.opts.Host, s.opts.Port, s.opts.Backlog)
	if err != nil {
		return 0, err
	}
	if err := s.cmds.Start(actx, s.opts.Instance, id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.listener = id
	s.mu.Unlock()
	s.readyMu.Do(func() { close(s.ready) })
	s.logger.WithFields(log.Fields{"host": s.opts.Host, "port": s.opts.Port, "socket": id}).Info("Echo service listening")
	return id, nil
}

// Ready is closed once Open has succeeded.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Listener returns the listening socket id, or 0 before Open.
func (s *Service) Listener() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Connections: len(s.conns), Echoed: s.echoed}
}

// HandleMessage processes one mailbox message. Socket messages are handled
// and released; anything else is released and ignored.
func (s *Service) HandleMessage(actx actor.Context, msg actor.Message) {
	env, ok := msg.Payload.(*bridge.Envelope)
	if msg.Type != actor.PTypeSocket || !ok {
		actor.Release(msg)
		return
	}
	s.Handle(actx, env)
}

// Handle processes one socket envelope and releases it.
func (s *Service) Handle(actx actor.Context, env *bridge.Envelope) {
	defer env.Release()
	m := env.Message()
	logger := s.logger.WithField("socket", m.ID)

	switch m.Type {
	case bridge.TypeAccept:
		s.mu.Lock()
		s.conns[m.UD] = m.Payload
		s.mu.Unlock()
		if err := s.cmds.Start(actx, s.opts.Instance, m.UD); err != nil {
			logger.WithError(err).Warn("Failed to start accepted connection")
			return
		}
		logger.WithFields(log.Fields{"conn": m.UD, "peer": m.Payload}).Debug("Connection accepted")

	case bridge.TypeData:
		buf := env.TakeBuffer()
		n := buf.Len()
		if err := s.cmds.Send(actx, s.opts.Instance, socket.SendBuffer{ID: m.ID, Buffer: buf}); err != nil {
			logger.WithError(err).Debug("Echo send failed")
			return
		}
		s.mu.Lock()
		s.echoed += uint64(n)
		s.mu.Unlock()

	case bridge.TypeConnect:
		logger.WithField("text", m.Payload).Debug("Socket opened")

	case bridge.TypeClose, bridge.TypeError:
		s.mu.Lock()
		_, known := s.conns[m.ID]
		delete(s.conns, m.ID)
		lost := m.ID == s.listener
		s.mu.Unlock()
		switch {
		case lost:
			logger.WithField("reason", m.Payload).Error("Echo listener closed")
		case m.Type == bridge.TypeError && known:
			logger.WithField("reason", m.Payload).Warn("Connection failed")
		case known:
			logger.Debug("Connection closed")
		}

	case bridge.TypeWarning:
		if m.UD > 0 {
			logger.WithField("pending_kb", m.UD).Warn("Write queue is growing")
		}

	default:
		logger.WithField("type", m.Type).Debug("Ignoring socket message")
	}
}

// Close closes the listener and every open connection. Connections flush
// their pending echoes first.
func (s *Service) Close(actx actor.Context) error {
	s.mu.Lock()
	listener := s.listener
	ids := make([]int, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.listener = 0
	s.mu.Unlock()
	if listener == 0 {
		return ErrNotListening
	}

	var errs []error
	for _, id := range append(ids, listener) {
		if err := s.cmds.Close(actx, s.opts.Instance, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.WithField("connections", len(ids)).Info("Echo service closed")
	return errors.Join(errs...)
}

// Actor returns the service as a mailbox actor for the node runtime. The
// actor only consumes socket messages; Open is called separately with the
// actor's handle once the target server exists. The listener and its
// connections are closed when the actor's context ends.
func (s *Service) Actor() actor.Actor {
	return actor.ActorFunc(func(ctx context.Context, mb *actor.Mailbox) error {
		self, ok := actor.FromContext(ctx)
		if !ok {
			return errors.New("echo: actor context carries no handle")
		}
		for {
			msg, err := mb.Receive(ctx)
			if err != nil {
				s.Close(self)
				return err
			}
			if m, ok := msg.(actor.Message); ok {
				s.HandleMessage(self, m)
				continue
			}
			actor.Release(msg)
		}
	})
}
