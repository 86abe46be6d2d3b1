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

// Package bridge connects socket servers to the actor runtime. It drains
// events from every server, packs each into an Envelope and pushes it into
// the mailbox of the actor that owns the socket. It also keeps the pool of
// servers, one poller goroutine per pooled server, and forwards socket
// commands from actors to the server they name.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/buffer"
	"github.com/turtacn/sockbridge/pkg/metrics"
	"github.com/turtacn/sockbridge/pkg/socket"
)

var (
	// ErrInvalidInstance is returned for commands naming an unknown server id.
	ErrInvalidInstance = errors.New("invalid socket server id")
	// ErrClosed is returned once the bridge is shutting down.
	ErrClosed = errors.New("bridge closed")
)

const (
	// DefaultPollInterval bounds a single poll call of a pooled server.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultOrphanQueue is the orphan reaper backlog.
	DefaultOrphanQueue = 1024
)

// PollStatus is the outcome of one poll call.
type PollStatus int

const (
	// PollRetry reports a transient error; the caller may poll again.
	PollRetry PollStatus = -2
	// PollMore reports that more events are already queued.
	PollMore PollStatus = -1
	// PollExit reports that the server will produce no more events.
	PollExit PollStatus = 0
	// PollIdle reports that nothing else is pending right now.
	PollIdle PollStatus = 1
)

func (s PollStatus) String() string {
	switch s {
	case PollRetry:
		return "retry"
	case PollMore:
		return "more"
	case PollExit:
		return "exit"
	case PollIdle:
		return "idle"
	}
	return fmt.Sprintf("PollStatus(%d)", int(s))
}

// PollerState is the lifecycle state of a pooled server's poller.
type PollerState int

const (
	PollerRunning PollerState = iota
	PollerStopped
)

func (s PollerState) String() string {
	if s == PollerRunning {
		return "running"
	}
	return "stopped"
}

// Runtime is the actor runtime seen by the bridge.
type Runtime interface {
	// Push delivers msg to h without blocking and fails if h cannot take it.
	Push(h actor.Handle, msg actor.Message) error
	// Total returns the number of live actors.
	Total() int
}

// Factory creates a socket server.
type Factory func(start time.Time) (socket.Server, error)

// Options configures a Bridge.
type Options struct {
	Runtime Runtime
	Factory Factory
	// Default is the server behind id 0. Factory is used when nil.
	Default socket.Server
	// Pool allocates envelope blocks.
	Pool            *buffer.Pool
	InitialCapacity int
	PollInterval    time.Duration
	// CloseOrphans closes sockets whose events could not be delivered.
	CloseOrphans bool
	OrphanQueue  int
	// DiagnosticRates throttles repeated diagnostics, per reason. Nil
	// disables throttling.
	DiagnosticRates map[time.Duration]int
	// OnPollerState is called whenever a pooled server's poller starts or stops.
	OnPollerState func(id int, state PollerState)
	Logger        *log.Logger
}

type poller struct {
	id    int
	srv   socket.Server
	mu    sync.Mutex
	state PollerState
	done  chan struct{}
}

type orphan struct {
	srv socket.Server
	id  int
}

// Bridge is the socket-to-actor core.
type Bridge struct {
	runtime       Runtime
	factory       Factory
	registry      *Registry
	pool          *buffer.Pool
	pollInterval  time.Duration
	limiter       *catrate.Limiter
	onPollerState func(int, PollerState)
	logger        *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pollers map[int]*poller

	orphans    chan orphan
	reaperDone chan struct{}
}

// New creates a bridge and its default server.
func New(opts Options) (*Bridge, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bridge: runtime is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("bridge: factory is required")
	}
	limiter, err := newLimiter(opts.DiagnosticRates)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	pool := opts.Pool
	if pool == nil {
		pool = buffer.NewPool(HeaderSize + MaxInlinePayload)
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	def := opts.Default
	if def == nil {
		def, err = opts.Factory(time.Now())
		if err != nil {
			return nil, fmt.Errorf("create default socket server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		runtime:       opts.Runtime,
		factory:       opts.Factory,
		registry:      NewRegistry(def, opts.InitialCapacity),
		pool:          pool,
		pollInterval:  interval,
		limiter:       limiter,
		onPollerState: opts.OnPollerState,
		logger:        logger.WithField("component", "bridge"),
		ctx:           ctx,
		cancel:        cancel,
		pollers:       make(map[int]*poller),
	}
	if opts.CloseOrphans {
		size := opts.OrphanQueue
		if size <= 0 {
			size = DefaultOrphanQueue
		}
		b.orphans = make(chan orphan, size)
		b.reaperDone = make(chan struct{})
		go b.runReaper()
	}
	return b, nil
}

func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: invalid diagnostic rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Registry exposes the server registry.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Pool returns the envelope block pool.
func (b *Bridge) Pool() *buffer.Pool {
	return b.pool
}

// Stats is a snapshot of the bridge.
type Stats struct {
	Instances      int          `json:"instances"`
	PollersRunning int          `json:"pollers_running"`
	Actors         int          `json:"actors"`
	Envelopes      buffer.Stats `json:"envelopes"`
}

// Stats reports pool size, running pollers, live actors and envelope
// accounting.
func (b *Bridge) Stats() Stats {
	st := Stats{
		Instances: b.registry.Count(),
		Actors:    b.runtime.Total(),
		Envelopes: b.pool.Stats(),
	}
	b.mu.Lock()
	pollers := make([]*poller, 0, len(b.pollers))
	for _, p := range b.pollers {
		pollers = append(pollers, p)
	}
	b.mu.Unlock()
	for _, p := range pollers {
		p.mu.Lock()
		if p.state == PollerRunning {
			st.PollersRunning++
		}
		p.mu.Unlock()
	}
	return st
}

// InstanceCount returns the number of pooled servers.
func (b *Bridge) InstanceCount() int {
	return b.registry.Count()
}

// Instance resolves a server id.
func (b *Bridge) Instance(id int) (socket.Server, error) {
	srv, ok := b.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidInstance, id)
	}
	return srv, nil
}

// NewServer creates a pooled server, starts its poller and returns its id.
// On failure nothing is registered and the server, if created, is released.
func (b *Bridge) NewServer() (int, error) {
	srv, err := b.factory(time.Now())
	if err != nil {
		return 0, fmt.Errorf("create socket server: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		srv.Release()
		return 0, ErrClosed
	}
	id := b.registry.Register(srv)
	p := &poller{id: id, srv: srv, state: PollerRunning, done: make(chan struct{})}
	b.pollers[id] = p
	b.wg.Add(1)
	b.mu.Unlock()

	metrics.InstancesRegistered.Set(float64(b.registry.Count()))
	metrics.PollersRunning.Inc()
	b.notify(id, PollerRunning)
	go b.runPoller(p)

	b.logger.WithField("instance", id).Info("socket server started")
	return id, nil
}

func (b *Bridge) runPoller(p *poller) {
	defer b.wg.Done()
	logger := b.logger.WithField("instance", p.id)
	for {
		ctx, cancel := context.WithTimeout(b.ctx, b.pollInterval)
		status := b.poll(ctx, p.srv, logger)
		cancel()
		if status == PollExit {
			logger.Info("socket server exited")
			break
		}
		if b.runtime.Total() == 0 {
			logger.Info("no actors left, stopping poller")
			break
		}
	}

	p.mu.Lock()
	p.state = PollerStopped
	p.mu.Unlock()
	metrics.PollersRunning.Dec()
	b.notify(p.id, PollerStopped)
	close(p.done)
}

func (b *Bridge) notify(id int, state PollerState) {
	if b.onPollerState != nil {
		b.onPollerState(id, state)
	}
}

// PollerState reports the state of a pooled server's poller.
func (b *Bridge) PollerState(id int) (PollerState, bool) {
	b.mu.Lock()
	p, ok := b.pollers[id]
	b.mu.Unlock()
	if !ok {
		return PollerStopped, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, true
}

// PollerDone returns a channel closed when the poller of id has stopped.
func (b *Bridge) PollerDone(id int) (<-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pollers[id]
	if !ok {
		return nil, false
	}
	return p.done, true
}

// Poll drives the default server once. It is meant for the embedding
// runtime's own loop.
func (b *Bridge) Poll(ctx context.Context) PollStatus {
	return b.poll(ctx, b.registry.Default(), b.logger.WithField("instance", DefaultInstance))
}

// PollInstance drains exactly one event from srv and forwards it. Servers
// unknown to the registry are logged with instance -1.
func (b *Bridge) PollInstance(ctx context.Context, srv socket.Server) PollStatus {
	id, ok := b.registry.IDOf(srv)
	if !ok {
		id = -1
	}
	return b.poll(ctx, srv, b.logger.WithField("instance", id))
}

func (b *Bridge) poll(ctx context.Context, srv socket.Server, logger *log.Entry) PollStatus {
	if srv == nil {
		panic("bridge: poll on nil socket server")
	}
	ev, more, err := srv.Poll(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return PollIdle
		case errors.Is(err, context.Canceled), errors.Is(err, socket.ErrServerClosed):
			return PollExit
		}
		logger.WithError(err).Error("socket server poll failed")
		return PollRetry
	}

	switch ev.Type {
	case socket.EventExit:
		return PollExit
	case socket.EventData:
		b.forward(srv, TypeData, false, &ev, logger)
	case socket.EventClose:
		b.forward(srv, TypeClose, false, &ev, logger)
	case socket.EventOpen:
		b.forward(srv, TypeConnect, true, &ev, logger)
	case socket.EventError:
		b.forward(srv, TypeError, true, &ev, logger)
	case socket.EventAccept:
		b.forward(srv, TypeAccept, true, &ev, logger)
	case socket.EventUDP:
		b.forward(srv, TypeUDP, false, &ev, logger)
	case socket.EventWarning:
		b.forward(srv, TypeWarning, false, &ev, logger)
	default:
		ev.Data.Release()
		metrics.UnknownEventsTotal.Inc()
		if b.allow("unknown-event") {
			logger.Errorf("Unknown socket message type %d.", int(ev.Type))
		}
		return PollRetry
	}
	if more {
		return PollMore
	}
	return PollIdle
}

// forward packs ev and delivers it to its owner. If the owner cannot take
// it, the envelope and its buffer are released on the spot; nothing here
// may block the poller. Only a socket whose owner no longer exists is
// handed to the reaper.
func (b *Bridge) forward(srv socket.Server, t MessageType, padding bool, ev *socket.Event, logger *log.Entry) {
	owner, id, ud := ev.Opaque, ev.ID, ev.UD
	env := Pack(b.pool, t, padding, ev)
	metrics.EventsTotal.WithLabelValues(t.String()).Inc()

	msg := actor.Message{
		Source:  0,
		Session: 0,
		Type:    actor.PTypeSocket,
		Payload: env,
		Size:    len(env.Bytes()),
	}
	err := b.runtime.Push(owner, msg)
	if err == nil {
		return
	}

	env.Release()
	metrics.DeliveryDroppedTotal.Inc()
	if b.allow("delivery-dropped") {
		logger.WithError(err).WithFields(log.Fields{
			"type":   t,
			"socket": id,
			"owner":  owner,
		}).Debug("socket message dropped")
	}

	if !errors.Is(err, actor.ErrNoSuchActor) {
		// owner is alive but busy; the socket stays open
		return
	}
	switch t {
	case TypeClose, TypeError:
		// the socket is already gone
	case TypeAccept:
		b.reapOrphan(srv, ud)
	default:
		b.reapOrphan(srv, id)
	}
}

func (b *Bridge) allow(reason string) bool {
	_, ok := b.limiter.Allow(reason)
	return ok
}

func (b *Bridge) reapOrphan(srv socket.Server, id int) {
	if b.orphans == nil {
		return
	}
	select {
	case b.orphans <- orphan{srv: srv, id: id}:
	default:
		metrics.OrphansDroppedTotal.Inc()
	}
}

// runReaper closes sockets whose owner is gone. It runs apart from the
// pollers so a close never stalls event delivery.
func (b *Bridge) runReaper() {
	defer close(b.reaperDone)
	for {
		select {
		case o := <-b.orphans:
			o.srv.Close(0, o.id)
			metrics.OrphansClosedTotal.Inc()
			b.logger.WithField("socket", o.id).Debug("closed orphaned socket")
		case <-b.ctx.Done():
			return
		}
	}
}

// UpdateTime pushes the current time to every server.
func (b *Bridge) UpdateTime() {
	now := time.Now()
	b.registry.Default().UpdateTime(now)
	for _, srv := range b.registry.Instances() {
		srv.UpdateTime(now)
	}
}

// Exit asks every server, the default included, to report EventExit.
func (b *Bridge) Exit() {
	b.registry.Default().Exit()
	for _, srv := range b.registry.Instances() {
		srv.Exit()
	}
}

// Wait blocks until every poller has stopped.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Stop exits every server, waits for the pollers, then releases all
// servers. It is safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.Exit()
	b.wg.Wait()
	b.cancel()
	if b.reaperDone != nil {
		<-b.reaperDone
	}

	for _, srv := range b.registry.Instances() {
		srv.Release()
	}
	b.registry.Default().Release()
	b.logger.Info("bridge stopped")
}
