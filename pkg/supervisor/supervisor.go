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

// package supervisor provides an OTP-style supervisor for managing the
// lifecycle of concurrent actors.
package supervisor

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/metrics"
)

// DefaultRestartDelay is the pause between a child's termination and its
// restart when Spec.RestartDelay is zero.
const DefaultRestartDelay = time.Second

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

// String returns the strategy name used in logs.
func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	}
	return fmt.Sprintf("RestartStrategy(%d)", int(r))
}

// Spec defines the specification for a child actor process managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
	// RestartDelay overrides DefaultRestartDelay when positive.
	RestartDelay time.Duration
	// Mailbox is the mailbox to be used by the actor.
	Mailbox *actor.Mailbox
	// OnExit, if set, is called once the child has terminated for good, with
	// the reason of its last run.
	OnExit func(err error)
	// startFunc is an optional function for starting the actor, useful for testing.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	logger *log.Entry
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor() *OneForOneSupervisor {
	return NewOneForOneSupervisorWithLogger(log.StandardLogger())
}

// NewOneForOneSupervisorWithLogger creates a one-for-one supervisor logging
// through logger.
func NewOneForOneSupervisorWithLogger(logger *log.Logger) *OneForOneSupervisor {
	return &OneForOneSupervisor{logger: logger.WithField("component", "supervisor")}
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	childCtx, cancel := context.WithCancel(ctx)
	go s.monitorChild(childCtx, cancel, spec)
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, cancel context.CancelFunc, spec Spec) {
	defer cancel()
	logger := s.logger.WithField("actor", spec.ID)

	var err error
	defer func() {
		if spec.OnExit != nil {
			spec.OnExit(err)
		}
	}()

	for {
		err = s.runOnce(ctx, spec)
		logger.WithError(err).Debug("actor terminated")

		// If the supervisor's context is done, do not restart.
		select {
		case <-ctx.Done():
			logger.Debug("supervisor context is done, not restarting")
			return
		default:
		}

		if !shouldRestart(spec.Restart, err) {
			logger.WithField("strategy", spec.Restart).Debug("actor will not be restarted")
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		logger.Info("restarting actor")

		delay := spec.RestartDelay
		if delay <= 0 {
			delay = DefaultRestartDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce runs the child until it returns, converting a panic into an error.
func (s *OneForOneSupervisor) runOnce(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return s.startActor(ctx, spec)
}

func shouldRestart(strategy RestartStrategy, err error) bool {
	switch strategy {
	case RestartPermanent:
		return true
	case RestartTransient:
		return err != nil
	}
	return false
}

// startActor launches the actor's Start method.
func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) error {
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	return spec.Actor.Start(ctx, spec.Mailbox)
}
