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

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	proto "github.com/asynkron/protoactor-go/actor"
	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/actor/protoactor"
	"github.com/turtacn/sockbridge/pkg/admin"
	"github.com/turtacn/sockbridge/pkg/bridge"
	"github.com/turtacn/sockbridge/pkg/config"
	"github.com/turtacn/sockbridge/pkg/echo"
	"github.com/turtacn/sockbridge/pkg/metrics"
	"github.com/turtacn/sockbridge/pkg/node"
	"github.com/turtacn/sockbridge/pkg/socket"
	"github.com/turtacn/sockbridge/pkg/socket/netserver"
)

func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// actorSystem is an actor runtime the bridge can deliver to.
type actorSystem interface {
	bridge.Runtime
	Shutdown()
}

func newActorSystem(cfg *config.Config, logger *log.Logger) actorSystem {
	if cfg.Actor.Runtime == "protoactor" {
		return protoactor.New(proto.NewActorSystem(), logger)
	}
	return node.New(node.Options{MailboxSize: cfg.Actor.MailboxSize, Logger: logger})
}

// spawnEcho starts svc as an actor of rt.
func spawnEcho(rt actorSystem, svc *echo.Service) (actor.Handle, error) {
	switch rt := rt.(type) {
	case *protoactor.Runtime:
		h, _ := rt.Spawn(svc.Producer())
		return h, nil
	case *node.Node:
		return rt.Spawn("echo", svc.Actor())
	}
	return 0, fmt.Errorf("unsupported actor system %T", rt)
}

// runServe runs the bridge until ctx is done. ready, when set, receives the
// echo listener's address once it accepts connections.
func runServe(ctx context.Context, cfg *config.Config, ready func(addr string)) error {
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	logger.WithField("version", version).Info("Starting sockbridge")

	var health *admin.HealthServer
	var onPollerState func(int, bridge.PollerState)
	if cfg.Admin.Addr != "" {
		health = admin.NewHealthServer()
		onPollerState = health.SetPollerState
	}

	sockOpts := netserver.Options{
		ReadBuffer:       cfg.Socket.ReadBuffer,
		WarningThreshold: cfg.Socket.WarningThreshold,
		EventQueue:       cfg.Socket.EventQueue,
		Logger:           logger,
	}
	factory := func(start time.Time) (socket.Server, error) {
		return netserver.New(start, sockOpts), nil
	}

	rt := newActorSystem(cfg, logger)
	b, err := bridge.New(bridge.Options{
		Runtime:         rt,
		Factory:         factory,
		InitialCapacity: cfg.Bridge.InitialCapacity,
		PollInterval:    time.Duration(cfg.Bridge.PollInterval),
		CloseOrphans:    cfg.Bridge.CloseOrphans,
		OrphanQueue:     cfg.Bridge.OrphanQueue,
		DiagnosticRates: cfg.Bridge.Rates(),
		OnPollerState:   onPollerState,
		Logger:          logger,
	})
	if err != nil {
		rt.Shutdown()
		return fmt.Errorf("create bridge: %w", err)
	}
	defer b.Stop()
	defer rt.Shutdown()

	// The echo actor must exist before any pooled server starts polling,
	// since pollers stop once no actor is left.
	svc := echo.New(b, echo.Options{
		Host:     cfg.Echo.Host,
		Port:     cfg.Echo.Port,
		Instance: cfg.Echo.Instance,
		Logger:   logger,
	})
	self, err := spawnEcho(rt, svc)
	if err != nil {
		return fmt.Errorf("spawn echo actor: %w", err)
	}

	for i := 0; i < cfg.Bridge.PoolSize; i++ {
		if _, err := b.NewServer(); err != nil {
			return fmt.Errorf("start socket server: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pollDefault(loopCtx, b, time.Duration(cfg.Bridge.PollInterval))
	go tick(loopCtx, b, time.Duration(cfg.Bridge.PollInterval))

	id, err := svc.Open(self)
	if err != nil {
		return fmt.Errorf("open echo listener: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		go metrics.Serve(cfg.Metrics.Addr)
	}
	if cfg.Admin.HTTPAddr != "" {
		go func() {
			if err := admin.Serve(cfg.Admin.HTTPAddr, b); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Admin API failed")
			}
		}()
	}
	if health != nil {
		lis, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			return fmt.Errorf("listen for admin health service: %w", err)
		}
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.WithError(err).Error("Admin health service failed")
			}
		}()
		defer health.Stop()
	}

	if ready != nil {
		if infos, err := b.Info(cfg.Echo.Instance); err == nil {
			for _, info := range infos {
				if info.ID == id {
					ready(info.Name)
				}
			}
		}
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received. Shutting down...")
	if health != nil {
		health.SetServing(false)
	}
	return nil
}

// pollDefault drives the default server until ctx is done.
func pollDefault(ctx context.Context, b *bridge.Bridge, interval time.Duration) {
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		status := b.Poll(pctx)
		cancel()
		if status == bridge.PollExit {
			return
		}
	}
}

// tick refreshes the servers' clocks.
func tick(ctx context.Context, b *bridge.Bridge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.UpdateTime()
		}
	}
}
