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

package admin

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/turtacn/sockbridge/pkg/bridge"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// InstanceService returns the health service name of a pooled server.
func InstanceService(id int) string {
	return fmt.Sprintf("sockbridge.instance.%d", id)
}

// HealthServer serves the standard gRPC health service. The overall status
// ("") is SERVING while the bridge is open; each pooled server has its own
// service that follows its poller.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewHealthServer creates a health server reporting SERVING overall.
func NewHealthServer(opts ...grpc.ServerOption) *HealthServer {
	h := &HealthServer{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return h
}

// SetPollerState records a poller transition. Its signature matches
// bridge.Options.OnPollerState.
func (h *HealthServer) SetPollerState(id int, state bridge.PollerState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == bridge.PollerRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(InstanceService(id), status)
}

// SetServing sets the overall status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Serve accepts connections on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	log.Infof("Admin health service listening on %s", lis.Addr())
	return h.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
