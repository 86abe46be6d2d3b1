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

package echo

import (
	proto "github.com/asynkron/protoactor-go/actor"
	"github.com/turtacn/sockbridge/pkg/actor"
	"github.com/turtacn/sockbridge/pkg/actor/protoactor"
)

// Producer returns the service as a protoactor actor. As with Actor, Open is
// called separately; the listener is closed on Stopping.
func (s *Service) Producer() protoactor.Producer {
	return func(self actor.Handle) proto.Actor {
		return &protoEcho{svc: s, self: self}
	}
}

type protoEcho struct {
	svc  *Service
	self actor.Handle
}

func (p *protoEcho) Receive(ctx proto.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Message:
		p.svc.HandleMessage(p.self, *msg)
	case *proto.Stopping:
		p.svc.Close(p.self)
	}
}
