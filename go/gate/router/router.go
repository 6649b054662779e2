/*
Copyright 2021 The Maxgate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package router declares the interface routing modules implement and
// the capability bitmask they negotiate with the core. Policy lives in
// the modules; the core only honors the declared capabilities.
package router

import (
	"fmt"
	"sync"

	"github.com/linsenhu/maxgate/go/gate/buffer"
)

// Capability is the bitmask a routing module declares at registration
// time. The core satisfies declared capabilities strictly.
type Capability uint32

const (
	// PacketOutput: replies are delivered only as complete frames.
	PacketOutput Capability = 1 << iota

	// StmtInput: route_query receives one assembled statement at a
	// time, so the core tracks the command byte per backend write.
	StmtInput

	// StmtOutput: client_reply receives one frame per call.
	StmtOutput

	// ContiguousOutput: reply buffers are single contiguous
	// allocations.
	ContiguousOutput

	// ResultsetOutput: full result sets are collected before delivery.
	ResultsetOutput

	// SessionStateTracking: OK packets are mined for session-state
	// change blocks.
	SessionStateTracking

	// NoAuth: the service runs without client authentication.
	NoAuth

	// NoRSession: replies may be routed without a router session.
	NoRSession
)

// Has returns true if all given bits are set.
func (c Capability) Has(r Capability) bool {
	return c&r == r
}

// ErrorAction tells a routing module what the core suggests doing about
// a backend failure.
type ErrorAction int

const (
	// ErrorActionNewConnection: the backend died; the module may retry
	// on another one.
	ErrorActionNewConnection ErrorAction = iota

	// ErrorActionReplyClient: the error must be surfaced to the
	// client.
	ErrorActionReplyClient
)

// Backend identifies the origin of a reply without exposing the
// connection internals to routing modules.
type Backend interface {
	// ServerName returns the configured name of the backend server.
	ServerName() string
}

// Session is the view of a client session a routing module gets.
type Session interface {
	ID() string
	User() string
	Database() string

	// Reply ships bytes to the client socket.
	Reply(buf *buffer.Buffer) error

	// Hangup tears the client session down, cascading to every
	// backend it borrowed.
	Hangup()
}

// Router is a routing module instance, shared by all sessions of a
// service.
type Router interface {
	// Capabilities returns the requirements bitmask. The listener
	// consults it for every new client connection.
	Capabilities() Capability

	// NewSession sets up per-session routing state.
	NewSession(s Session) (SessionRouter, error)
}

// SessionRouter carries the per-session routing state.
type SessionRouter interface {
	// RouteQuery receives one assembled client packet and forwards it
	// to a backend of the module's choosing.
	RouteQuery(buf *buffer.Buffer) error

	// ClientReply receives response bytes from a backend.
	ClientReply(buf *buffer.Buffer, origin Backend)

	// HandleError is called on backend failures. Returning false means
	// the session cannot continue and will be torn down.
	HandleError(errPkt *buffer.Buffer, origin Backend, action ErrorAction) bool

	// Close releases the session's backend connections.
	Close()
}

var (
	mu      sync.Mutex
	modules = make(map[string]Router)
)

// Register makes a routing module available under a name. It is meant
// to be called from init functions.
func Register(name string, r Router) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := modules[name]; ok {
		panic(fmt.Sprintf("router module %v registered twice", name))
	}
	modules[name] = r
}

// Get returns a registered routing module.
func Get(name string) (Router, error) {
	mu.Lock()
	defer mu.Unlock()
	r, ok := modules[name]
	if !ok {
		return nil, fmt.Errorf("unknown router module %q", name)
	}
	return r, nil
}
