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

// Package server holds the backend server objects: a name, an address,
// status bits set by monitors and consulted by the core when picking a
// backend.
package server

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Status bits. Monitors set them; the core only reads.
type Status uint64

const (
	// StatusRunning: the server answers connections.
	StatusRunning Status = 1 << iota

	// StatusMaster: the server accepts writes.
	StatusMaster

	// StatusSlave: the server replicates from a master.
	StatusSlave

	// StatusMaintenance: an operator or the blocked-host salvage took
	// the server out of rotation.
	StatusMaintenance
)

// String renders the bits the way the admin surface shows them.
func (s Status) String() string {
	var parts []string
	if s&StatusMaintenance != 0 {
		parts = append(parts, "Maintenance")
	}
	if s&StatusMaster != 0 {
		parts = append(parts, "Master")
	}
	if s&StatusSlave != 0 {
		parts = append(parts, "Slave")
	}
	if s&StatusRunning != 0 {
		parts = append(parts, "Running")
	} else {
		parts = append(parts, "Down")
	}
	return strings.Join(parts, ", ")
}

// Server is one backend database server.
type Server struct {
	Name    string
	Address string // hostname, IP, or a unix socket path starting with '/'
	Port    int

	// ProxyProtocol makes every new connection announce the client
	// address with a PROXY protocol v1 header.
	ProxyProtocol bool

	// PersistentConns enables parking idle authenticated connections
	// for reuse.
	PersistentConns bool

	status atomic.Uint64
}

// New creates a server object in the Running state.
func New(name, address string, port int) *Server {
	s := &Server{Name: name, Address: address, Port: port}
	s.status.Store(uint64(StatusRunning))
	return s
}

// Addr returns the dialable address.
func (s *Server) Addr() string {
	if strings.HasPrefix(s.Address, "/") {
		return s.Address
	}
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// Network returns the dial network matching Addr.
func (s *Server) Network() string {
	if strings.HasPrefix(s.Address, "/") {
		return "unix"
	}
	return "tcp"
}

// Status returns the current status bits.
func (s *Server) Status() Status {
	return Status(s.status.Load())
}

// SetStatus sets status bits.
func (s *Server) SetStatus(bits Status) {
	for {
		old := s.status.Load()
		if s.status.CompareAndSwap(old, old|uint64(bits)) {
			return
		}
	}
}

// ClearStatus clears status bits.
func (s *Server) ClearStatus(bits Status) {
	for {
		old := s.status.Load()
		if s.status.CompareAndSwap(old, old&^uint64(bits)) {
			return
		}
	}
}

// InMaintenance returns true when the server must not be dialled.
func (s *Server) InMaintenance() bool {
	return s.Status()&StatusMaintenance != 0
}

// IsUsable returns true when the server may serve new connections.
func (s *Server) IsUsable() bool {
	st := s.Status()
	return st&StatusRunning != 0 && st&StatusMaintenance == 0
}
