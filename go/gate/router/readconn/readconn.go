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

// Package readconn is a connection-based router: each session gets one
// backend connection, picked round robin from the usable servers, and
// every statement travels down it. The classic way to fan read-only
// load out over replicas.
package readconn

import (
	"errors"
	"sync/atomic"

	"github.com/linsenhu/maxgate/go/gate/backend"
	"github.com/linsenhu/maxgate/go/gate/buffer"
	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/pool"
	"github.com/linsenhu/maxgate/go/gate/router"
	"github.com/linsenhu/maxgate/go/gate/server"
	"github.com/linsenhu/maxgate/go/gate/worker"
)

var (
	errNotHandle = errors.New("session does not expose a backend handler")
	errNoServers = errors.New("no usable backend servers")
)

// sessionHandle is what the router needs from the concrete session: the
// router-facing surface plus the backend handler it hands to acquired
// connections.
type sessionHandle interface {
	router.Session
	backend.Handler
	Worker() *worker.Worker
}

// Router routes each session's traffic over a single backend
// connection.
type Router struct {
	Servers []*server.Server
	Pool    *pool.Pool

	next atomic.Uint64
}

// New creates the router instance for one service.
func New(servers []*server.Server, p *pool.Pool) *Router {
	return &Router{Servers: servers, Pool: p}
}

// Capabilities is part of the router.Router interface.
func (r *Router) Capabilities() router.Capability {
	return router.StmtInput | router.StmtOutput
}

// NewSession is part of the router.Router interface.
func (r *Router) NewSession(s router.Session) (router.SessionRouter, error) {
	handle, ok := s.(sessionHandle)
	if !ok {
		return nil, errNotHandle
	}
	return &routerSession{router: r, session: handle}, nil
}

// pick returns the next usable server, round robin. skip excludes a
// server that just failed.
func (r *Router) pick(skip *server.Server) *server.Server {
	n := len(r.Servers)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		srv := r.Servers[int(r.next.Add(1))%n]
		if srv != skip && srv.IsUsable() {
			return srv
		}
	}
	return nil
}

type routerSession struct {
	router  *Router
	session sessionHandle
	conn    *backend.Conn
}

// RouteQuery is part of the router.SessionRouter interface.
func (rs *routerSession) RouteQuery(buf *buffer.Buffer) error {
	if rs.conn == nil || rs.conn.Closed() {
		srv := rs.router.pick(nil)
		if srv == nil {
			return errNoServers
		}
		rs.conn = rs.router.Pool.Acquire(srv, rs.session.Worker(), rs.session)
		log.V(1).Infof("Session %v routed to %v", rs.session.ID(), srv.Name)
	}
	return rs.conn.Write(buf)
}

// ClientReply is part of the router.SessionRouter interface.
func (rs *routerSession) ClientReply(buf *buffer.Buffer, origin router.Backend) {
	if err := rs.session.Reply(buf); err != nil {
		log.V(1).Infof("Reply to session %v failed: %v", rs.session.ID(), err)
	}
}

// HandleError is part of the router.SessionRouter interface.
func (rs *routerSession) HandleError(errPkt *buffer.Buffer, origin router.Backend, action router.ErrorAction) bool {
	if action != router.ErrorActionNewConnection {
		return false
	}
	// The backend died mid-session. A connection router cannot replay
	// the statement, but the session can continue on another server if
	// one is up.
	failed := rs.conn
	rs.conn = nil
	srv := rs.router.pick(failed.Server())
	if srv == nil {
		return false
	}
	rs.conn = rs.router.Pool.Acquire(srv, rs.session.Worker(), rs.session)
	log.Infof("Session %v moved from %v to %v after a backend failure",
		rs.session.ID(), origin.ServerName(), srv.Name)
	return true
}

// Close is part of the router.SessionRouter interface.
func (rs *routerSession) Close() {
	if rs.conn != nil {
		rs.router.Pool.Release(rs.conn)
		rs.conn = nil
	}
}
