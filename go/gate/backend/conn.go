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

// Package backend drives one connection to a backend database through
// its authentication state machine, tracks the commands in flight on
// it, and classifies the server's replies for the routing module.
//
// A Conn is bound to one worker. Every method except the constructor
// must run on that worker; the socket reader goroutine delivers frames
// by posting tasks to it.
package backend

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/linsenhu/maxgate/go/gate/buffer"
	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/monitor"
	"github.com/linsenhu/maxgate/go/gate/router"
	"github.com/linsenhu/maxgate/go/gate/server"
	"github.com/linsenhu/maxgate/go/gate/worker"
	"github.com/linsenhu/maxgate/go/mysql"
)

var (
	connects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maxgate_backend_connects_total",
		Help: "Backend connection attempts by outcome.",
	}, []string{"server", "outcome"})

	activeConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maxgate_backend_connections",
		Help: "Open backend connections.",
	}, []string{"server"})
)

// dialTimeout bounds the non-blocking connect.
const dialTimeout = 10 * time.Second

// UserRefresher triggers a credential reload. Implemented by
// users.Loader.
type UserRefresher interface {
	Refresh() (bool, error)
}

// Env carries the process-wide collaborators a backend connection
// touches on error paths.
type Env struct {
	Monitor *monitor.Manager
	Users   UserRefresher
}

// Handler is the session side of a backend connection: where replies
// and errors go, and where the per-session identity lives. Implemented
// by the client session.
type Handler interface {
	// Capabilities returns the routing module's declared bitmask.
	Capabilities() router.Capability

	// User, Database, Charset and Stage1 identify the session to the
	// backend. Stage1 is SHA1(password).
	User() string
	Database() string
	Charset() uint8
	Stage1() []byte

	// ClientAddr is the client's network address, used for the PROXY
	// protocol header.
	ClientAddr() net.Addr

	// CurrentCommand is the command byte the client protocol tracked,
	// used when the router does not declare statement input.
	CurrentCommand() byte

	// LoadActive reports an in-flight LOAD DATA LOCAL interleave: the
	// next packets are raw data, not commands.
	LoadActive() bool

	// ClientReply receives classified response bytes.
	ClientReply(buf *buffer.Buffer, from *Conn)

	// HandleError receives a protocol-formatted ERR describing a
	// backend failure. Returning false tears the session down.
	HandleError(errPkt *buffer.Buffer, from *Conn, action router.ErrorAction) bool

	// TrackState receives session-state deltas decoded from OK
	// packets.
	TrackState(state *mysql.SessionState)
}

// Conn is one backend connection. It owns the socket, the negotiated
// capabilities and charset, the scramble from the backend's handshake,
// and the in-flight command bookkeeping.
type Conn struct {
	srv     *server.Server
	wrk     *worker.Worker
	env     *Env
	handler Handler

	sock   net.Conn
	reader *mysql.Reader

	state        AuthState
	capabilities uint32
	charset      uint8
	salt         []byte

	// Command tracking, see the write and read files.
	currentCommand byte
	largeQuery     bool
	collectResult  bool
	trackState     bool
	changingUser   bool
	wasPersistent  bool
	ignoreReplies  int
	storedQuery    *buffer.Buffer

	// delayq parks client writes until authentication completes.
	delayq []*buffer.Buffer

	// collectq accumulates frames for the collected-result and
	// ignored-reply paths. Always one contiguous allocation.
	collectq []byte

	// authUser is who this connection is authenticated as on the
	// backend; the pool keys on it.
	authUser string

	errHandled bool
	closed     bool
}

// Connect creates a backend connection and starts the non-blocking
// dial. The returned Conn is in StatePendingConnect until the worker
// runs the dial completion task.
func Connect(srv *server.Server, wrk *worker.Worker, env *Env, handler Handler) *Conn {
	c := &Conn{
		srv:     srv,
		wrk:     wrk,
		env:     env,
		handler: handler,
		state:   StateInit,
	}
	c.dial()
	return c
}

// dial starts the connect in its own goroutine and delivers the result
// to the owner worker.
func (c *Conn) dial() {
	c.state = StatePendingConnect
	go func() {
		sock, err := net.DialTimeout(c.srv.Network(), c.srv.Addr(), dialTimeout)
		if werr := c.wrk.Execute(func() { c.onDialed(sock, err) }); werr != nil {
			if sock != nil {
				sock.Close()
			}
		}
	}()
}

func (c *Conn) onDialed(sock net.Conn, err error) {
	if c.closed {
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		log.Errorf("Establishing connection to backend server %v failed: %v", c.srv.Addr(), err)
		connects.WithLabelValues(c.srv.Name, "refused").Inc()
		c.state = StateFailed
		c.replyOnError(err)
		return
	}
	log.V(1).Infof("Established connection to %v", c.srv.Addr())
	connects.WithLabelValues(c.srv.Name, "connected").Inc()
	activeConns.WithLabelValues(c.srv.Name).Inc()
	c.sock = sock
	c.reader = mysql.NewReader(sock)
	c.state = StateConnected

	if c.srv.ProxyProtocol {
		if err := c.sendProxyHeader(); err != nil {
			log.Errorf("Cannot send proxy protocol header to %v: %v", c.srv.Name, err)
			c.state = StateFailed
			c.replyOnError(err)
			return
		}
	}
	go c.readLoop(sock)
}

// readLoop runs off-worker and delivers complete frames to the owner
// worker. It exits when the socket dies.
func (c *Conn) readLoop(sock net.Conn) {
	r := c.reader
	for {
		frame, _, err := r.ReadFrame()
		if err != nil {
			c.wrk.Execute(func() { c.onHangup(err) })
			return
		}
		if werr := c.wrk.Execute(func() { c.onFrame(frame) }); werr != nil {
			sock.Close()
			return
		}
	}
}

// Server returns the backend server this connection belongs to.
func (c *Conn) Server() *server.Server {
	return c.srv
}

// ServerName is part of the router.Backend interface.
func (c *Conn) ServerName() string {
	return c.srv.Name
}

// Worker returns the owning worker.
func (c *Conn) Worker() *worker.Worker {
	return c.wrk
}

// State returns the connection's authentication state.
func (c *Conn) State() AuthState {
	return c.state
}

// Salt returns the scramble the backend sent in its original
// handshake. The pool remembers it across re-identifications.
func (c *Conn) Salt() []byte {
	return c.salt
}

// AuthUser returns the user this connection is authenticated as.
func (c *Conn) AuthUser() string {
	return c.authUser
}

// Established reports whether the connection can be parked: it is
// authenticated and has no exchange in flight.
func (c *Conn) Established() bool {
	return c.state == StateComplete &&
		c.ignoreReplies == 0 &&
		c.storedQuery == nil &&
		len(c.delayq) == 0 &&
		len(c.collectq) == 0 &&
		(c.reader == nil || c.reader.Buffered() == 0)
}

// Close tears the connection down. When the connection is authenticated
// (StateComplete), a COM_QUIT is sent first so the backend drops the
// session promptly; in any other state the socket is just closed.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.sock != nil {
		if c.state == StateComplete {
			// Write errors are pointless to report while closing.
			if _, err := c.sock.Write(mysql.BuildComQuit()); err != nil {
				log.V(1).Infof("COM_QUIT to %v failed: %v", c.srv.Name, err)
			}
		}
		c.sock.Close()
		activeConns.WithLabelValues(c.srv.Name).Dec()
		c.sock = nil
	}
	c.storedQuery = nil
	c.delayq = nil
	c.collectq = nil
}

// FakeHangup injects a synthetic hang-up event, used for cascade
// teardown and for fatal protocol violations.
func (c *Conn) FakeHangup() {
	c.wrk.Execute(func() {
		if !c.closed {
			c.onHangup(nil)
		}
	})
}

// Park detaches the connection from its session for pooling. The pool
// calls it after validating Established.
func (c *Conn) Park() {
	c.handler = nil
	c.collectResult = false
	c.trackState = false
	c.largeQuery = false
	c.changingUser = false
}

// Resurrect binds a pooled connection to a new session. The first
// write will re-identify it with COM_CHANGE_USER.
func (c *Conn) Resurrect(handler Handler) {
	c.handler = handler
	c.wasPersistent = true
	c.errHandled = false
}

// Closed reports whether the socket has been torn down.
func (c *Conn) Closed() bool {
	return c.closed
}
