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

package session

import (
	"net"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/linsenhu/maxgate/go/gate/auth"
	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/router"
	"github.com/linsenhu/maxgate/go/gate/worker"
	"github.com/linsenhu/maxgate/go/mysql"
)

var sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "maxgate_sessions_total",
	Help: "Client sessions by outcome of the handshake.",
}, []string{"outcome"})

// serverVersion is what the proxy announces in its handshake.
const serverVersion = "5.5.5-10.5.13-maxgate"

// handshakeCapabilities is what the proxy offers connecting clients.
const handshakeCapabilities = mysql.CapabilityClientLongPassword |
	mysql.CapabilityClientLongFlag |
	mysql.CapabilityClientConnectWithDB |
	mysql.CapabilityClientProtocol41 |
	mysql.CapabilityClientTransactions |
	mysql.CapabilityClientSecureConnection |
	mysql.CapabilityClientPluginAuth

// Listener accepts client connections for one service and spins up a
// session per connection.
type Listener struct {
	Authenticator auth.Authenticator
	Router        router.Router
	Workers       *worker.Pool
	Marks         Watermarks

	ln     net.Listener
	connID atomic.Uint32
	closed atomic.Bool
}

// Serve accepts until the listener is closed.
func (l *Listener) Serve(ln net.Listener) {
	l.ln = ln
	log.Infof("Listening for client connections on %v", ln.Addr())
	for {
		sock, err := ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			log.Errorf("Accept failed: %v", err)
			continue
		}
		go l.handle(sock)
	}
}

// Close stops accepting. Existing sessions run on.
func (l *Listener) Close() {
	l.closed.Store(true)
	if l.ln != nil {
		l.ln.Close()
	}
}

// handle performs the client handshake, attaches a router session, and
// then pumps frames to the worker.
func (l *Listener) handle(sock net.Conn) {
	wrk := l.Workers.Assign()
	s := newSession(sock, wrk, l.Marks)
	s.caps = l.Router.Capabilities()
	reader := mysql.NewReader(sock)

	if !l.authenticate(s, reader) {
		sessionsStarted.WithLabelValues("auth_failed").Inc()
		s.Hangup()
		return
	}

	rs, err := l.Router.NewSession(s)
	if err != nil {
		log.Errorf("Router refused session %v: %v", s.id, err)
		sessionsStarted.WithLabelValues("router_refused").Inc()
		s.Hangup()
		return
	}
	s.routerSession = rs
	s.started = true
	sessionsStarted.WithLabelValues("started").Inc()

	for {
		// Backpressure: while the client write queue sits above the
		// high watermark, stop pulling statements off the socket. The
		// flow releases the reader once the queue drains below low
		// water.
		s.flow.wait()
		frame, _, err := reader.ReadFrame()
		if err != nil {
			s.Hangup()
			return
		}
		if werr := wrk.Execute(func() { s.onClientFrame(frame) }); werr != nil {
			s.Hangup()
			return
		}
	}
}

// authenticate runs the wire handshake against the configured plug-in.
func (l *Listener) authenticate(s *Session, reader *mysql.Reader) bool {
	salt, err := mysql.NewSalt()
	if err != nil {
		return false
	}
	s.salt = salt
	s.authSess = l.Authenticator.NewSession()

	hs := mysql.BuildHandshake(serverVersion, l.connID.Add(1), salt, handshakeCapabilities)
	if _, err := s.sock.Write(hs); err != nil {
		return false
	}

	frame, _, err := reader.ReadFrame()
	if err != nil {
		return false
	}

	if l.Router.Capabilities().Has(router.NoAuth) {
		// The service runs open; parse what we can for identity and
		// wave the client through.
		if resp, err := mysql.ParseHandshakeResponse(frame); err == nil {
			s.creds = &auth.Credentials{User: resp.User, Database: resp.Database, Charset: resp.Charset}
		}
		_, err := s.sock.Write(mysql.BuildOKPacket(mysql.PacketSeq(frame)+1, 0, 0, mysql.ServerStatusAutocommit, 0))
		return err == nil
	}

	if !s.authSess.Extract(s, frame) {
		l.refuse(s, frame, "malformed handshake response")
		return false
	}
	switch s.authSess.Authenticate(s) {
	case auth.OK:
		s.creds = s.authSess.Credentials()
		ok := mysql.BuildOKPacket(mysql.PacketSeq(frame)+1, 0, 0, mysql.ServerStatusAutocommit, 0)
		if _, err := s.sock.Write(ok); err != nil {
			return false
		}
		log.V(1).Infof("Session %v authenticated as %v from %v", s.id, s.creds.User, s.sock.RemoteAddr())
		return true
	case auth.Incomplete, auth.SSLIncomplete:
		// Multi-round plug-ins are dispatched by their own protocol
		// module; the native plug-in never gets here.
		l.refuse(s, frame, "authentication plugin requires more rounds")
		return false
	default:
		l.refuse(s, frame, "access denied")
		return false
	}
}

func (l *Listener) refuse(s *Session, frame []byte, why string) {
	log.V(1).Infof("Refusing client %v: %v", s.sock.RemoteAddr(), why)
	user := ""
	if resp, err := mysql.ParseHandshakeResponse(frame); err == nil {
		user = resp.User
	}
	errPkt := mysql.BuildErrPacket(mysql.PacketSeq(frame)+1,
		mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
		"Access denied for user '%v'@'%v'", user, s.sock.RemoteAddr())
	if _, err := s.sock.Write(errPkt); err != nil {
		log.V(2).Infof("Cannot deliver refusal: %v", err)
	}
}
