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

// Package session owns one client connection: its authenticated
// identity, the routing module instance serving it, and the
// backpressure between backend replies and the client socket. The
// session's lifetime bounds the lifetime of every backend connection
// it borrowed.
package session

import (
	"net"

	"github.com/google/uuid"

	"github.com/linsenhu/maxgate/go/gate/auth"
	"github.com/linsenhu/maxgate/go/gate/backend"
	"github.com/linsenhu/maxgate/go/gate/buffer"
	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/router"
	"github.com/linsenhu/maxgate/go/gate/worker"
	"github.com/linsenhu/maxgate/go/mysql"
)

// Session is one authenticated client connection.
type Session struct {
	id   string
	wrk  *worker.Worker
	sock net.Conn

	caps     router.Capability
	creds    *auth.Credentials
	authSess auth.Session
	salt     []byte

	routerSession router.SessionRouter

	// Client-side command tracking, consulted by backends of routers
	// that stream instead of declaring statement input.
	currentCommand byte
	largeQuery     bool
	loadActive     bool

	flow    *flow
	writeq  chan []byte
	done    chan struct{}
	started bool
	closed  bool
}

// newSession wires up the struct; authentication and router attachment
// happen in the listener.
func newSession(sock net.Conn, wrk *worker.Worker, marks Watermarks) *Session {
	s := &Session{
		id:     uuid.New().String(),
		wrk:    wrk,
		sock:   sock,
		flow:   newFlow(marks),
		writeq: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// writeLoop drains the client write queue off-worker so a slow client
// never stalls the worker.
func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.writeq:
			_, err := s.sock.Write(data)
			s.flow.done(len(data))
			if err != nil {
				log.V(1).Infof("Client write failed on session %v: %v", s.id, err)
				s.Hangup()
				return
			}
		case <-s.done:
			return
		}
	}
}

// ID is part of the router.Session interface.
func (s *Session) ID() string {
	return s.id
}

// Worker returns the worker this session and its backends are pinned
// to.
func (s *Session) Worker() *worker.Worker {
	return s.wrk
}

// User is part of the router.Session and backend.Handler interfaces.
func (s *Session) User() string {
	if s.creds == nil {
		return ""
	}
	return s.creds.User
}

// Database is part of the router.Session and backend.Handler
// interfaces.
func (s *Session) Database() string {
	if s.creds == nil {
		return ""
	}
	return s.creds.Database
}

// Charset is part of the backend.Handler interface.
func (s *Session) Charset() uint8 {
	if s.creds == nil || s.creds.Charset == 0 {
		return mysql.CharacterSetUtf8
	}
	return s.creds.Charset
}

// Stage1 is part of the backend.Handler interface.
func (s *Session) Stage1() []byte {
	if s.creds == nil {
		return nil
	}
	return s.creds.Stage1
}

// ClientAddr is part of the backend.Handler interface.
func (s *Session) ClientAddr() net.Addr {
	return s.sock.RemoteAddr()
}

// Capabilities is part of the backend.Handler interface.
func (s *Session) Capabilities() router.Capability {
	return s.caps
}

// CurrentCommand is part of the backend.Handler interface.
func (s *Session) CurrentCommand() byte {
	return s.currentCommand
}

// LoadActive is part of the backend.Handler interface.
func (s *Session) LoadActive() bool {
	return s.loadActive
}

// SetLoadActive is called by the client protocol when a LOAD DATA
// LOCAL interleave starts or ends.
func (s *Session) SetLoadActive(active bool) {
	s.loadActive = active
}

// Reply is part of the router.Session interface: it ships bytes to the
// client socket, with watermark accounting.
func (s *Session) Reply(buf *buffer.Buffer) error {
	if s.closed {
		return mysql.NewSQLError(mysql.CRServerGone, mysql.SSUnknownSQLState, "session is closed")
	}
	s.flow.add(buf.Len())
	select {
	case s.writeq <- buf.Data:
		return nil
	case <-s.done:
		s.flow.done(buf.Len())
		return mysql.NewSQLError(mysql.CRServerGone, mysql.SSUnknownSQLState, "session is closed")
	}
}

// ClientReply is part of the backend.Handler interface: classified
// backend bytes come here and are handed to the routing module.
func (s *Session) ClientReply(buf *buffer.Buffer, from *backend.Conn) {
	if !s.okToRoute() {
		return
	}
	s.routerSession.ClientReply(buf, from)
}

// okToRoute mirrors the checks a reply must pass before it may travel
// toward the client.
func (s *Session) okToRoute() bool {
	if s.closed || !s.started {
		return false
	}
	return s.routerSession != nil || s.caps.Has(router.NoRSession)
}

// HandleError is part of the backend.Handler interface.
func (s *Session) HandleError(errPkt *buffer.Buffer, from *backend.Conn, action router.ErrorAction) bool {
	if s.closed || s.routerSession == nil {
		return false
	}
	if s.routerSession.HandleError(errPkt, from, action) {
		return true
	}
	// The router cannot continue: the client still gets a terminating
	// packet, then the session goes away.
	if err := s.Reply(errPkt); err != nil {
		log.V(1).Infof("Cannot deliver final error to client: %v", err)
	}
	s.Hangup()
	return false
}

// TrackState is part of the backend.Handler interface. The deltas are
// remembered so a future backend can be primed with the session's
// state.
func (s *Session) TrackState(state *mysql.SessionState) {
	if state.Schema != "" && s.creds != nil {
		s.creds.Database = state.Schema
	}
	for name, value := range state.SystemVariables {
		log.V(2).Infof("Session %v tracked variable %v=%v", s.id, name, value)
	}
}

// Hangup is part of the router.Session interface: a synthetic hang-up
// that cascades to every backend the session borrowed.
func (s *Session) Hangup() {
	s.wrk.Execute(s.close)
}

// close runs on the worker.
func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.routerSession != nil {
		// The router releases or parks its backend connections.
		s.routerSession.Close()
	}
	s.flow.close()
	close(s.done)
	s.sock.Close()
	log.V(1).Infof("Session %v closed", s.id)
}

// onClientFrame handles one complete frame from the client, on the
// worker.
func (s *Session) onClientFrame(frame []byte) {
	if s.closed {
		return
	}

	// Client-side command tracking, the mirror of the backend's.
	if !s.largeQuery && !s.loadActive {
		s.currentCommand = mysql.PacketCommand(frame)
	}
	s.largeQuery = mysql.PayloadLen(frame) == mysql.MaxPacketSize

	if s.currentCommand == mysql.ComQuit && !s.largeQuery {
		s.Hangup()
		return
	}
	if mysql.IsChangeUser(frame) {
		if !s.reauthenticate(frame) {
			return
		}
	}

	if err := s.routerSession.RouteQuery(buffer.New(frame)); err != nil {
		log.Errorf("Routing failed on session %v: %v", s.id, err)
		errPkt := buffer.New(mysql.BuildErrPacketFromError(1, err))
		if rerr := s.Reply(errPkt); rerr != nil {
			log.V(1).Infof("Cannot deliver routing error to client: %v", rerr)
		}
		s.Hangup()
	}
}

// reauthenticate validates a client COM_CHANGE_USER against the
// credential tables before the frame travels to any backend. Returns
// false when the exchange ends here.
func (s *Session) reauthenticate(frame []byte) bool {
	cu, err := mysql.ParseChangeUser(frame)
	if err != nil {
		log.Errorf("Malformed COM_CHANGE_USER on session %v: %v", s.id, err)
		s.Hangup()
		return false
	}
	creds, err := s.authSess.Reauthenticate(s, cu.User, cu.Database, cu.Proof)
	if err != nil {
		// Make it look like a legit backend reply.
		if rerr := s.Reply(buffer.New(mysql.BuildErrPacketFromError(1, err))); rerr != nil {
			log.V(1).Infof("Cannot deliver auth error to client: %v", rerr)
		}
		return false
	}
	if cu.Charset != 0 {
		creds.Charset = uint8(cu.Charset)
	}
	s.creds = creds
	return true
}

// Salt is part of the auth.Conn interface: the scramble this session's
// client handshake used.
func (s *Session) Salt() []byte {
	return s.salt
}

// RemoteAddr is part of the auth.Conn interface.
func (s *Session) RemoteAddr() net.Addr {
	return s.sock.RemoteAddr()
}
