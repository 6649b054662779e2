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

package auth

import (
	"net"

	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/users"
	"github.com/linsenhu/maxgate/go/mysql"
)

// Native implements mysql_native_password against the replicated
// credential tables.
type Native struct {
	Store *users.Store
}

// NewNative creates the authenticator.
func NewNative(store *users.Store) *Native {
	return &Native{Store: store}
}

// Name is part of the Authenticator interface.
func (n *Native) Name() string {
	return DefaultPlugin
}

// NewSession is part of the Authenticator interface.
func (n *Native) NewSession() Session {
	return &nativeSession{store: n.Store}
}

type nativeSession struct {
	store *users.Store

	pending *mysql.HandshakeResponse
	creds   *Credentials
}

// Extract is part of the Session interface.
func (s *nativeSession) Extract(c Conn, frame []byte) bool {
	resp, err := mysql.ParseHandshakeResponse(frame)
	if err != nil {
		log.V(1).Infof("Cannot parse handshake response from %v: %v", c.RemoteAddr(), err)
		return false
	}
	s.pending = resp
	return true
}

// Authenticate is part of the Session interface.
func (s *nativeSession) Authenticate(c Conn) Result {
	if s.pending == nil {
		return Failed
	}
	resp := s.pending

	entry, match := s.lookup(c, resp.User, resp.Database)
	if match != users.MatchOK {
		return Failed
	}
	if !mysql.VerifyProof(c.Salt(), entry.Stage2, resp.AuthResponse) {
		log.V(1).Infof("Wrong password for %v from %v", resp.User, c.RemoteAddr())
		return Failed
	}

	creds := &Credentials{
		User:     resp.User,
		Database: resp.Database,
		Charset:  resp.Charset,
		Stage2:   entry.Stage2,
	}
	if len(resp.AuthResponse) > 0 {
		stage1, ok := mysql.RecoverStage1(c.Salt(), entry.Stage2, resp.AuthResponse)
		if !ok {
			return Failed
		}
		creds.Stage1 = stage1
	}
	s.creds = creds
	return OK
}

// Credentials is part of the Session interface.
func (s *nativeSession) Credentials() *Credentials {
	return s.creds
}

// Reauthenticate is part of the Session interface.
func (s *nativeSession) Reauthenticate(c Conn, user, database string, proof []byte) (*Credentials, error) {
	entry, match := s.lookup(c, user, database)
	if match != users.MatchOK {
		return nil, mysql.NewSQLError(mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
			"Access denied for user '%v'", user)
	}
	if !mysql.VerifyProof(c.Salt(), entry.Stage2, proof) {
		return nil, mysql.NewSQLError(mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
			"Access denied for user '%v' (using password: %v)", user, yesNo(len(proof) > 0))
	}
	creds := &Credentials{
		User:     user,
		Database: database,
		Stage2:   entry.Stage2,
	}
	if len(proof) > 0 {
		stage1, ok := mysql.RecoverStage1(c.Salt(), entry.Stage2, proof)
		if !ok {
			return nil, mysql.NewSQLError(mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
				"Access denied for user '%v'", user)
		}
		creds.Stage1 = stage1
	}
	return creds, nil
}

func (s *nativeSession) lookup(c Conn, user, database string) (users.Entry, users.MatchResult) {
	var ip net.IP
	switch addr := c.RemoteAddr().(type) {
	case *net.TCPAddr:
		ip = addr.IP
	case *net.UnixAddr:
		// Local connections authenticate as if from localhost.
		ip = net.IPv4(127, 0, 0, 1)
	}
	entry, match := s.store.Snapshot().Match(user, ip, database)
	if match != users.MatchOK {
		log.V(1).Infof("No grant for %v@%v on %q (%v)", user, c.RemoteAddr(), database, match)
	}
	return entry, match
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}
