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

package backend

import (
	"github.com/linsenhu/maxgate/go/gate/buffer"
	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/router"
	"github.com/linsenhu/maxgate/go/mysql"
)

// onHangup handles a socket error or a synthetic hang-up. In-flight
// writes are discarded and the router is asked for a new connection.
func (c *Conn) onHangup(cause error) {
	if c.closed {
		return
	}
	if c.handler == nil {
		// Parked in the pool: nothing to notify, just die quietly. The
		// pool drops closed entries on the next acquire.
		log.V(1).Infof("Pooled connection to %v hung up", c.srv.Name)
		c.Close()
		return
	}
	wasComplete := c.state == StateComplete
	c.state = StateFailed
	if wasComplete {
		c.handleError(router.ErrorActionNewConnection, mysql.NewLostConnectionError(cause))
	} else {
		c.replyOnError(cause)
	}
	c.Close()
}

// replyOnError reports an authentication-phase failure. The session
// cannot continue without this backend's handshake, so the action is
// to reply to the client.
func (c *Conn) replyOnError(cause error) {
	log.Errorf("Authentication with backend %v failed: %v. Session will be closed.", c.srv.Name, cause)
	c.handleError(router.ErrorActionReplyClient,
		mysql.NewSQLError(mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
			"Authentication with backend failed. Session will be closed."))
}

// handleError builds the protocol-formatted ERR the router interface
// wants and dispatches it. Sequence 1 makes the packet a legal first
// reply on the client side.
func (c *Conn) handleError(action router.ErrorAction, cause error) {
	if c.handler == nil || c.errHandled {
		return
	}
	c.errHandled = true
	errPkt := buffer.New(mysql.BuildErrPacketFromError(1, cause))
	if !c.handler.HandleError(errPkt, c, action) {
		// The router is out of backends; the session has been told to
		// tear itself down.
		log.V(1).Infof("Router cannot recover from failure of %v", c.srv.Name)
	}
}

// handleErrorResponse inspects a backend ERR for side effects: a
// blocked host puts the server in maintenance, an access-denied family
// error triggers a credential reload.
func (c *Conn) handleErrorResponse(frame []byte) {
	err := mysql.ParseErrorPacket(frame)
	se, ok := err.(*mysql.SQLError)
	if !ok {
		return
	}
	log.Errorf("Invalid authentication message from backend '%v'. Error code: %d, Msg: %v",
		c.srv.Name, se.Num, se.Message)

	switch se.Num {
	case mysql.ERHostIsBlocked:
		if c.env != nil && c.env.Monitor != nil {
			c.env.Monitor.BlockedHost(c.srv)
		}
	case mysql.ERAccessDeniedError,
		mysql.ERDbAccessDeniedError,
		mysql.ERAccessDeniedNoPasswordError:
		if c.env != nil && c.env.Users != nil {
			// The reload queries a backend; keep it off this worker.
			go func() {
				if _, err := c.env.Users.Refresh(); err != nil {
					log.Errorf("Credential reload failed: %v", err)
				}
			}()
		}
	}
}
