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

// Write accepts client traffic for this backend. Depending on the
// connection's state the bytes go out directly, wait on the delay
// queue, or are stored behind an in-flight COM_CHANGE_USER.
func (c *Conn) Write(buf *buffer.Buffer) error {
	if c.wasPersistent {
		return c.writeFirstAfterResurrect(buf)
	}

	if c.ignoreReplies > 0 {
		if mysql.IsComQuit(buf.Data) {
			// The session is closing while the COM_CHANGE_USER is in
			// progress. The connection cannot be reused half
			// re-identified.
			log.V(1).Info("COM_QUIT received while COM_CHANGE_USER is in progress, closing pooled connection")
			c.onHangup(nil)
			return nil
		}
		// Still waiting on the ignorable reply: append behind the
		// stored query. This happens when the client streams BLOB data
		// or pipelines several packets.
		log.V(1).Info("COM_CHANGE_USER in progress, appending query to queue")
		if c.storedQuery == nil {
			c.storedQuery = buf
		} else {
			c.storedQuery.Append(buf.Data)
			c.storedQuery.Tags |= buf.Tags
		}
		return nil
	}

	switch {
	case c.state.terminal():
		log.Errorf("Unable to write to backend '%v' due to %v failure.",
			c.srv.Name, failureKind(c.state))
		return mysql.NewSQLError(mysql.CRServerGone, mysql.SSUnknownSQLState,
			"backend %v is not available", c.srv.Name)

	case c.state == StateComplete:
		if mysql.IsChangeUser(buf.Data) {
			// The client's COM_CHANGE_USER carries a proof computed
			// against the proxy's scramble; recreate it against this
			// backend's own.
			buf = buffer.NewTagged(
				mysql.EncodeChangeUser(c.handler.User(), c.handler.Database(),
					uint16(c.handler.Charset()), c.handler.Stage1(), c.salt),
				buf.Tags|buffer.CollectResult)
			c.changingUser = true
		}
		c.prepareForWrite(buf)
		if mysql.IsComQuit(buf.Data) && c.srv.PersistentConns {
			// Keep pooled connections alive; the COM_QUIT is dropped
			// and the socket is released to the pool on close.
			return nil
		}
		if buf.Has(buffer.Ignorable) {
			c.ignoreReplies++
		}
		return c.send(buf.Data)

	default:
		if mysql.IsComQuit(buf.Data) {
			// Quitting before authentication even finished: dropped,
			// the socket is released on close.
			return nil
		}
		// Authentication still in progress: park the write, flushed on
		// entry to StateComplete.
		log.V(1).Infof("Delayed write to %v in state %v", c.srv.Name, c.state)
		c.delayq = append(c.delayq, buf)
		return nil
	}
}

// writeFirstAfterResurrect turns the first write on a pooled
// connection into a COM_CHANGE_USER exchange carrying the new
// session's identity; buf waits as the stored query until the OK
// arrives.
func (c *Conn) writeFirstAfterResurrect(buf *buffer.Buffer) error {
	c.wasPersistent = false
	c.ignoreReplies = 0
	c.storedQuery = nil

	if c.state != StateComplete {
		log.Infof("Connection state does not qualify for pooling: %v", c.state)
		return mysql.NewSQLError(mysql.CRServerGone, mysql.SSUnknownSQLState,
			"pooled connection to %v is not usable", c.srv.Name)
	}

	if mysql.IsComQuit(buf.Data) {
		// The session closed before its first statement. The COM_QUIT
		// is ignored and the connection goes back to the pool on
		// close.
		log.V(1).Info("COM_QUIT received as the first write, ignoring and returning the connection to the pool")
		return nil
	}

	cu := buffer.NewTagged(
		mysql.EncodeChangeUser(c.handler.User(), c.handler.Database(),
			uint16(c.handler.Charset()), c.handler.Stage1(), c.salt),
		buffer.CollectResult)
	c.prepareForWrite(cu)
	if err := c.send(cu.Data); err != nil {
		return err
	}
	log.V(1).Infof("Sent COM_CHANGE_USER to %v for %v", c.srv.Name, c.handler.User())
	c.ignoreReplies++
	c.changingUser = true
	c.storedQuery = buf
	return nil
}

// prepareForWrite is the outbound half of the command tracker: it
// records which command goes out, arms the large-query continuation
// rule, and latches the buffer's collection flags.
func (c *Conn) prepareForWrite(buf *buffer.Buffer) {
	if c.handler != nil {
		if c.handler.Capabilities().Has(router.StmtInput) {
			// One statement per buffer: the command byte is
			// authoritative, except while a large query or a LOAD DATA
			// interleave makes the payload a continuation.
			if !c.largeQuery && !c.handler.LoadActive() {
				c.currentCommand = mysql.PacketCommand(buf.Data)
			}
			c.largeQuery = mysql.PayloadLen(buf.Data) == mysql.MaxPacketSize
		} else {
			// Streaming routers: trust the client protocol's tracking.
			c.currentCommand = c.handler.CurrentCommand()
		}
	}

	if buf.Has(buffer.CollectResult) {
		c.collectResult = true
	}
	c.trackState = buf.Has(buffer.TrackState)
}

// flushDelayQueue writes the parked client traffic after entry to
// StateComplete.
func (c *Conn) flushDelayQueue() {
	queue := c.delayq
	c.delayq = nil
	for _, buf := range queue {
		if mysql.IsChangeUser(buf.Data) {
			// Recreate the COM_CHANGE_USER with the scramble this
			// backend actually sent us.
			buf = buffer.NewTagged(
				mysql.EncodeChangeUser(c.handler.User(), c.handler.Database(),
					uint16(c.handler.Charset()), c.handler.Stage1(), c.salt),
				buf.Tags|buffer.CollectResult)
		}
		if err := c.Write(buf); err != nil {
			c.handleError(router.ErrorActionNewConnection,
				mysql.NewLostConnectionError(err))
			return
		}
	}
}

// send puts frames on the wire.
func (c *Conn) send(data []byte) error {
	if c.sock == nil {
		return mysql.NewSQLError(mysql.CRServerGone, mysql.SSUnknownSQLState,
			"connection to %v is closed", c.srv.Name)
	}
	_, err := c.sock.Write(data)
	return err
}

func failureKind(s AuthState) string {
	if s == StateHandshakeFailed {
		return "handshake"
	}
	return "authentication"
}
