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

// onFrame receives one complete frame from the reader goroutine,
// already on the owner worker.
func (c *Conn) onFrame(frame []byte) {
	if c.closed {
		return
	}
	if c.handler == nil {
		// A parked connection got data: the backend is closing it or
		// misbehaving either way it cannot stay in the pool.
		c.onHangup(nil)
		return
	}

	switch c.state {
	case StateConnected:
		c.onHandshake(frame)
	case StateResponseSent:
		c.onAuthReply(frame)
	case StateComplete:
		c.onReply(frame)
	default:
		log.Errorf("Discarding frame from %v in state %v", c.srv.Name, c.state)
	}
}

// onHandshake parses the server greeting and answers it.
func (c *Conn) onHandshake(frame []byte) {
	if mysql.IsErrPacket(frame) {
		c.state = StateFailed
		c.handleErrorResponse(frame)
		c.replyOnError(mysql.ParseErrorPacket(frame))
		return
	}

	hs, err := mysql.ParseHandshake(frame)
	if err != nil {
		log.Errorf("Invalid handshake from backend '%v': %v (raw: %x)", c.srv.Name, err, frame)
		c.state = StateHandshakeFailed
		c.replyOnError(err)
		return
	}
	c.salt = hs.Salt
	c.capabilities = hs.Capabilities
	c.charset = hs.Charset

	proof := mysql.ScrambleFromStage1(c.salt, c.handler.Stage1())
	resp := mysql.BuildHandshakeResponse(
		c.responseCapabilities(), c.handler.Charset(),
		c.handler.User(), proof, c.handler.Database())
	if err := c.send(resp); err != nil {
		c.state = StateFailed
		c.replyOnError(err)
		return
	}
	c.state = StateResponseSent
}

// responseCapabilities is what we announce to the backend: the 4.1
// protocol with plugin auth, intersected with what the server offers
// for the optional bits.
func (c *Conn) responseCapabilities() uint32 {
	caps := uint32(mysql.CapabilityClientLongPassword |
		mysql.CapabilityClientLongFlag |
		mysql.CapabilityClientProtocol41 |
		mysql.CapabilityClientTransactions |
		mysql.CapabilityClientSecureConnection |
		mysql.CapabilityClientPluginAuth)
	caps |= c.capabilities & (mysql.CapabilityClientMultiStatements |
		mysql.CapabilityClientMultiResults)
	if c.handler.Capabilities().Has(router.SessionStateTracking) {
		caps |= c.capabilities & mysql.CapabilityClientSessionTrack
	}
	return caps
}

// onAuthReply handles the first packet after our authentication
// response: OK, ERR, or an auth switch request.
func (c *Conn) onAuthReply(frame []byte) {
	switch {
	case mysql.IsOKPacket(frame):
		c.state = StateComplete
		c.authUser = c.handler.User()
		if len(c.delayq) > 0 {
			c.flushDelayQueue()
		}

	case mysql.IsErrPacket(frame):
		c.state = StateFailed
		c.handleErrorResponse(frame)
		c.replyOnError(mysql.ParseErrorPacket(frame))

	case mysql.IsAuthSwitchRequest(frame):
		// The server wants another round with a new scramble. Answer
		// and stay in RESPONSE_SENT.
		if err := c.answerAuthSwitch(frame); err != nil {
			c.state = StateFailed
			c.replyOnError(err)
		}

	default:
		log.Errorf("Invalid authentication message from backend '%v' (raw: %x)", c.srv.Name, frame)
		c.state = StateFailed
		c.replyOnError(mysql.NewSQLError(mysql.CRServerHandshakeErr, mysql.SSHandshakeError,
			"unexpected authentication reply from %v", c.srv.Name))
	}
}

// answerAuthSwitch replies to an auth switch request targeting the
// default plugin. Any other target is an error.
func (c *Conn) answerAuthSwitch(frame []byte) error {
	plugin, salt, err := mysql.ParseAuthSwitchRequest(frame)
	if err != nil {
		return err
	}
	if plugin != mysql.MysqlNativePassword {
		log.Errorf("Received AuthSwitchRequest to '%v' when '%v' was expected",
			plugin, mysql.MysqlNativePassword)
		return mysql.NewSQLError(mysql.CRServerHandshakeErr, mysql.SSHandshakeError,
			"backend requested unsupported auth plugin %q", plugin)
	}
	// The new scramble replaces the handshake one for this exchange
	// only; the pool keeps the original for re-identification.
	proof := mysql.ScrambleFromStage1(salt, c.handler.Stage1())
	return c.send(mysql.BuildAuthSwitchResponse(mysql.PacketSeq(frame)+1, proof))
}

// onReply is the inbound half of the command tracker. Every reply is
// classified exactly once: ignored, collected, or streamed.
func (c *Conn) onReply(frame []byte) {
	caps := c.handler.Capabilities()

	// Session-state tracking reads. The OK sent for COM_STMT_PREPARE
	// has a different layout, so it is skipped.
	if caps.Has(router.SessionStateTracking) && c.trackState &&
		c.currentCommand != mysql.ComStmtPrepare {
		if state, err := mysql.ParseSessionState(frame); err == nil && state != nil {
			c.handler.TrackState(state)
		}
	}

	if c.changingUser {
		if mysql.IsAuthSwitchRequest(frame) {
			// The server always switches to the same plugin to
			// generate a fresh scramble for the re-authentication.
			if err := c.answerAuthSwitchChangeUser(frame); err == nil {
				return
			}
			// Unsupported switch target: fatal for this connection.
			c.storedQuery = nil
			c.onHangup(nil)
			return
		}
		// The final response to a COM_CHANGE_USER is rewritten to
		// sequence 3 to match what a connector expects after the
		// method-switch round trip.
		frame[3] = 0x03
		c.changingUser = false
		if mysql.IsOKPacket(frame) {
			c.authUser = c.handler.User()
		}
	}

	if c.ignoreReplies > 0 {
		c.onIgnoredReply(frame)
		return
	}

	if c.collecting(caps) {
		c.onCollectedReply(frame, caps)
		return
	}

	// Streaming mode: forward each complete frame as soon as it is
	// framed.
	c.handler.ClientReply(buffer.New(frame), c)
}

func (c *Conn) collecting(caps router.Capability) bool {
	return caps.Has(router.ResultsetOutput) || c.collectResult
}

// onIgnoredReply consumes the response to an ignorable command,
// typically a COM_CHANGE_USER issued by the pool.
func (c *Conn) onIgnoredReply(frame []byte) {
	switch {
	case mysql.IsOKPacket(frame):
		query := c.storedQuery
		c.storedQuery = nil
		c.ignoreReplies--
		c.collectResult = false
		c.collectq = nil
		if query != nil {
			log.V(1).Info("Response to COM_CHANGE_USER is OK, writing stored query")
			// The change-user exchange consumed sequences 0 through 2;
			// the deferred command continues at 3.
			query.Data[3] = 0x03
			if err := c.Write(query); err != nil {
				c.handleError(router.ErrorActionNewConnection, mysql.NewLostConnectionError(err))
			}
		}

	case mysql.IsAuthSwitchRequest(frame):
		if err := c.answerAuthSwitchChangeUser(frame); err != nil {
			c.storedQuery = nil
			c.onHangup(nil)
		}

	case mysql.IsErrPacket(frame):
		// The ignorable command failed with a queued client query
		// behind it: the connection is beyond salvage.
		c.handleErrorResponse(frame)
		c.storedQuery = nil
		c.ignoreReplies--
		c.onHangup(nil)

	default:
		log.Errorf("Unknown response to ignorable command (0x%02x), closing connection",
			mysql.PacketCommand(frame))
		c.storedQuery = nil
		c.onHangup(nil)
	}
}

// answerAuthSwitchChangeUser answers the re-challenge the server sends
// during a COM_CHANGE_USER. The reply to our answer is one more
// response to ignore.
func (c *Conn) answerAuthSwitchChangeUser(frame []byte) error {
	plugin, salt, err := mysql.ParseAuthSwitchRequest(frame)
	if err != nil {
		return err
	}
	if plugin != mysql.MysqlNativePassword {
		log.Errorf("Received AuthSwitchRequest to '%v' when '%v' was expected",
			plugin, mysql.MysqlNativePassword)
		return mysql.NewSQLError(mysql.CRServerHandshakeErr, mysql.SSHandshakeError,
			"backend requested unsupported auth plugin %q", plugin)
	}
	proof := mysql.ScrambleFromStage1(salt, c.handler.Stage1())
	if err := c.send(mysql.BuildAuthSwitchResponse(mysql.PacketSeq(frame)+1, proof)); err != nil {
		return err
	}
	if c.ignoreReplies > 0 {
		// One extra round trip to ignore.
		c.ignoreReplies++
	}
	return nil
}

// onCollectedReply accumulates frames until the response is complete,
// then emits one contiguous buffer tagged Result.
func (c *Conn) onCollectedReply(frame []byte, caps router.Capability) {
	c.collectq = append(c.collectq, frame...)

	switch {
	case c.expectingTextResult():
		if mysql.IsResultSet(c.collectq) {
			count, more := mysql.CountSignalPackets(c.collectq)
			if more || count == 0 || count%2 != 0 {
				// Not terminated yet.
				return
			}
		} else if mysql.PayloadLen(c.collectq) == mysql.MaxPacketSize {
			// A huge single-packet response continues.
			return
		}

	case c.expectingPreparedResponse():
		if !mysql.IsErrPacket(c.collectq) && !mysql.CompletePreparedResponse(c.collectq) {
			return
		}

	default:
		// Any other command: the first complete response wins.
	}

	result := buffer.NewTagged(c.collectq, buffer.Result)
	c.collectq = nil
	c.collectResult = false
	c.handler.ClientReply(result, c)
}

// expectingTextResult returns true for commands that produce a text
// result set. COM_STMT_FETCH is included even though cursors can
// produce partial results; cursor state is not inspected.
func (c *Conn) expectingTextResult() bool {
	return c.currentCommand == mysql.ComQuery ||
		c.currentCommand == mysql.ComStmtExecute ||
		c.currentCommand == mysql.ComStmtFetch
}

func (c *Conn) expectingPreparedResponse() bool {
	return c.currentCommand == mysql.ComStmtPrepare
}
