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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linsenhu/maxgate/go/gate/buffer"
	"github.com/linsenhu/maxgate/go/gate/monitor"
	"github.com/linsenhu/maxgate/go/gate/router"
	"github.com/linsenhu/maxgate/go/gate/worker"
	"github.com/linsenhu/maxgate/go/mysql"
)

func TestDelayQueueFlushedOnComplete(t *testing.T) {
	// Writes before COMPLETE are parked and flushed in order when the
	// OK for our auth response arrives.
	c, _, rec := newTestConn(router.StmtInput | router.StmtOutput)
	c.state = StateResponseSent

	q1 := mysql.BuildComQuery("SELECT 1")
	q2 := mysql.BuildComQuery("SELECT 2")
	require.NoError(t, c.Write(buffer.New(q1)))
	require.NoError(t, c.Write(buffer.New(q2)))
	assert.Empty(t, rec.Bytes())
	assert.Len(t, c.delayq, 2)

	c.onAuthReply(mysql.BuildOKPacket(2, 0, 0, 0, 0))
	assert.Equal(t, StateComplete, c.state)
	assert.Empty(t, c.delayq)
	assert.Equal(t, append(append([]byte(nil), q1...), q2...), rec.Bytes())
	assert.Equal(t, "bob", c.AuthUser())
}

func TestComQuitDroppedBeforeComplete(t *testing.T) {
	c, _, rec := newTestConn(router.StmtInput | router.StmtOutput)
	c.state = StateResponseSent

	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuit())))
	assert.Empty(t, c.delayq)

	c.onAuthReply(mysql.BuildOKPacket(2, 0, 0, 0, 0))
	assert.Empty(t, rec.Bytes())
}

func TestComQuitDroppedWhenPersistent(t *testing.T) {
	c, _, rec := newTestConn(router.StmtInput | router.StmtOutput)
	c.srv.PersistentConns = true

	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuit())))
	assert.Empty(t, rec.Bytes())
	assert.True(t, c.Established())
}

func TestAuthErrFails(t *testing.T) {
	c, h, _ := newTestConn(router.StmtInput | router.StmtOutput)
	c.state = StateResponseSent

	c.onAuthReply(mysql.BuildErrPacket(2, mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
		"Access denied for user 'bob'"))
	assert.Equal(t, StateFailed, c.state)
	require.Len(t, h.errs, 1)
	assert.Equal(t, router.ErrorActionReplyClient, h.errs[0].action)
	require.True(t, mysql.IsErrPacket(h.errs[0].pkt.Data))
	assert.EqualValues(t, 1, mysql.PacketSeq(h.errs[0].pkt.Data))
}

func TestAuthSwitchAnswered(t *testing.T) {
	// An auth switch to mysql_native_password is answered with a proof
	// against the new scramble; the state stays RESPONSE_SENT.
	c, _, rec := newTestConn(router.StmtInput | router.StmtOutput)
	c.state = StateResponseSent

	newSalt := make([]byte, mysql.ScrambleLen)
	for i := range newSalt {
		newSalt[i] = byte(0x40 + i)
	}
	var payload []byte
	payload = append(payload, mysql.AuthSwitchRequestPacket)
	payload = append(payload, mysql.MysqlNativePassword...)
	payload = append(payload, 0)
	payload = append(payload, newSalt...)
	payload = append(payload, 0)

	c.onAuthReply(frame(2, payload))
	assert.Equal(t, StateResponseSent, c.state)

	want := mysql.BuildAuthSwitchResponse(3, mysql.ScrambleFromStage1(newSalt, c.handler.Stage1()))
	assert.Equal(t, want, rec.Bytes())

	c.onAuthReply(mysql.BuildOKPacket(4, 0, 0, 0, 0))
	assert.Equal(t, StateComplete, c.state)
}

func TestResurrectSendsChangeUser(t *testing.T) {
	// Scenario E: a pooled connection authenticated as alice is handed
	// to bob's session. The first write turns into COM_CHANGE_USER;
	// the query waits; on OK it goes out with sequence 3.
	c, _, rec := newTestConn(router.StmtInput | router.StmtOutput)
	c.Park()
	c.authUser = "alice"
	h := &testHandler{
		caps:    router.StmtInput | router.StmtOutput,
		user:    "bob",
		db:      "testdb",
		stage1:  c.salt[:20], // any 20 bytes work as a fake stage1
		charset: 0x21,
	}
	c.Resurrect(h)
	require.True(t, c.wasPersistent)

	query := mysql.BuildComQuery("SELECT 2")
	require.NoError(t, c.Write(buffer.New(query)))

	wantCU := mysql.EncodeChangeUser("bob", "testdb", 0x21, h.stage1, c.salt)
	assert.Equal(t, wantCU, rec.Bytes())
	assert.Equal(t, 1, c.ignoreReplies)
	assert.True(t, c.changingUser)
	require.NotNil(t, c.storedQuery)
	assert.False(t, c.wasPersistent)

	// Further writes queue behind the stored query.
	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuery("SELECT 3"))))
	assert.Equal(t, 1, c.ignoreReplies)

	rec.Reset()
	c.onReply(mysql.BuildOKPacket(1, 0, 0, 0, 0))
	assert.Equal(t, 0, c.ignoreReplies)
	assert.False(t, c.changingUser)
	assert.Nil(t, c.storedQuery)
	assert.Equal(t, "bob", c.AuthUser())

	// Property 7: the deferred traffic continues at sequence 3.
	sent := rec.Bytes()
	require.NotEmpty(t, sent)
	assert.EqualValues(t, 0x03, mysql.PacketSeq(sent))
	assert.Equal(t, query[mysql.HeaderLen:], sent[mysql.HeaderLen:mysql.HeaderLen+mysql.PayloadLen(query)])
}

func TestResurrectAuthSwitchRoundTrip(t *testing.T) {
	// The backend may answer the COM_CHANGE_USER with an auth switch
	// to the default plugin; that costs one extra ignored round trip.
	c, _, rec := newTestConn(router.StmtInput | router.StmtOutput)
	c.Park()
	h := &testHandler{caps: router.StmtInput | router.StmtOutput, user: "bob", stage1: c.salt[:20], charset: 0x21}
	c.Resurrect(h)

	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuery("SELECT 2"))))
	assert.Equal(t, 1, c.ignoreReplies)

	newSalt := make([]byte, mysql.ScrambleLen)
	for i := range newSalt {
		newSalt[i] = byte(0x60 + i)
	}
	var payload []byte
	payload = append(payload, mysql.AuthSwitchRequestPacket)
	payload = append(payload, mysql.MysqlNativePassword...)
	payload = append(payload, 0)
	payload = append(payload, newSalt...)
	payload = append(payload, 0)

	rec.Reset()
	c.onReply(frame(1, payload))
	assert.Equal(t, 2, c.ignoreReplies)
	assert.NotNil(t, c.storedQuery)
	want := mysql.BuildAuthSwitchResponse(2, mysql.ScrambleFromStage1(newSalt, h.stage1))
	assert.Equal(t, want, rec.Bytes())

	// The OK for the switch response completes the exchange.
	c.onReply(mysql.BuildOKPacket(3, 0, 0, 0, 0))
	assert.Equal(t, 1, c.ignoreReplies)
	c.onReply(mysql.BuildOKPacket(1, 0, 0, 0, 0))
	assert.Equal(t, 0, c.ignoreReplies)
	assert.Nil(t, c.storedQuery)
}

func TestResurrectUnknownAuthSwitchIsFatal(t *testing.T) {
	c, _, _ := newTestConn(router.StmtInput | router.StmtOutput)
	c.Park()
	h := &testHandler{caps: router.StmtInput | router.StmtOutput, user: "bob", stage1: c.salt[:20], charset: 0x21}
	c.Resurrect(h)
	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuery("SELECT 2"))))

	var payload []byte
	payload = append(payload, mysql.AuthSwitchRequestPacket)
	payload = append(payload, "caching_sha2_password"...)
	payload = append(payload, 0)
	payload = append(payload, make([]byte, 21)...)

	c.onReply(frame(1, payload))
	assert.True(t, c.Closed())
	assert.Nil(t, c.storedQuery)
}

func TestResurrectErrDestroysConnection(t *testing.T) {
	// A COM_CHANGE_USER refused with ERR is fatal for the pooled
	// connection; the router is told to retry elsewhere.
	c, _, _ := newTestConn(router.StmtInput | router.StmtOutput)
	c.Park()
	h := &testHandler{caps: router.StmtInput | router.StmtOutput, user: "bob", stage1: c.salt[:20], charset: 0x21}
	c.Resurrect(h)
	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuery("SELECT 2"))))

	c.onReply(mysql.BuildErrPacket(1, mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
		"Access denied for user 'bob'"))
	assert.True(t, c.Closed())
	assert.Nil(t, c.storedQuery)
	assert.GreaterOrEqual(t, c.ignoreReplies, 0)
	require.NotEmpty(t, h.errs)
	assert.Equal(t, router.ErrorActionNewConnection, h.errs[0].action)
}

func TestComQuitDuringChangeUserClosesConnection(t *testing.T) {
	c, _, _ := newTestConn(router.StmtInput | router.StmtOutput)
	c.Park()
	h := &testHandler{caps: router.StmtInput | router.StmtOutput, user: "bob", stage1: c.salt[:20], charset: 0x21}
	c.Resurrect(h)
	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuery("SELECT 2"))))

	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuit())))
	assert.True(t, c.Closed())
}

func TestComQuitFirstWriteReturnsToPool(t *testing.T) {
	c, _, rec := newTestConn(router.StmtInput | router.StmtOutput)
	c.srv.PersistentConns = true
	c.Park()
	h := &testHandler{caps: router.StmtInput | router.StmtOutput, user: "bob", stage1: c.salt[:20], charset: 0x21}
	c.Resurrect(h)

	require.NoError(t, c.Write(buffer.New(mysql.BuildComQuit())))
	assert.Empty(t, rec.Bytes())
	assert.False(t, c.Closed())
	assert.True(t, c.Established())
}

func TestBlockedHostSalvage(t *testing.T) {
	// Scenario D: ERR 1129 during authentication puts the server in
	// maintenance mode through the monitor bridge.
	c, h, _ := newTestConn(router.StmtInput | router.StmtOutput)
	c.state = StateResponseSent

	main := worker.New("main", 16)
	main.Start()
	defer main.Stop()
	c.env = &Env{Monitor: monitor.NewManager(main)}

	c.onAuthReply(mysql.BuildErrPacket(2, mysql.ERHostIsBlocked, mysql.SSUnknownSQLState,
		"Host '10.0.0.1' is blocked because of many connection errors"))
	assert.Equal(t, StateFailed, c.state)
	require.Len(t, h.errs, 1)

	// The status flip runs on the main worker.
	done := make(chan struct{})
	require.NoError(t, main.Execute(func() { close(done) }))
	<-done
	assert.True(t, c.srv.InMaintenance())
}

type fakeRefresher struct {
	called chan struct{}
}

func (f *fakeRefresher) Refresh() (bool, error) {
	select {
	case f.called <- struct{}{}:
	default:
	}
	return true, nil
}

func TestAccessDeniedTriggersCredentialReload(t *testing.T) {
	c, _, _ := newTestConn(router.StmtInput | router.StmtOutput)
	c.state = StateResponseSent

	ref := &fakeRefresher{called: make(chan struct{}, 1)}
	c.env = &Env{Users: ref}

	c.onAuthReply(mysql.BuildErrPacket(2, mysql.ERAccessDeniedError, mysql.SSAccessDeniedError,
		"Access denied for user 'bob'"))

	select {
	case <-ref.called:
	case <-time.After(2 * time.Second):
		t.Fatal("credential reload was not triggered")
	}
}

func TestEstablishedInvariants(t *testing.T) {
	// Property 6 building blocks: the checks the pool relies on.
	c, _, _ := newTestConn(router.StmtInput | router.StmtOutput)
	assert.True(t, c.Established())

	c.ignoreReplies = 1
	assert.False(t, c.Established())
	c.ignoreReplies = 0

	c.storedQuery = buffer.New(mysql.BuildComQuery("SELECT 1"))
	assert.False(t, c.Established())
	c.storedQuery = nil

	c.delayq = append(c.delayq, buffer.New(mysql.BuildComQuery("SELECT 1")))
	assert.False(t, c.Established())
	c.delayq = nil

	c.state = StateResponseSent
	assert.False(t, c.Established())
}

func TestClientChangeUserRewritten(t *testing.T) {
	// A client COM_CHANGE_USER is recreated with this backend's own
	// scramble, and the final OK is rewritten to sequence 3.
	c, h, rec := newTestConn(router.StmtInput | router.StmtOutput)

	clientCU := mysql.EncodeChangeUser("bob", "testdb", 0x21, h.stage1, make([]byte, 20))
	require.NoError(t, c.Write(buffer.New(clientCU)))
	assert.True(t, c.changingUser)
	assert.Equal(t, mysql.EncodeChangeUser("bob", "testdb", 0x21, h.stage1, c.salt), rec.Bytes())

	c.onReply(mysql.BuildOKPacket(1, 0, 0, 0, 0))
	assert.False(t, c.changingUser)
	require.Len(t, h.replies, 1)
	assert.EqualValues(t, 0x03, mysql.PacketSeq(h.replies[0].Data))
}
