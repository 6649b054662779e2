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

package mysql

import (
	crand "crypto/rand"
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOKPacketRoundTrip(t *testing.T) {
	f := BuildOKPacket(1, 12, 34, 56, 78)
	require.True(t, IsOKPacket(f))
	affected, insertID, status, warnings, err := ParseOKPacket(f)
	require.NoError(t, err)
	assert.EqualValues(t, 12, affected)
	assert.EqualValues(t, 34, insertID)
	assert.EqualValues(t, 56, status)
	assert.EqualValues(t, 78, warnings)
}

func TestErrPacketRoundTrip(t *testing.T) {
	f := BuildErrPacket(1, ERAccessDeniedError, SSAccessDeniedError, "access denied: %v", "reason")
	require.True(t, IsErrPacket(f))
	err := ParseErrorPacket(f)
	se, ok := err.(*SQLError)
	require.True(t, ok)
	assert.Equal(t, ERAccessDeniedError, se.Num)
	assert.Equal(t, SSAccessDeniedError, se.State)
	assert.Equal(t, "access denied: reason", se.Message)
}

func TestEOFPacketRoundTrip(t *testing.T) {
	f := BuildEOFPacket(3, 0x12, 0xabba)
	require.True(t, IsEOFPacket(f))
	require.False(t, IsAuthSwitchRequest(f))
	warnings, status, err := ParseEOFPacket(f)
	require.NoError(t, err)
	assert.EqualValues(t, 0x12, warnings)
	assert.EqualValues(t, 0xabba, status)
}

func TestEOFVersusAuthSwitch(t *testing.T) {
	// A 0xfe payload shorter than 9 bytes is an EOF; anything longer
	// is an auth switch request.
	eof := frame(1, []byte{0xfe, 0, 0, 2, 0})
	assert.True(t, IsEOFPacket(eof))
	assert.False(t, IsAuthSwitchRequest(eof))

	var payload []byte
	payload = append(payload, 0xfe)
	payload = append(payload, []byte(MysqlNativePassword)...)
	payload = append(payload, 0)
	payload = append(payload, make([]byte, 21)...)
	sw := frame(2, payload)
	assert.False(t, IsEOFPacket(sw))
	assert.True(t, IsAuthSwitchRequest(sw))
}

func TestEOFOrLengthEncodedInt(t *testing.T) {
	// A 0xfe first byte is either an EOF or an 8-byte length-encoded
	// integer, never both.
	for i := 0; i < 100; i++ {
		payload := make([]byte, mrand.Intn(16)+1)
		_, err := crand.Read(payload)
		require.NoError(t, err)
		payload[0] = 0xfe

		f := frame(0, payload)
		_, _, isInt := readLenEncInt(payload, 0)
		isEOF := IsEOFPacket(f)
		require.NotEqual(t, isInt, isEOF, "bytes %v", payload)
	}
}

func TestIsResultSet(t *testing.T) {
	assert.True(t, IsResultSet(frame(1, []byte{1})))
	assert.True(t, IsResultSet(frame(1, []byte{0xfa})))
	assert.False(t, IsResultSet(frame(1, []byte{0x00, 0, 0, 2, 0, 0, 0})))
	assert.False(t, IsResultSet(frame(1, []byte{0xff, 0, 0})))
	assert.False(t, IsResultSet(frame(1, []byte{0xfb})))
}

func TestPreparedOK(t *testing.T) {
	payload := make([]byte, 12)
	pos := writeByte(payload, 0, OKPacket)
	pos = writeUint32(payload, pos, 7)
	pos = writeUint16(payload, pos, 1) // columns
	pos = writeUint16(payload, pos, 1) // parameters
	pos = writeByte(payload, pos, 0)   // filler
	writeUint16(payload, pos, 0)       // warnings
	f := frame(1, payload)

	resp, ok := ParsePreparedOK(f)
	require.True(t, ok)
	assert.EqualValues(t, 7, resp.StatementID)
	assert.EqualValues(t, 1, resp.Columns)
	assert.EqualValues(t, 1, resp.Parameters)
	assert.EqualValues(t, 0, resp.Warnings)

	// 1 OK + 1 param def + EOF + 1 column def + EOF.
	assert.Equal(t, 5, ExpectedPreparedPackets(resp))

	// A plain OK is not a prepare response.
	_, ok = ParsePreparedOK(BuildOKPacket(1, 0, 0, 0, 0))
	assert.False(t, ok)
}

func TestCompletePreparedResponse(t *testing.T) {
	payload := make([]byte, 12)
	pos := writeByte(payload, 0, OKPacket)
	pos = writeUint32(payload, pos, 7)
	pos = writeUint16(payload, pos, 1)
	pos = writeUint16(payload, pos, 1)
	pos = writeByte(payload, pos, 0)
	writeUint16(payload, pos, 0)

	var data []byte
	data = append(data, frame(1, payload)...)
	data = append(data, frame(2, []byte("paramdef"))...)
	data = append(data, BuildEOFPacket(3, 0, 0)...)
	assert.False(t, CompletePreparedResponse(data))

	data = append(data, frame(4, []byte("coldef"))...)
	data = append(data, BuildEOFPacket(5, 0, 0)...)
	assert.True(t, CompletePreparedResponse(data))
}

// textResult builds the frames of a single text result set:
// column-count header, column defs, EOF, rows, terminating EOF.
func textResult(columns int, rows []string, lastStatus uint16) []byte {
	var data []byte
	seq := byte(1)
	data = append(data, frame(seq, []byte{byte(columns)})...)
	seq++
	for i := 0; i < columns; i++ {
		data = append(data, frame(seq, []byte("coldef"))...)
		seq++
	}
	data = append(data, BuildEOFPacket(seq, 0, 0)...)
	seq++
	for _, row := range rows {
		payload := make([]byte, lenEncIntSize(uint64(len(row)))+len(row))
		pos := writeLenEncInt(payload, 0, uint64(len(row)))
		writeEOFString(payload, pos, row)
		data = append(data, frame(seq, payload)...)
		seq++
	}
	data = append(data, BuildEOFPacket(seq, 0, lastStatus)...)
	return data
}

func TestCountSignalPackets(t *testing.T) {
	full := textResult(1, []string{"1"}, 0)
	count, more := CountSignalPackets(full)
	assert.Equal(t, 2, count)
	assert.False(t, more)

	// Truncate before the terminating EOF: odd parity.
	complete, _ := CompletePackets(full[:len(full)-2])
	count, more = CountSignalPackets(complete)
	assert.Equal(t, 1, count)
	assert.False(t, more)

	// More results follow: even parity but the flag keeps us reading.
	count, more = CountSignalPackets(textResult(1, []string{"1"}, ServerMoreResultsExists))
	assert.Equal(t, 2, count)
	assert.True(t, more)
}

func TestCountSignalPacketsParity(t *testing.T) {
	// Feeding a conforming result frame by frame, the terminal EOF is
	// reached exactly when the observed parity first turns even.
	full := textResult(3, []string{"a", "b", "c"}, 0)
	var fed []byte
	sawComplete := false
	for {
		pkt, rest, ok := NextPacket(full)
		if !ok {
			break
		}
		fed = append(fed, pkt...)
		count, more := CountSignalPackets(fed)
		done := count%2 == 0 && count > 0 && !more
		if done {
			require.False(t, sawComplete, "parity turned even twice")
			sawComplete = true
			assert.Empty(t, rest)
		}
		full = rest
	}
	assert.True(t, sawComplete)
}

func TestSessionStateParse(t *testing.T) {
	// Hand-build an OK with a session-state block carrying one system
	// variable and a schema change.
	entryVar := []byte{}
	entryVar = append(entryVar, byte(len("autocommit")))
	entryVar = append(entryVar, "autocommit"...)
	entryVar = append(entryVar, byte(len("ON")))
	entryVar = append(entryVar, "ON"...)

	entrySchema := []byte{byte(len("testdb"))}
	entrySchema = append(entrySchema, "testdb"...)

	var block []byte
	block = append(block, SessionTrackSystemVariables, byte(len(entryVar)))
	block = append(block, entryVar...)
	block = append(block, SessionTrackSchema, byte(len(entrySchema)))
	block = append(block, entrySchema...)

	payload := []byte{OKPacket, 0, 0}
	payload = append(payload, 0, 0) // status, patched below
	payload = append(payload, 0, 0) // warnings
	payload = append(payload, 0)    // empty info
	payload = append(payload, byte(len(block)))
	payload = append(payload, block...)
	writeUint16(payload, 3, ServerSessionStateChanged)

	state, err := ParseSessionState(frame(1, payload))
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "ON", state.SystemVariables["autocommit"])
	assert.Equal(t, "testdb", state.Schema)

	// Without the flag there is no state block.
	state, err = ParseSessionState(BuildOKPacket(1, 0, 0, 0, 0))
	require.NoError(t, err)
	assert.Nil(t, state)
}
