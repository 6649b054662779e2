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
	"fmt"
)

// This file decodes and builds the server reply packets: OK, ERR, EOF,
// auth switch requests, result-set framing and prepared-statement
// responses. All functions take and return full frames, header
// included.

// IsErrPacket returns true if the frame is an ERR packet.
func IsErrPacket(frame []byte) bool {
	return len(frame) > HeaderLen && frame[HeaderLen] == ErrPacket
}

// IsOKPacket returns true if the frame is an OK packet.
func IsOKPacket(frame []byte) bool {
	return len(frame) > HeaderLen &&
		frame[HeaderLen] == OKPacket &&
		PayloadLen(frame) >= OKPacketMinLen
}

// IsEOFPacket returns true if the frame is an EOF packet. An EOF shares
// its 0xfe header with auth switch requests and with 8-byte
// length-encoded integers; the payload length disambiguates.
func IsEOFPacket(frame []byte) bool {
	return len(frame) > HeaderLen &&
		frame[HeaderLen] == EOFPacket &&
		PayloadLen(frame) < EOFPacketMaxLen
}

// IsAuthSwitchRequest returns true if the frame is an auth switch
// request: the 0xfe header with a payload longer than any EOF.
func IsAuthSwitchRequest(frame []byte) bool {
	return len(frame) > HeaderLen &&
		frame[HeaderLen] == AuthSwitchRequestPacket &&
		PayloadLen(frame) >= EOFPacketMaxLen
}

// IsResultSet returns true if the frame opens a text result: the first
// payload byte is a length-encoded column count in (0, 0xfa].
func IsResultSet(frame []byte) bool {
	if len(frame) <= HeaderLen {
		return false
	}
	b := frame[HeaderLen]
	return b > 0 && b <= 0xfa
}

// ParseErrorPacket decodes an ERR frame into a SQLError.
func ParseErrorPacket(frame []byte) error {
	data := frame[HeaderLen:]
	pos := 1
	code, pos, ok := readUint16(data, pos)
	if !ok {
		return NewSQLError(CRUnknownError, SSUnknownSQLState, "invalid error packet code: %v", data)
	}
	// Skip the '#' sql-state marker.
	pos++
	state, pos, ok := readBytes(data, pos, 5)
	if !ok {
		return NewSQLError(CRUnknownError, SSUnknownSQLState, "invalid error packet sqlstate: %v", data)
	}
	msg, _, _ := readEOFString(data, pos)
	return NewSQLError(int(code), string(state), "%v", msg)
}

// ParseOKPacket decodes an OK frame.
func ParseOKPacket(frame []byte) (affectedRows, lastInsertID uint64, statusFlags, warnings uint16, err error) {
	data := frame[HeaderLen:]
	pos := 1
	affectedRows, pos, ok := readLenEncInt(data, pos)
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("invalid OK packet affectedRows: %v", data)
	}
	lastInsertID, pos, ok = readLenEncInt(data, pos)
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("invalid OK packet lastInsertID: %v", data)
	}
	statusFlags, pos, ok = readUint16(data, pos)
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("invalid OK packet statusFlags: %v", data)
	}
	warnings, _, ok = readUint16(data, pos)
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("invalid OK packet warnings: %v", data)
	}
	return affectedRows, lastInsertID, statusFlags, warnings, nil
}

// ParseEOFPacket decodes an EOF frame.
func ParseEOFPacket(frame []byte) (warnings, statusFlags uint16, err error) {
	data := frame[HeaderLen:]
	// The protocol-3.23 EOF has no status; anything 4.1+ does.
	if len(data) < 5 {
		return 0, 0, nil
	}
	pos := 1
	warnings, pos, ok := readUint16(data, pos)
	if !ok {
		return 0, 0, fmt.Errorf("invalid EOF packet warnings: %v", data)
	}
	statusFlags, _, ok = readUint16(data, pos)
	if !ok {
		return 0, 0, fmt.Errorf("invalid EOF packet statusFlags: %v", data)
	}
	return warnings, statusFlags, nil
}

// PreparedResult is the decoded form of the first packet of a
// COM_STMT_PREPARE response.
type PreparedResult struct {
	StatementID uint32
	Columns     uint16
	Parameters  uint16
	Warnings    uint16
}

// ParsePreparedOK decodes the leading OK of a COM_STMT_PREPARE
// response: a 0x00 header with a payload of exactly 12 bytes.
func ParsePreparedOK(frame []byte) (*PreparedResult, bool) {
	if len(frame) <= HeaderLen || frame[HeaderLen] != OKPacket || PayloadLen(frame) != 12 {
		return nil, false
	}
	data := frame[HeaderLen:]
	resp := &PreparedResult{}
	pos := 1
	var ok bool
	resp.StatementID, pos, ok = readUint32(data, pos)
	if !ok {
		return nil, false
	}
	resp.Columns, pos, ok = readUint16(data, pos)
	if !ok {
		return nil, false
	}
	resp.Parameters, pos, ok = readUint16(data, pos)
	if !ok {
		return nil, false
	}
	// One filler byte, then two bytes of warnings.
	pos++
	resp.Warnings, _, ok = readUint16(data, pos)
	if !ok {
		return nil, false
	}
	return resp, true
}

// ExpectedPreparedPackets returns how many frames a complete
// COM_STMT_PREPARE response consists of: the OK, the parameter
// definitions with their EOF, and the column definitions with theirs.
func ExpectedPreparedPackets(resp *PreparedResult) int {
	expected := 1
	if resp.Columns > 0 {
		expected += int(resp.Columns) + 1
	}
	if resp.Parameters > 0 {
		expected += int(resp.Parameters) + 1
	}
	return expected
}

// CompletePreparedResponse returns true when data holds the whole
// response to a COM_STMT_PREPARE.
func CompletePreparedResponse(data []byte) bool {
	resp, ok := ParsePreparedOK(data)
	if !ok {
		return false
	}
	return CountPackets(data) == ExpectedPreparedPackets(resp)
}

// CountSignalPackets walks a concatenation of complete frames and
// counts the EOF and ERR signal packets in it. A text result is
// complete when the count is even and the last signal does not carry
// SERVER_MORE_RESULTS_EXISTS.
func CountSignalPackets(data []byte) (count int, moreResults bool) {
	for {
		pkt, rest, ok := NextPacket(data)
		if !ok {
			return count, moreResults
		}
		switch {
		case IsEOFPacket(pkt):
			count++
			_, status, err := ParseEOFPacket(pkt)
			moreResults = err == nil && status&ServerMoreResultsExists != 0
		case IsErrPacket(pkt):
			// An error terminates the result in place of the final
			// EOF.
			count++
			moreResults = false
		}
		data = rest
	}
}

// SessionState holds the session-state deltas decoded from an OK
// packet's session-state-information block.
type SessionState struct {
	SystemVariables map[string]string
	Schema          string
	Gtids           string
	StateChanged    bool
}

// ParseSessionState decodes the trailer of an OK frame when the
// SERVER_SESSION_STATE_CHANGED status flag is set. It returns nil when
// the packet carries no state block.
func ParseSessionState(frame []byte) (*SessionState, error) {
	if !IsOKPacket(frame) {
		return nil, nil
	}
	data := frame[HeaderLen:]
	pos := 1
	var ok bool
	if _, pos, ok = readLenEncInt(data, pos); !ok {
		return nil, fmt.Errorf("invalid OK packet affectedRows: %v", data)
	}
	if _, pos, ok = readLenEncInt(data, pos); !ok {
		return nil, fmt.Errorf("invalid OK packet lastInsertID: %v", data)
	}
	status, pos, ok := readUint16(data, pos)
	if !ok {
		return nil, fmt.Errorf("invalid OK packet statusFlags: %v", data)
	}
	if status&ServerSessionStateChanged == 0 {
		return nil, nil
	}
	// warnings
	if _, pos, ok = readUint16(data, pos); !ok {
		return nil, fmt.Errorf("invalid OK packet warnings: %v", data)
	}
	// info
	if pos, ok = skipLenEncString(data, pos); !ok {
		return nil, fmt.Errorf("invalid OK packet info: %v", data)
	}
	block, _, ok := readLenEncStringAsBytes(data, pos)
	if !ok {
		return nil, fmt.Errorf("invalid OK packet state block: %v", data)
	}
	state := &SessionState{SystemVariables: make(map[string]string)}
	pos = 0
	for pos < len(block) {
		typ, next, ok := readByte(block, pos)
		if !ok {
			return nil, fmt.Errorf("invalid session state type: %v", block)
		}
		entry, next, ok := readLenEncStringAsBytes(block, next)
		if !ok {
			return nil, fmt.Errorf("invalid session state entry: %v", block)
		}
		switch typ {
		case SessionTrackSystemVariables:
			name, p, ok := readLenEncString(entry, 0)
			if !ok {
				return nil, fmt.Errorf("invalid tracked variable name: %v", entry)
			}
			value, _, ok := readLenEncString(entry, p)
			if !ok {
				return nil, fmt.Errorf("invalid tracked variable value: %v", entry)
			}
			state.SystemVariables[name] = value
		case SessionTrackSchema:
			schema, _, ok := readLenEncString(entry, 0)
			if !ok {
				return nil, fmt.Errorf("invalid tracked schema: %v", entry)
			}
			state.Schema = schema
		case SessionTrackStateChange:
			state.StateChanged = true
		case SessionTrackGtids:
			// One flag byte, then the gtid payload.
			gtids, _, ok := readLenEncString(entry, 1)
			if !ok {
				return nil, fmt.Errorf("invalid tracked gtids: %v", entry)
			}
			state.Gtids = gtids
		}
		pos = next
	}
	return state, nil
}

// BuildErrPacket builds a complete ERR frame with the given sequence.
func BuildErrPacket(seq byte, code int, sqlState string, format string, args ...any) []byte {
	msg := fmt.Sprintf(format, args...)
	if sqlState == "" {
		sqlState = SSUnknownSQLState
	}
	frame := make([]byte, HeaderLen+1+2+1+5+len(msg))
	writeHeader(frame, len(frame)-HeaderLen, seq)
	pos := HeaderLen
	pos = writeByte(frame, pos, ErrPacket)
	pos = writeUint16(frame, pos, uint16(code))
	pos = writeByte(frame, pos, '#')
	pos = writeEOFString(frame, pos, sqlState)
	writeEOFString(frame, pos, msg)
	return frame
}

// BuildErrPacketFromError builds an ERR frame out of any error,
// preserving code and state for SQLErrors.
func BuildErrPacketFromError(seq byte, err error) []byte {
	if se, ok := err.(*SQLError); ok {
		return BuildErrPacket(seq, se.Num, se.State, "%v", se.Message)
	}
	return BuildErrPacket(seq, ERUnknownError, SSUnknownSQLState, "unknown error: %v", err)
}

// BuildOKPacket builds a complete OK frame.
func BuildOKPacket(seq byte, affectedRows, lastInsertID uint64, statusFlags, warnings uint16) []byte {
	length := 1 +
		lenEncIntSize(affectedRows) +
		lenEncIntSize(lastInsertID) +
		4
	frame := make([]byte, HeaderLen+length)
	writeHeader(frame, length, seq)
	pos := HeaderLen
	pos = writeByte(frame, pos, OKPacket)
	pos = writeLenEncInt(frame, pos, affectedRows)
	pos = writeLenEncInt(frame, pos, lastInsertID)
	pos = writeUint16(frame, pos, statusFlags)
	writeUint16(frame, pos, warnings)
	return frame
}

// BuildEOFPacket builds a complete EOF frame.
func BuildEOFPacket(seq byte, warnings, statusFlags uint16) []byte {
	frame := make([]byte, HeaderLen+5)
	writeHeader(frame, 5, seq)
	pos := HeaderLen
	pos = writeByte(frame, pos, EOFPacket)
	pos = writeUint16(frame, pos, warnings)
	writeUint16(frame, pos, statusFlags)
	return frame
}

// BuildComPacket builds a command frame with sequence 0.
func BuildComPacket(payload []byte) []byte {
	frame := make([]byte, HeaderLen+len(payload))
	writeHeader(frame, len(payload), 0)
	copy(frame[HeaderLen:], payload)
	return frame
}

// BuildComQuit builds a COM_QUIT frame.
func BuildComQuit() []byte {
	return BuildComPacket([]byte{ComQuit})
}

// BuildComQuery builds a COM_QUERY frame.
func BuildComQuery(query string) []byte {
	payload := make([]byte, 1+len(query))
	payload[0] = ComQuery
	copy(payload[1:], query)
	return BuildComPacket(payload)
}
