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

// EncodeChangeUser builds a complete COM_CHANGE_USER frame:
//
//	[0x11][user\0][proof-len:1][proof][database\0][charset:2][plugin\0]
//
// The proof is computed from stage1 (SHA1 of the session's password)
// and the scramble the backend sent in its original handshake. A nil
// stage1 produces a zero-length proof for password-less accounts.
func EncodeChangeUser(user, database string, charset uint16, stage1, salt []byte) []byte {
	proof := ScrambleFromStage1(salt, stage1)

	length := 1 +
		len(user) + 1 +
		1 + len(proof) +
		len(database) + 1 +
		2 +
		len(MysqlNativePassword) + 1
	frame := make([]byte, HeaderLen+length)
	writeHeader(frame, length, 0)
	pos := HeaderLen
	pos = writeByte(frame, pos, ComChangeUser)
	pos = writeNullString(frame, pos, user)
	pos = writeByte(frame, pos, byte(len(proof)))
	pos = writeEOFBytes(frame, pos, proof)
	pos = writeNullString(frame, pos, database)
	pos = writeUint16(frame, pos, charset)
	writeNullString(frame, pos, MysqlNativePassword)
	return frame
}

// ChangeUser is the decoded form of a client's COM_CHANGE_USER.
type ChangeUser struct {
	User       string
	Proof      []byte
	Database   string
	Charset    uint16
	AuthPlugin string
}

// ParseChangeUser decodes a COM_CHANGE_USER frame received from a
// client.
func ParseChangeUser(frame []byte) (*ChangeUser, error) {
	data := frame[HeaderLen:]
	if len(data) == 0 || data[0] != ComChangeUser {
		return nil, fmt.Errorf("not a COM_CHANGE_USER packet: %v", data)
	}
	pos := 1

	cu := &ChangeUser{}
	var ok bool
	cu.User, pos, ok = readNullString(data, pos)
	if !ok {
		return nil, fmt.Errorf("COM_CHANGE_USER truncated before username")
	}
	n, pos, ok := readByte(data, pos)
	if !ok {
		return nil, fmt.Errorf("COM_CHANGE_USER truncated before proof length")
	}
	if n > 0 {
		cu.Proof, pos, ok = readBytesCopy(data, pos, int(n))
		if !ok {
			return nil, fmt.Errorf("COM_CHANGE_USER truncated in proof")
		}
	}
	cu.Database, pos, ok = readNullString(data, pos)
	if !ok {
		return nil, fmt.Errorf("COM_CHANGE_USER truncated before database")
	}
	cu.Charset, pos, ok = readUint16(data, pos)
	if !ok {
		// Pre-4.1 clients stop after the database.
		return cu, nil
	}
	if pos < len(data) {
		plugin, _, ok := readNullString(data, pos)
		if !ok {
			plugin, _, _ = readEOFString(data, pos)
		}
		cu.AuthPlugin = plugin
	}
	return cu, nil
}

// IsChangeUser returns true if the frame carries a COM_CHANGE_USER.
func IsChangeUser(frame []byte) bool {
	return PacketCommand(frame) == ComChangeUser
}

// IsComQuit returns true if the frame carries a COM_QUIT.
func IsComQuit(frame []byte) bool {
	return PacketCommand(frame) == ComQuit
}
