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

// Handshake is the decoded initial handshake the server sends on
// connect (Protocol::HandshakeV10).
type Handshake struct {
	ProtocolVersion uint8
	ServerVersion   string
	ConnectionID    uint32
	Salt            []byte
	Capabilities    uint32
	Charset         uint8
	StatusFlags     uint16
	AuthPlugin      string
}

// ParseHandshake decodes the initial handshake frame.
func ParseHandshake(frame []byte) (*Handshake, error) {
	data := frame[HeaderLen:]
	pos := 0

	pversion, pos, ok := readByte(data, pos)
	if !ok {
		return nil, fmt.Errorf("handshake truncated before protocol version")
	}
	if pversion != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %v", pversion)
	}

	hs := &Handshake{ProtocolVersion: pversion}
	hs.ServerVersion, pos, ok = readNullString(data, pos)
	if !ok {
		return nil, fmt.Errorf("handshake truncated before server version")
	}
	hs.ConnectionID, pos, ok = readUint32(data, pos)
	if !ok {
		return nil, fmt.Errorf("handshake truncated before connection id")
	}

	// First 8 bytes of the scramble, then a filler byte.
	salt, pos, ok := readBytesCopy(data, pos, 8)
	if !ok {
		return nil, fmt.Errorf("handshake truncated before auth data")
	}
	hs.Salt = salt
	pos++

	capLower, pos, ok := readUint16(data, pos)
	if !ok {
		return nil, fmt.Errorf("handshake truncated before capabilities")
	}
	hs.Capabilities = uint32(capLower)

	// Everything from here on is optional in ancient servers.
	hs.Charset, pos, ok = readByte(data, pos)
	if !ok {
		return hs, nil
	}
	hs.StatusFlags, pos, ok = readUint16(data, pos)
	if !ok {
		return hs, nil
	}
	capUpper, pos, ok := readUint16(data, pos)
	if !ok {
		return hs, nil
	}
	hs.Capabilities |= uint32(capUpper) << 16

	if hs.Capabilities&CapabilityClientProtocol41 == 0 {
		return nil, fmt.Errorf("backend does not speak the 4.1 protocol")
	}

	authDataLen, pos, ok := readByte(data, pos)
	if !ok {
		return hs, nil
	}
	// 10 reserved bytes.
	pos += 10

	if hs.Capabilities&CapabilityClientSecureConnection != 0 {
		// The scramble continuation: max(13, authDataLen-8) bytes, the
		// last of which is a terminating nul we drop.
		n := int(authDataLen) - 8
		if n < 13 {
			n = 13
		}
		part2, next, ok := readBytes(data, pos, n)
		if !ok {
			return nil, fmt.Errorf("handshake truncated in auth data")
		}
		if part2[n-1] == 0 {
			part2 = part2[:n-1]
		}
		hs.Salt = append(hs.Salt, part2...)
		pos = next
	}

	if hs.Capabilities&CapabilityClientPluginAuth != 0 {
		// Some servers forget the trailing nul here.
		plugin, _, ok := readNullString(data, pos)
		if !ok {
			plugin, _, _ = readEOFString(data, pos)
		}
		hs.AuthPlugin = plugin
	}
	return hs, nil
}

// BuildHandshake builds the initial handshake frame the proxy sends to
// a connecting client.
func BuildHandshake(serverVersion string, connectionID uint32, salt []byte, capabilities uint32) []byte {
	length := 1 +
		len(serverVersion) + 1 +
		4 +
		8 + 1 +
		2 + 1 + 2 + 2 +
		1 + 10 +
		13 +
		len(MysqlNativePassword) + 1
	frame := make([]byte, HeaderLen+length)
	writeHeader(frame, length, 0)
	pos := HeaderLen
	pos = writeByte(frame, pos, protocolVersion)
	pos = writeNullString(frame, pos, serverVersion)
	pos = writeUint32(frame, pos, connectionID)
	pos = writeEOFBytes(frame, pos, salt[:8])
	pos = writeByte(frame, pos, 0)
	pos = writeUint16(frame, pos, uint16(capabilities))
	pos = writeByte(frame, pos, CharacterSetUtf8)
	pos = writeUint16(frame, pos, ServerStatusAutocommit)
	pos = writeUint16(frame, pos, uint16(capabilities>>16))
	pos = writeByte(frame, pos, byte(len(salt)+1))
	pos = writeZeroes(frame, pos, 10)
	pos = writeEOFBytes(frame, pos, salt[8:])
	pos = writeByte(frame, pos, 0)
	writeNullString(frame, pos, MysqlNativePassword)
	return frame
}

// HandshakeResponse is the decoded Protocol::HandshakeResponse41 a
// client answers the handshake with.
type HandshakeResponse struct {
	Capabilities uint32
	MaxPacket    uint32
	Charset      uint8
	User         string
	AuthResponse []byte
	Database     string
	AuthPlugin   string
}

// ParseHandshakeResponse decodes a client's HandshakeResponse41 frame.
func ParseHandshakeResponse(frame []byte) (*HandshakeResponse, error) {
	data := frame[HeaderLen:]
	pos := 0

	resp := &HandshakeResponse{}
	var ok bool
	resp.Capabilities, pos, ok = readUint32(data, pos)
	if !ok {
		return nil, fmt.Errorf("response truncated before capabilities")
	}
	if resp.Capabilities&CapabilityClientProtocol41 == 0 {
		return nil, NewSQLError(ERUnknownComError, SSUnknownComError, "client does not speak the 4.1 protocol")
	}
	resp.MaxPacket, pos, ok = readUint32(data, pos)
	if !ok {
		return nil, fmt.Errorf("response truncated before max packet size")
	}
	resp.Charset, pos, ok = readByte(data, pos)
	if !ok {
		return nil, fmt.Errorf("response truncated before charset")
	}
	// 23 reserved bytes.
	pos += 23

	resp.User, pos, ok = readNullString(data, pos)
	if !ok {
		return nil, fmt.Errorf("response truncated before username")
	}

	switch {
	case resp.Capabilities&CapabilityClientPluginAuthLenencClientData != 0:
		resp.AuthResponse, pos, ok = readLenEncStringAsBytes(data, pos)
	case resp.Capabilities&CapabilityClientSecureConnection != 0:
		var n byte
		n, pos, ok = readByte(data, pos)
		if ok {
			resp.AuthResponse, pos, ok = readBytesCopy(data, pos, int(n))
		}
	default:
		var s string
		s, pos, ok = readNullString(data, pos)
		resp.AuthResponse = []byte(s)
	}
	if !ok {
		return nil, fmt.Errorf("response truncated in auth data")
	}

	if resp.Capabilities&CapabilityClientConnectWithDB != 0 {
		resp.Database, pos, ok = readNullString(data, pos)
		if !ok {
			return nil, fmt.Errorf("response truncated before database")
		}
	}
	if resp.Capabilities&CapabilityClientPluginAuth != 0 {
		plugin, _, ok := readNullString(data, pos)
		if !ok {
			plugin, _, _ = readEOFString(data, pos)
		}
		resp.AuthPlugin = plugin
	}
	return resp, nil
}

// BuildHandshakeResponse builds the HandshakeResponse41 frame sent to a
// backend after its handshake, with sequence 1.
func BuildHandshakeResponse(capabilities uint32, charset uint8, user string, authResponse []byte, database string) []byte {
	length := 4 + 4 + 1 + 23 +
		len(user) + 1 +
		1 + len(authResponse) +
		len(MysqlNativePassword) + 1
	if database != "" {
		capabilities |= CapabilityClientConnectWithDB
		length += len(database) + 1
	}
	frame := make([]byte, HeaderLen+length)
	writeHeader(frame, length, 1)
	pos := HeaderLen
	pos = writeUint32(frame, pos, capabilities)
	pos = writeUint32(frame, pos, MaxPacketSize)
	pos = writeByte(frame, pos, charset)
	pos = writeZeroes(frame, pos, 23)
	pos = writeNullString(frame, pos, user)
	pos = writeByte(frame, pos, byte(len(authResponse)))
	pos = writeEOFBytes(frame, pos, authResponse)
	if database != "" {
		pos = writeNullString(frame, pos, database)
	}
	writeNullString(frame, pos, MysqlNativePassword)
	return frame
}

// ParseAuthSwitchRequest decodes an auth switch request frame into the
// target plugin name and its challenge data.
func ParseAuthSwitchRequest(frame []byte) (plugin string, data []byte, err error) {
	payload := frame[HeaderLen:]
	pos := 1
	plugin, pos, ok := readNullString(payload, pos)
	if !ok {
		return "", nil, fmt.Errorf("auth switch request truncated in plugin name")
	}
	data = payload[pos:]
	// The new scramble carries a trailing nul.
	if n := len(data); n > 0 && data[n-1] == 0 {
		data = data[:n-1]
	}
	return plugin, data, nil
}

// BuildAuthSwitchResponse builds the reply to an auth switch request.
func BuildAuthSwitchResponse(seq byte, proof []byte) []byte {
	frame := make([]byte, HeaderLen+len(proof))
	writeHeader(frame, len(proof), seq)
	copy(frame[HeaderLen:], proof)
	return frame
}
