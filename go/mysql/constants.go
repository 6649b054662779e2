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

const (
	// MaxPacketSize is the maximum payload length of a single frame.
	// A frame of exactly this size means the command continues in the
	// next frame.
	MaxPacketSize = (1 << 24) - 1

	// HeaderLen is the length of the frame header: 3 bytes of payload
	// length plus one sequence byte.
	HeaderLen = 4

	// protocolVersion is the version byte of the initial handshake.
	// Always 10.
	protocolVersion = 10

	// ScrambleLen is the length of the scramble nonce the server sends
	// in its handshake and of all SHA1-based password proofs.
	ScrambleLen = 20

	// OKPacketMinLen is the least a valid OK payload can measure.
	OKPacketMinLen = 7

	// EOFPacketMaxLen is the exclusive bound on an EOF payload length:
	// a valid EOF payload is shorter than this. A 0xfe payload of this
	// size or more is an auth switch request, not an EOF.
	EOFPacketMaxLen = 9
)

// MysqlNativePassword is the default authentication plugin. It uses a
// salt and transmits a SHA1-based hash on the wire.
const MysqlNativePassword = "mysql_native_password"

// Capability flags, from include/mysql/mysql_com.h.
const (
	// CapabilityClientLongPassword is CLIENT_LONG_PASSWORD.
	// Assumed to be set since 4.1.1, never checked.
	CapabilityClientLongPassword = 1

	// CapabilityClientFoundRows is CLIENT_FOUND_ROWS.
	CapabilityClientFoundRows = 1 << 1

	// CapabilityClientLongFlag is CLIENT_LONG_FLAG.
	// Longer flags in Protocol::ColumnDefinition320. Set everywhere,
	// not used, as we only speak Protocol::ColumnDefinition41.
	CapabilityClientLongFlag = 1 << 2

	// CapabilityClientConnectWithDB is CLIENT_CONNECT_WITH_DB.
	// One can specify db on connect.
	CapabilityClientConnectWithDB = 1 << 3

	// CapabilityClientLocalFiles is CLIENT_LOCAL_FILES.
	CapabilityClientLocalFiles = 1 << 7

	// CapabilityClientProtocol41 is CLIENT_PROTOCOL_41.
	// New 4.1 protocol. Enforced everywhere.
	CapabilityClientProtocol41 = 1 << 9

	// CapabilityClientSSL is CLIENT_SSL.
	// Switch to SSL after the handshake.
	CapabilityClientSSL = 1 << 11

	// CapabilityClientTransactions is CLIENT_TRANSACTIONS.
	// Can send status flags in an EOF packet. Always set by servers
	// since 4.0.
	CapabilityClientTransactions = 1 << 13

	// CapabilityClientSecureConnection is CLIENT_SECURE_CONNECTION.
	// New 4.1 authentication. Always set, expected, never checked.
	CapabilityClientSecureConnection = 1 << 15

	// CapabilityClientMultiStatements is CLIENT_MULTI_STATEMENTS.
	CapabilityClientMultiStatements = 1 << 16

	// CapabilityClientMultiResults is CLIENT_MULTI_RESULTS.
	// Can send multiple result sets for COM_QUERY.
	CapabilityClientMultiResults = 1 << 17

	// CapabilityClientPluginAuth is CLIENT_PLUGIN_AUTH.
	// Client supports plugin authentication.
	CapabilityClientPluginAuth = 1 << 19

	// CapabilityClientConnectAttrs is CLIENT_CONNECT_ATTRS.
	CapabilityClientConnectAttrs = 1 << 20

	// CapabilityClientPluginAuthLenencClientData is
	// CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA.
	CapabilityClientPluginAuthLenencClientData = 1 << 21

	// CapabilityClientSessionTrack is CLIENT_SESSION_TRACK.
	// The server may send session-state change data after an OK packet.
	CapabilityClientSessionTrack = 1 << 23

	// CapabilityClientDeprecateEOF is CLIENT_DEPRECATE_EOF.
	// Expects an OK (instead of EOF) after the rows of a text result.
	CapabilityClientDeprecateEOF = 1 << 24
)

// Command bytes, the first byte of a command packet payload.
// From include/mysql/mysql_com.h.
const (
	// ComQuit is COM_QUIT.
	ComQuit = 0x01

	// ComInitDB is COM_INIT_DB.
	ComInitDB = 0x02

	// ComQuery is COM_QUERY.
	ComQuery = 0x03

	// ComFieldList is COM_FIELD_LIST.
	ComFieldList = 0x04

	// ComStatistics is COM_STATISTICS.
	ComStatistics = 0x09

	// ComPing is COM_PING.
	ComPing = 0x0e

	// ComChangeUser is COM_CHANGE_USER.
	ComChangeUser = 0x11

	// ComStmtPrepare is COM_STMT_PREPARE.
	ComStmtPrepare = 0x16

	// ComStmtExecute is COM_STMT_EXECUTE.
	ComStmtExecute = 0x17

	// ComStmtSendLongData is COM_STMT_SEND_LONG_DATA.
	ComStmtSendLongData = 0x18

	// ComStmtClose is COM_STMT_CLOSE.
	ComStmtClose = 0x19

	// ComStmtReset is COM_STMT_RESET.
	ComStmtReset = 0x1a

	// ComSetOption is COM_SET_OPTION.
	ComSetOption = 0x1b

	// ComStmtFetch is COM_STMT_FETCH.
	ComStmtFetch = 0x1c
)

// Reply packet headers.
const (
	// OKPacket is the header of the OK packet.
	OKPacket = 0x00

	// EOFPacket is the header of the EOF packet.
	EOFPacket = 0xfe

	// AuthSwitchRequestPacket shares the EOF header; the payload length
	// disambiguates.
	AuthSwitchRequestPacket = 0xfe

	// ErrPacket is the header of the error packet.
	ErrPacket = 0xff

	// NullValue is the encoded value of NULL in a text row.
	NullValue = 0xfb
)

// Server status flags returned in OK and EOF packets.
// See http://dev.mysql.com/doc/internals/en/status-flags.html
const (
	// ServerStatusAutocommit is SERVER_STATUS_AUTOCOMMIT.
	ServerStatusAutocommit = 0x0002

	// ServerMoreResultsExists is SERVER_MORE_RESULTS_EXISTS. Set on the
	// terminating packet of a result set when another one follows.
	ServerMoreResultsExists = 0x0008

	// ServerStatusCursorExists is SERVER_STATUS_CURSOR_EXISTS.
	ServerStatusCursorExists = 0x0040

	// ServerSessionStateChanged is SERVER_SESSION_STATE_CHANGED. The OK
	// payload carries a session-state-information block after the info
	// field.
	ServerSessionStateChanged = 0x4000
)

// Session-state change types inside the OK packet's state block.
const (
	// SessionTrackSystemVariables is SESSION_TRACK_SYSTEM_VARIABLES.
	SessionTrackSystemVariables = 0x00

	// SessionTrackSchema is SESSION_TRACK_SCHEMA.
	SessionTrackSchema = 0x01

	// SessionTrackStateChange is SESSION_TRACK_STATE_CHANGE.
	SessionTrackStateChange = 0x02

	// SessionTrackGtids is SESSION_TRACK_GTIDS.
	SessionTrackGtids = 0x03
)

// Error codes for client-side errors.
// From include/mysql/errmsg.h.
const (
	// CRUnknownError is CR_UNKNOWN_ERROR.
	CRUnknownError = 2000

	// CRConnectionError is CR_CONNECTION_ERROR.
	// Returned if a connection via a Unix socket fails.
	CRConnectionError = 2002

	// CRConnHostError is CR_CONN_HOST_ERROR.
	// Returned if a connection via a TCP socket fails.
	CRConnHostError = 2003

	// CRServerGone is CR_SERVER_GONE_ERROR.
	CRServerGone = 2006

	// CRServerHandshakeErr is CR_SERVER_HANDSHAKE_ERR.
	CRServerHandshakeErr = 2012

	// CRServerLost is CR_SERVER_LOST.
	// Used when the connection to a backend dies mid-exchange.
	CRServerLost = 2013

	// CRCommandsOutOfSync is CR_COMMANDS_OUT_OF_SYNC.
	CRCommandsOutOfSync = 2014

	// CRMalformedPacket is CR_MALFORMED_PACKET.
	CRMalformedPacket = 2027
)

// Error codes for server-side errors.
// From include/mysql/mysqld_error.h.
const (
	// ERDbAccessDeniedError is ER_DBACCESS_DENIED_ERROR.
	ERDbAccessDeniedError = 1044

	// ERAccessDeniedError is ER_ACCESS_DENIED_ERROR.
	ERAccessDeniedError = 1045

	// ERUnknownComError is ER_UNKNOWN_COM_ERROR.
	ERUnknownComError = 1047

	// ERServerShutdown is ER_SERVER_SHUTDOWN.
	ERServerShutdown = 1053

	// ERUnknownError is ER_UNKNOWN_ERROR.
	ERUnknownError = 1105

	// ERHostIsBlocked is ER_HOST_IS_BLOCKED. The server refuses our
	// address because of too many failed connects.
	ERHostIsBlocked = 1129

	// ERAccessDeniedNoPasswordError is
	// ER_ACCESS_DENIED_NO_PASSWORD_ERROR.
	ERAccessDeniedNoPasswordError = 1698
)

// SQL states for errors, from include/mysql/sql_state.h.
const (
	// SSUnknownSQLState is the catch-all "HY000".
	SSUnknownSQLState = "HY000"

	// SSUnknownComError is ER_UNKNOWN_COM_ERROR.
	SSUnknownComError = "08S01"

	// SSHandshakeError is ER_HANDSHAKE_ERROR.
	SSHandshakeError = "08S01"

	// SSAccessDeniedError is ER_ACCESS_DENIED_ERROR.
	SSAccessDeniedError = "28000"
)

// A few interesting character set values.
const (
	// CharacterSetUtf8 is for UTF8. We use this by default.
	CharacterSetUtf8 = 33

	// CharacterSetBinary is for binary, used by integer fields.
	CharacterSetBinary = 63
)

// CharacterSetMap maps a charset name to its collation byte. The
// interesting ones have their own constant above.
var CharacterSetMap = map[string]uint8{
	"big5":    1,
	"latin1":  8,
	"latin2":  9,
	"ascii":   11,
	"ujis":    12,
	"sjis":    13,
	"hebrew":  16,
	"tis620":  18,
	"euckr":   19,
	"gb2312":  24,
	"greek":   25,
	"cp1250":  26,
	"gbk":     28,
	"latin5":  30,
	"utf8":    CharacterSetUtf8,
	"ucs2":    35,
	"cp866":   36,
	"cp852":   40,
	"latin7":  41,
	"utf8mb4": 45,
	"cp1251":  51,
	"utf16":   54,
	"cp1256":  57,
	"cp1257":  59,
	"utf32":   60,
	"binary":  CharacterSetBinary,
}

// IsConnErr returns true if the error is a connection error that a
// router may retry on another backend.
func IsConnErr(err error) bool {
	if sqlErr, ok := err.(*SQLError); ok {
		num := sqlErr.Number()
		// CRServerLost means the command may already have been
		// executed, so it is not retriable.
		if num == CRServerLost {
			return false
		}
		return num >= CRUnknownError && num <= CRMalformedPacket
	}
	return false
}
