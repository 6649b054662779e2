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

package users

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, user, host, db string) Key {
	t.Helper()
	key, err := PatternKey(user, host, db)
	require.NoError(t, err)
	return key
}

func TestHostPatternParsing(t *testing.T) {
	tests := []struct {
		pattern string
		addr    uint32
		netmask uint8
	}{
		{"%", 0, 0},
		{"%.%.%.%", 0, 0},
		{"10.%.%.%", 0x0a000000, 8},
		{"10.0.%.%", 0x0a000000, 16},
		{"10.0.0.%", 0x0a000000, 24},
		{"10.0.0.5", 0x0a000005, 32},
	}
	for _, tc := range tests {
		addr, mask, err := ParseHostPattern(tc.pattern)
		require.NoError(t, err, tc.pattern)
		assert.Equal(t, tc.addr, addr, tc.pattern)
		assert.Equal(t, tc.netmask, mask, tc.pattern)
	}
}

func TestHostPatternRejects(t *testing.T) {
	for _, pattern := range []string{
		"10.%.0.5",  // non-trailing wildcard
		"10.0.0.1%", // partial octet
		"10.0.0",    // not four octets
		"example.com",
		"10.0.0.256",
	} {
		_, _, err := ParseHostPattern(pattern)
		assert.Error(t, err, pattern)
	}
}

func TestMatching(t *testing.T) {
	table := NewTable()
	table.Add(mustKey(t, "alice", "10.0.0.5", ""), Entry{Stage2: []byte("alice-hash")})
	table.Add(mustKey(t, "bob", "10.0.0.%", "testdb"), Entry{Stage2: []byte("bob-hash")})
	table.Add(mustKey(t, "carol", "%", ""), Entry{Stage2: []byte("carol-hash")})

	// Exact host, any database.
	e, m := table.Match("alice", net.IPv4(10, 0, 0, 5), "whatever")
	require.Equal(t, MatchOK, m)
	assert.Equal(t, []byte("alice-hash"), e.Stage2)

	// Same user from another address: no grant.
	_, m = table.Match("alice", net.IPv4(10, 0, 0, 6), "")
	assert.Equal(t, MatchNoUser, m)

	// Wildcard octet with a database-specific grant.
	e, m = table.Match("bob", net.IPv4(10, 0, 0, 77), "testdb")
	require.Equal(t, MatchOK, m)
	assert.Equal(t, []byte("bob-hash"), e.Stage2)

	// Bob exists but has no grant on this database.
	_, m = table.Match("bob", net.IPv4(10, 0, 0, 77), "otherdb")
	assert.Equal(t, MatchNoDatabase, m)

	// Bob outside the pattern's subnet.
	_, m = table.Match("bob", net.IPv4(10, 0, 1, 77), "testdb")
	assert.Equal(t, MatchNoUser, m)

	// Connecting without a database matches any grant.
	_, m = table.Match("bob", net.IPv4(10, 0, 0, 77), "")
	assert.Equal(t, MatchOK, m)

	// Full wildcard host.
	_, m = table.Match("carol", net.IPv4(192, 168, 1, 1), "anything")
	assert.Equal(t, MatchOK, m)

	// Unknown user.
	_, m = table.Match("mallory", net.IPv4(10, 0, 0, 5), "")
	assert.Equal(t, MatchNoUser, m)
}

func TestWidestMaskWins(t *testing.T) {
	// An exact host grant shadows a wildcard one for the same user.
	table := NewTable()
	table.Add(mustKey(t, "alice", "10.0.0.5", ""), Entry{Stage2: []byte("exact")})
	table.Add(mustKey(t, "alice", "10.0.0.%", ""), Entry{Stage2: []byte("wild")})

	e, m := table.Match("alice", net.IPv4(10, 0, 0, 5), "")
	require.Equal(t, MatchOK, m)
	assert.Equal(t, []byte("exact"), e.Stage2)

	e, m = table.Match("alice", net.IPv4(10, 0, 0, 6), "")
	require.Equal(t, MatchOK, m)
	assert.Equal(t, []byte("wild"), e.Stage2)
}

func TestStoreSwapSkipsSameChecksum(t *testing.T) {
	store := NewStore()

	t1 := NewTable()
	t1.Add(mustKey(t, "alice", "%", ""), Entry{})
	t1.Checksum = [20]byte{1}
	require.True(t, store.Swap(t1))
	assert.Same(t, t1, store.Snapshot())

	// Identical checksum: the reload is a no-op.
	t2 := NewTable()
	t2.Checksum = [20]byte{1}
	assert.False(t, store.Swap(t2))
	assert.Same(t, t1, store.Snapshot())

	t3 := NewTable()
	t3.Checksum = [20]byte{2}
	require.True(t, store.Swap(t3))
	assert.Same(t, t3, store.Snapshot())
}

func TestDecodePasswordHash(t *testing.T) {
	// SHA1(SHA1("password")) in the form mysql.user stores it.
	raw, err := decodePasswordHash("*2470C0C06DEE42FD1618BB99005ADCA2EC9D1E19")
	require.NoError(t, err)
	assert.Len(t, raw, 20)

	raw, err = decodePasswordHash("")
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = decodePasswordHash("not-a-hash")
	assert.Error(t, err)
}
