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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyHeaderTCP4(t *testing.T) {
	// Scenario F: the exact bytes on the wire.
	client := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 40000}
	srv := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 3306}

	header, err := BuildProxyHeader(client, srv)
	require.NoError(t, err)
	assert.Equal(t, "PROXY TCP4 10.0.0.5 10.0.0.9 40000 3306\r\n", string(header))
}

func TestProxyHeaderTCP6(t *testing.T) {
	client := &net.TCPAddr{IP: net.ParseIP("2001:db8::5"), Port: 40000}
	srv := &net.TCPAddr{IP: net.ParseIP("2001:db8::9"), Port: 3306}

	header, err := BuildProxyHeader(client, srv)
	require.NoError(t, err)
	assert.Equal(t, "PROXY TCP6 2001:db8::5 2001:db8::9 40000 3306\r\n", string(header))
}

func TestProxyHeaderMixedFamilies(t *testing.T) {
	// An IPv4 client behind an IPv6 backend connection: the IPv4 side
	// is converted to its mapped form so both share a family.
	client := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 40000}
	srv := &net.TCPAddr{IP: net.ParseIP("2001:db8::9"), Port: 3306}

	header, err := BuildProxyHeader(client, srv)
	require.NoError(t, err)
	assert.Equal(t, "PROXY TCP6 ::ffff:10.0.0.5 2001:db8::9 40000 3306\r\n", string(header))
}

func TestProxyHeaderUnknown(t *testing.T) {
	client := &net.UnixAddr{Name: "/tmp/client.sock", Net: "unix"}
	srv := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 3306}

	header, err := BuildProxyHeader(client, srv)
	require.NoError(t, err)
	assert.Equal(t, "PROXY UNKNOWN\r\n", string(header))
}
