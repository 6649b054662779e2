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

package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBits(t *testing.T) {
	s := New("server1", "10.0.0.9", 3306)
	assert.True(t, s.IsUsable())
	assert.False(t, s.InMaintenance())

	s.SetStatus(StatusMaintenance)
	assert.True(t, s.InMaintenance())
	assert.False(t, s.IsUsable())
	assert.Contains(t, s.Status().String(), "Maintenance")

	s.ClearStatus(StatusMaintenance)
	assert.True(t, s.IsUsable())

	s.ClearStatus(StatusRunning)
	assert.False(t, s.IsUsable())
	assert.Contains(t, s.Status().String(), "Down")
}

func TestAddr(t *testing.T) {
	s := New("server1", "db.example.com", 3306)
	assert.Equal(t, "db.example.com:3306", s.Addr())
	assert.Equal(t, "tcp", s.Network())

	u := New("local", "/run/mysqld/mysqld.sock", 0)
	assert.Equal(t, "/run/mysqld/mysqld.sock", u.Addr())
	assert.Equal(t, "unix", u.Network())
}

func TestResolverReturnsLiterals(t *testing.T) {
	r := NewResolver(time.Minute)

	ip, err := r.Resolve("10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", ip.String())

	ip, err = r.Resolve("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
}

func TestResolverResolvesLocalhost(t *testing.T) {
	r := NewResolver(time.Minute)
	ip, err := r.Resolve("localhost")
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())

	// Second hit comes from the cache.
	ip2, err := r.Resolve("localhost")
	require.NoError(t, err)
	assert.Equal(t, ip, ip2)
	r.Flush()
}
