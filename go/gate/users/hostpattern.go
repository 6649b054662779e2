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
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseHostPattern converts a MySQL host pattern into a masked address
// and a netmask width. Whole-octet IPv4 wildcards are supported:
//
//	"%"         -> 0.0.0.0/0
//	"a.%.%.%"   -> a.0.0.0/8
//	"a.b.%.%"   -> a.b.0.0/16
//	"a.b.c.%"   -> a.b.c.0/24
//	"a.b.c.d"   -> a.b.c.d/32
//
// Wildcards must be trailing: "a.%.c.d" is rejected, as is any partial
// octet like "a.b.c.1%".
func ParseHostPattern(pattern string) (addr uint32, netmask uint8, err error) {
	if pattern == "%" || pattern == "%.%.%.%" {
		return 0, 0, nil
	}

	octets := strings.Split(pattern, ".")
	if len(octets) != 4 {
		return 0, 0, fmt.Errorf("host pattern %q is not an IPv4 pattern", pattern)
	}

	var ip [4]byte
	wild := false
	width := uint8(32)
	for i, oct := range octets {
		if oct == "%" {
			if !wild {
				width = uint8(8 * i)
			}
			wild = true
			continue
		}
		if wild {
			return 0, 0, fmt.Errorf("host pattern %q has a non-trailing wildcard", pattern)
		}
		if strings.Contains(oct, "%") {
			return 0, 0, fmt.Errorf("host pattern %q wildcards a partial octet", pattern)
		}
		v, err := strconv.Atoi(oct)
		if err != nil || v < 0 || v > 255 {
			return 0, 0, fmt.Errorf("host pattern %q has an invalid octet %q", pattern, oct)
		}
		ip[i] = byte(v)
	}
	return binary.BigEndian.Uint32(ip[:]), width, nil
}

// PatternKey builds the table key for a loaded grant row.
func PatternKey(user, host, database string) (Key, error) {
	addr, mask, err := ParseHostPattern(host)
	if err != nil {
		return Key{}, err
	}
	if database == "" {
		database = AnyDB
	}
	return Key{User: user, Addr: addr, Netmask: mask, Database: database}, nil
}

// MatchesPattern reports whether addr falls under the host pattern. It
// exists for diagnostics; lookups go through Table.Match.
func MatchesPattern(addr net.IP, pattern string) bool {
	p, mask, err := ParseHostPattern(pattern)
	if err != nil {
		return false
	}
	return ipv4(addr)&maskBits(mask) == p
}
