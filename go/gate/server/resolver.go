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
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
)

// Resolver caches hostname lookups. The cache is shared by all workers
// and entries expire on their own; a stale entry is simply re-resolved
// on the next miss.
type Resolver struct {
	cache *cache.Cache
}

// NewResolver creates a resolver whose entries live for ttl.
func NewResolver(ttl time.Duration) *Resolver {
	return &Resolver{
		cache: cache.New(ttl, 2*ttl),
	}
}

// Resolve returns the first IPv4 address of host, or its first address
// of any family when it has no IPv4 one, consulting the cache first.
// Literal addresses bypass the cache.
func (r *Resolver) Resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	if cached, ok := r.cache.Get(host); ok {
		return cached.(net.IP), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			r.cache.SetDefault(host, v4)
			return v4, nil
		}
	}
	if len(ips) > 0 {
		r.cache.SetDefault(host, ips[0])
		return ips[0], nil
	}
	return nil, fmt.Errorf("no addresses for host %q", host)
}

// Flush drops every cached entry.
func (r *Resolver) Flush() {
	r.cache.Flush()
}
