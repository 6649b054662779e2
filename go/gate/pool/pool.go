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

// Package pool parks idle authenticated backend connections and hands
// them to new sessions. A recycled connection is re-identified by
// overwriting its session identity with COM_CHANGE_USER on the first
// write; until the exchange completes, client traffic queues behind
// it.
package pool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/linsenhu/maxgate/go/gate/backend"
	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/server"
	"github.com/linsenhu/maxgate/go/gate/worker"
)

var (
	acquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maxgate_pool_acquires_total",
		Help: "Backend acquisitions by outcome.",
	}, []string{"server", "outcome"})

	parked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maxgate_pool_parked_connections",
		Help: "Idle connections parked per server.",
	}, []string{"server"})
)

// DefaultMaxIdle bounds parked connections per (server, worker) slot.
const DefaultMaxIdle = 64

// slot identifies one idle queue. Connections stay pinned to their
// worker for life, so only sessions on the same worker may reuse them.
type slot struct {
	server string
	wrk    *worker.Worker
}

// Pool holds idle authenticated connections. The map is shared across
// workers; each parked connection still belongs to the worker it was
// created on and is only handed to sessions of that worker.
type Pool struct {
	env     *backend.Env
	maxIdle int

	mu   sync.Mutex
	idle map[slot][]*backend.Conn
}

// New creates a pool. maxIdle <= 0 uses DefaultMaxIdle.
func New(env *backend.Env, maxIdle int) *Pool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Pool{
		env:     env,
		maxIdle: maxIdle,
		idle:    make(map[slot][]*backend.Conn),
	}
}

// Acquire returns a backend connection for the session: a parked one
// when available, a freshly dialled one otherwise. A parked connection
// is always re-identified with COM_CHANGE_USER on first use, so it
// does not matter which user it last served.
func (p *Pool) Acquire(srv *server.Server, wrk *worker.Worker, handler backend.Handler) *backend.Conn {
	if srv.PersistentConns {
		if conn := p.pop(slot{srv.Name, wrk}); conn != nil {
			log.V(1).Infof("Reusing pooled connection to %v (was %v, now %v)",
				srv.Name, conn.AuthUser(), handler.User())
			acquires.WithLabelValues(srv.Name, "pooled").Inc()
			conn.Resurrect(handler)
			return conn
		}
	}
	acquires.WithLabelValues(srv.Name, "dialled").Inc()
	return backend.Connect(srv, wrk, p.env, handler)
}

// pop removes and returns an idle connection, skipping any that died
// while parked.
func (p *Pool) pop(s slot) *backend.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.idle[s]
	for len(queue) > 0 {
		conn := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		parked.WithLabelValues(s.server).Dec()
		if conn.Closed() {
			continue
		}
		p.idle[s] = queue
		return conn
	}
	p.idle[s] = queue
	return nil
}

// Release takes a connection back from a closing session. Connections
// that satisfy the pool invariants are parked; everything else is
// destroyed with Close, which sends a COM_QUIT only to an authenticated
// connection. Returns true when the connection was parked. Must run on
// the connection's worker.
func (p *Pool) Release(conn *backend.Conn) bool {
	srv := conn.Server()
	if !srv.PersistentConns || !srv.IsUsable() || !conn.Established() {
		conn.Close()
		return false
	}

	s := slot{srv.Name, conn.Worker()}
	p.mu.Lock()
	if len(p.idle[s]) >= p.maxIdle {
		p.mu.Unlock()
		conn.Close()
		return false
	}
	conn.Park()
	p.idle[s] = append(p.idle[s], conn)
	p.mu.Unlock()
	parked.WithLabelValues(srv.Name).Inc()
	log.V(1).Infof("Parked connection to %v for user %v", srv.Name, conn.AuthUser())
	return true
}

// Close destroys every parked connection.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[slot][]*backend.Conn)
	p.mu.Unlock()
	for s, queue := range idle {
		for _, conn := range queue {
			c := conn
			s.wrk.Execute(c.Close)
		}
		parked.WithLabelValues(s.server).Set(0)
	}
}

// Idle returns how many connections are parked for a server across all
// workers.
func (p *Pool) Idle(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for s, queue := range p.idle {
		if s.server == name {
			n += len(queue)
		}
	}
	return n
}
