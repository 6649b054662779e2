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

// Package monitor is the bridge between the protocol core and the
// monitor plug-ins. The plug-ins themselves live elsewhere; the core
// only needs to flip server status bits through the main worker.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/server"
	"github.com/linsenhu/maxgate/go/gate/worker"
)

var maintenanceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "maxgate_server_maintenance_events_total",
	Help: "Times a server was placed in maintenance mode by the core.",
}, []string{"server"})

// Manager applies status changes on the main worker so monitors and
// the protocol core never race on a server's bits.
type Manager struct {
	main *worker.Worker
}

// NewManager creates a manager bound to the pool's main worker.
func NewManager(main *worker.Worker) *Manager {
	return &Manager{main: main}
}

// SetServerStatus sets bits on a server, asynchronously, from any
// worker.
func (m *Manager) SetServerStatus(srv *server.Server, bits server.Status) {
	err := m.main.Execute(func() {
		srv.SetStatus(bits)
		log.Infof("Server %v status is now [%v]", srv.Name, srv.Status())
	})
	if err != nil {
		log.Errorf("Cannot update status of server %v: %v", srv.Name, err)
	}
}

// BlockedHost puts a server in maintenance mode because it refuses our
// connections. The operator has to flush-hosts on the backend and lift
// the maintenance bit by hand.
func (m *Manager) BlockedHost(srv *server.Server) {
	maintenanceEvents.WithLabelValues(srv.Name).Inc()
	m.SetServerStatus(srv, server.StatusMaintenance)
	log.Errorf("Server %v has been put into maintenance mode due to the server blocking connections "+
		"from the proxy. Run 'mysqladmin -h %s -P %d flush-hosts' on this server before taking "+
		"it out of maintenance mode. To avoid this problem in the future, set "+
		"'max_connect_errors' to a larger value in the backend server.",
		srv.Name, srv.Address, srv.Port)
}
