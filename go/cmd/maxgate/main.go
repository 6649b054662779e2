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

// maxgate is a MySQL-protocol-aware reverse proxy: it terminates
// client connections, authenticates them against credentials
// replicated from the backends, and multiplexes their statements over
// pooled backend connections according to the configured routing
// modules.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/linsenhu/maxgate/go/gate/auth"
	"github.com/linsenhu/maxgate/go/gate/backend"
	"github.com/linsenhu/maxgate/go/gate/config"
	"github.com/linsenhu/maxgate/go/gate/log"
	"github.com/linsenhu/maxgate/go/gate/monitor"
	"github.com/linsenhu/maxgate/go/gate/pool"
	"github.com/linsenhu/maxgate/go/gate/router"
	"github.com/linsenhu/maxgate/go/gate/router/readconn"
	"github.com/linsenhu/maxgate/go/gate/server"
	"github.com/linsenhu/maxgate/go/gate/session"
	"github.com/linsenhu/maxgate/go/gate/users"
	"github.com/linsenhu/maxgate/go/gate/worker"
)

var (
	configPath  = "/etc/maxgate/maxgate.cnf"
	workerCount = 0
	metricsAddr = ""
	usersDSN    = ""
)

func main() {
	cmd := &cobra.Command{
		Use:   "maxgate",
		Short: "MySQL protocol-aware reverse proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run()
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&configPath, "config", configPath, "path to the configuration file")
	fs.IntVar(&workerCount, "workers", workerCount, "number of routing workers (0 = CPU count)")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "address to serve prometheus metrics on (empty = disabled)")
	fs.StringVar(&usersDSN, "users-dsn", usersDSN, "DSN of the server to replicate credentials from (overrides the configuration)")
	log.RegisterFlags(fs)

	if err := cmd.Execute(); err != nil {
		log.Errorf("%v", err)
		log.Flush()
		os.Exit(1)
	}
	log.Flush()
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	workers := worker.NewPool(workerCount)
	defer workers.Stop()

	mon := monitor.NewManager(workers.Main())

	servers := make(map[string]*server.Server)
	for _, o := range cfg.Servers() {
		port, _ := strconv.Atoi(o.Get("port"))
		srv := server.New(o.Name, o.Get("address"), port)
		srv.ProxyProtocol = o.GetBool("proxy_protocol")
		srv.PersistentConns = o.GetBool("persistent_conns")
		servers[o.Name] = srv
		log.Infof("Server %v at %v", srv.Name, srv.Addr())
	}

	store := users.NewStore()
	env := &backend.Env{Monitor: mon}
	if dsn := credentialDSN(cfg); dsn != "" {
		loader := users.NewLoader(store, dsn)
		env.Users = loader
		if _, err := loader.Refresh(); err != nil {
			log.Warningf("Initial credential load failed: %v", err)
		}
	}
	backendPool := pool.New(env, 0)
	defer backendPool.Close()

	native := auth.NewNative(store)
	auth.Register(native)

	services := make(map[string]router.Router)
	for _, o := range cfg.Services() {
		var svcServers []*server.Server
		for _, name := range strings.Split(o.Get("servers"), ",") {
			if srv, ok := servers[strings.ToLower(strings.TrimSpace(name))]; ok {
				svcServers = append(svcServers, srv)
			}
		}
		switch o.Get("router") {
		case "readconnroute", "":
			services[o.Name] = readconn.New(svcServers, backendPool)
		default:
			// Out-of-tree routers register themselves by name.
			r, err := router.Get(o.Get("router"))
			if err != nil {
				return fmt.Errorf("service %v: %v", o.Name, err)
			}
			services[o.Name] = r
		}
	}

	var listeners []*session.Listener
	for _, o := range cfg.Listeners() {
		svc, ok := services[strings.ToLower(o.Get("service"))]
		if !ok {
			return fmt.Errorf("listener %v refers to unknown service %q", o.Name, o.Get("service"))
		}
		ln, err := net.Listen("tcp", ":"+o.Get("port"))
		if err != nil {
			return fmt.Errorf("listener %v: %v", o.Name, err)
		}
		l := &session.Listener{
			Authenticator: native,
			Router:        svc,
			Workers:       workers,
			Marks:         cfg.Marks,
		}
		listeners = append(listeners, l)
		go l.Serve(ln)
	}
	if len(listeners) == 0 {
		return fmt.Errorf("configuration defines no listeners")
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Shutting down on %v", sig)
	for _, l := range listeners {
		l.Close()
	}
	return nil
}

// credentialDSN prefers the command line, then the first service that
// configures a replication user.
func credentialDSN(cfg *config.Config) string {
	if usersDSN != "" {
		return usersDSN
	}
	for _, o := range cfg.Services() {
		user, pass := o.Get("user"), o.Get("password")
		if user == "" {
			continue
		}
		for _, name := range strings.Split(o.Get("servers"), ",") {
			if srvObj := findServerObject(cfg, strings.TrimSpace(name)); srvObj != nil {
				return fmt.Sprintf("%s:%s@tcp(%s:%s)/", user, pass,
					srvObj.Get("address"), srvObj.Get("port"))
			}
		}
	}
	return ""
}

func findServerObject(cfg *config.Config, name string) *config.Object {
	for _, o := range cfg.Servers() {
		if o.Name == name {
			return o
		}
	}
	return nil
}
