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

// Package config loads the INI service definition, resolves the
// dependencies between objects, and hands fully-typed values to the
// core. The core never re-parses configuration.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/linsenhu/maxgate/go/gate/session"
)

// Object kinds.
const (
	TypeServer   = "server"
	TypeService  = "service"
	TypeMonitor  = "monitor"
	TypeListener = "listener"
)

// Object is one named section of the configuration file. Names are
// case-insensitive and normalized to lower case.
type Object struct {
	Name   string
	Type   string
	Params map[string]string
}

// Get returns a parameter value.
func (o *Object) Get(key string) string {
	return o.Params[key]
}

// GetBool parses a boolean parameter; absent means false.
func (o *Object) GetBool(key string) bool {
	switch strings.ToLower(o.Params[key]) {
	case "true", "yes", "on", "1":
		return true
	}
	return false
}

// Config is the fully resolved configuration.
type Config struct {
	// Objects in construction order: every object comes after its
	// dependencies.
	Objects []*Object

	// Strict rejects unit-less non-zero durations.
	Strict bool

	// Marks is the client write-queue backpressure configuration.
	Marks session.Watermarks
}

// Servers returns the server objects in dependency order.
func (c *Config) Servers() []*Object {
	return c.ofType(TypeServer)
}

// Services returns the service objects in dependency order.
func (c *Config) Services() []*Object {
	return c.ofType(TypeService)
}

// Listeners returns the listener objects in dependency order.
func (c *Config) Listeners() []*Object {
	return c.ofType(TypeListener)
}

// Monitors returns the monitor objects in dependency order.
func (c *Config) Monitors() []*Object {
	return c.ofType(TypeMonitor)
}

func (c *Config) ofType(typ string) []*Object {
	var out []*Object
	for _, o := range c.Objects {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}

// Duration parses a duration parameter of an object with the
// configured strictness.
func (c *Config) Duration(o *Object, key string, granularity time.Duration) (time.Duration, error) {
	v := o.Get(key)
	if v == "" {
		return 0, nil
	}
	d, err := ParseDuration(v, granularity, c.Strict)
	if err != nil {
		return 0, fmt.Errorf("parameter %v of %v: %v", key, o.Name, err)
	}
	return d, nil
}

// Load reads the file and resolves dependencies. Strict mode is on by
// default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read configuration: %v", err)
	}

	var objects []*Object
	for _, section := range v.AllKeys() {
		// viper flattens "section.key"; rebuild sections.
		dot := strings.Index(section, ".")
		if dot < 0 {
			continue
		}
		name := section[:dot]
		key := section[dot+1:]
		obj := findObject(objects, name)
		if obj == nil {
			obj = &Object{Name: name, Params: make(map[string]string)}
			objects = append(objects, obj)
		}
		obj.Params[key] = v.GetString(section)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })

	for _, o := range objects {
		o.Type = strings.ToLower(o.Get("type"))
		switch o.Type {
		case TypeServer, TypeService, TypeMonitor, TypeListener:
		default:
			return nil, fmt.Errorf("object %v has unknown type %q", o.Name, o.Get("type"))
		}
	}

	ordered, err := resolveDependencies(objects)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Objects: ordered, Strict: true, Marks: session.DefaultWatermarks}
	if err := cfg.loadGlobals(objects); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadGlobals(objects []*Object) error {
	for _, o := range objects {
		if high := o.Get("writeq_high_water"); high != "" {
			fmt.Sscanf(high, "%d", &c.Marks.High)
		}
		if low := o.Get("writeq_low_water"); low != "" {
			fmt.Sscanf(low, "%d", &c.Marks.Low)
		}
	}
	return c.Marks.Validate()
}

func findObject(objects []*Object, name string) *Object {
	for _, o := range objects {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// dependencies returns the names an object refers to, normalized like
// object names.
func dependencies(o *Object) []string {
	var deps []string
	for _, key := range []string{"servers", "targets"} {
		if list := o.Get(key); list != "" {
			for _, name := range strings.Split(list, ",") {
				deps = append(deps, strings.ToLower(strings.TrimSpace(name)))
			}
		}
	}
	if svc := o.Get("service"); svc != "" {
		deps = append(deps, strings.ToLower(strings.TrimSpace(svc)))
	}
	return deps
}

// resolveDependencies validates references and orders objects so every
// dependency is constructed first. Circular dependency chains are
// reported with their members in dependency order.
func resolveDependencies(objects []*Object) ([]*Object, error) {
	byName := make(map[string]*Object, len(objects))
	for _, o := range objects {
		byName[o.Name] = o
	}

	graph := make(map[string][]string, len(objects))
	for _, o := range objects {
		deps := dependencies(o)
		for _, dep := range deps {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("object %v depends on %q, which is not defined", o.Name, dep)
			}
		}
		graph[o.Name] = deps
	}

	var errs []string
	for _, group := range stronglyConnectedComponents(graph) {
		if len(group) > 1 {
			// The group comes off the Tarjan stack in reverse
			// dependency order; flip it so the message reads along the
			// edges.
			chain := make([]string, 0, len(group)+1)
			for i := len(group) - 1; i >= 0; i-- {
				chain = append(chain, group[i])
			}
			chain = append(chain, chain[0])
			errs = append(errs, strings.Join(chain, " -> "))
		}
	}
	for _, name := range selfLoops(graph) {
		errs = append(errs, name+" -> "+name)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("circular dependency chains were found in the configuration: %v",
			strings.Join(errs, "; "))
	}

	var ordered []*Object
	for _, group := range stronglyConnectedComponents(graph) {
		ordered = append(ordered, byName[group[0]])
	}
	return ordered, nil
}
