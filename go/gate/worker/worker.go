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

// Package worker implements the executors connection handles are
// pinned to. Every state transition of a connection happens on its
// owning worker, so per-connection state needs no locks. Work destined
// for another worker's connection is enqueued as a task on that
// worker.
package worker

import (
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/linsenhu/maxgate/go/gate/log"
)

// ErrStopped is returned when posting to a worker that has shut down.
var ErrStopped = errors.New("worker has stopped")

// Task is a unit of work executed on a worker.
type Task func()

// Worker runs tasks one at a time in a dedicated goroutine.
type Worker struct {
	name  string
	tasks chan Task

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New creates a worker. Start must be called before posting tasks.
func New(name string, queueDepth int) *Worker {
	return &Worker{
		name:  name,
		tasks: make(chan Task, queueDepth),
		done:  make(chan struct{}),
	}
}

// Name returns the worker's name.
func (w *Worker) Name() string {
	return w.name
}

// Start launches the worker loop.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	for task := range w.tasks {
		task()
	}
}

// Execute posts a task. Tasks posted from the same goroutine run in
// FIFO order.
func (w *Worker) Execute(task Task) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	// Posting under the lock keeps Stop from closing the channel
	// between the check and the send.
	w.tasks <- task
	w.mu.Unlock()
	return nil
}

// Stop drains queued tasks and waits for the loop to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	close(w.tasks)
	w.mu.Unlock()
	<-w.done
}

// Pool is a fixed set of workers plus a distinguished main worker for
// administrative side effects like monitor status changes.
type Pool struct {
	main    *Worker
	workers []*Worker
	next    atomic.Uint64
}

// NewPool creates and starts n routing workers and the main worker. A
// non-positive n defaults to the CPU count.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{main: New("main", 256)}
	p.main.Start()
	for i := 0; i < n; i++ {
		w := New("routing-"+strconv.Itoa(i), 1024)
		w.Start()
		p.workers = append(p.workers, w)
	}
	log.Infof("Started %d routing workers", n)
	return p
}

// Assign picks a worker for a new connection, round robin.
func (p *Pool) Assign() *Worker {
	i := p.next.Add(1)
	return p.workers[int(i)%len(p.workers)]
}

// Main returns the main worker.
func (p *Pool) Main() *Worker {
	return p.main
}

// Stop shuts all workers down.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
	p.main.Stop()
}
