// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch runs completion work on runtime-owned goroutines.
package dispatch

import (
	"sync"

	"github.com/gx-org/accrt/errs"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// Task executed by a worker.
type Task func() error

type asyncErrors struct {
	locker sync.Mutex
	errs   error
}

func (ae *asyncErrors) add(err error) {
	ae.locker.Lock()
	defer ae.locker.Unlock()

	ae.errs = multierr.Append(ae.errs, err)
}

func (ae *asyncErrors) take() error {
	ae.locker.Lock()
	defer ae.locker.Unlock()

	errs := ae.errs
	ae.errs = nil
	return errs
}

// Queue is an unbounded FIFO of tasks executed by a fixed pool of workers.
//
// Post never blocks: a task may post other tasks, including tasks waiting
// on the completion of a command, without deadlocking the pool.
type Queue struct {
	name string
	wg   sync.WaitGroup
	errs asyncErrors

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	closed  bool
}

// NewQueue starts numWorkers goroutines executing the tasks of a new queue.
func NewQueue(name string, numWorkers int) *Queue {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	q := &Queue{name: name}
	q.cond = sync.NewCond(&q.mu)
	for range numWorkers {
		q.wg.Add(1)
		go q.worker()
	}
	klog.V(2).InfoS("dispatch queue started", "queue", name, "workers", numWorkers)
	return q
}

// Post appends a task to the queue.
func (q *Queue) Post(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errs.ErrClosed
	}
	q.pending = append(q.pending, task)
	q.cond.Signal()
	return nil
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	task := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return task, true
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		task, ok := q.next()
		if !ok {
			return
		}
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			err := errs.Internalf("panic in %s task: %v", q.name, r)
			klog.ErrorS(err, "task panicked", "queue", q.name)
			q.errs.add(err)
		}
	}()
	if err := task(); err != nil {
		klog.V(1).InfoS("task failed", "queue", q.name, "err", err)
		q.errs.add(err)
	}
}

// Errors returns the errors returned by tasks since the last call.
func (q *Queue) Errors() error {
	return q.errs.take()
}

// Close stops accepting tasks, waits for the pending ones to run and
// returns the errors they reported.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
	return q.errs.take()
}
