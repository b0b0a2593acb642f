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

// Package trace is a read-only tap on run transitions and buffer transfers.
//
// Observers receive copies of events: they cannot alter scheduling or
// buffer placement decisions.
package trace

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gx-org/accrt/base/ordered"
	"github.com/gx-org/accrt/internal/dispatch"
	"k8s.io/klog/v2"
)

// Kind of an event.
type Kind int

const (
	// RunState is emitted when a run changes state.
	RunState Kind = iota
	// RunCycle is emitted when an iterating run completes one of its iterations.
	RunCycle
	// BufferSync is emitted when bytes move between a buffer host mapping and the device.
	BufferSync
	// BufferCopy is emitted when bytes are copied between two buffers.
	BufferCopy
	// ImageLoad is emitted when an image is loaded on a device.
	ImageLoad
)

var kindNames = [...]string{
	RunState:   "run-state",
	RunCycle:   "run-cycle",
	BufferSync: "buffer-sync",
	BufferCopy: "buffer-copy",
	ImageLoad:  "image-load",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Event observed on the tap. Fields not relevant for a kind are left to their zero value.
type Event struct {
	Kind Kind
	Time time.Time

	// Run events.
	Run       uint64
	Kernel    string
	CU        string
	State     string
	Iteration int

	// Buffer events.
	Address   uint64
	Bank      int
	Direction string
	Offset    uint64
	Size      uint64

	// Image events.
	Image string
}

// Observer receives events. Each observer receives its events in emission
// order on a goroutine of its own.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Observe calls f.
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}

type subscription struct {
	o     Observer
	queue *dispatch.Queue
}

func (s *subscription) post(ev Event) {
	// The queue is closed once the observer has been removed.
	_ = s.queue.Post(func() error {
		s.o.Observe(ev)
		return nil
	})
}

// Tap distributes events to observers.
// Emit only queues events: a slow observer does not delay the emitter.
// The zero value is ready to use.
type Tap struct {
	mu     sync.RWMutex
	nextID int
	subs   *ordered.Map[int, *subscription]
}

// Subscribe registers an observer. The returned function removes it once
// the events already emitted have been delivered. It must not be called by
// the observer itself.
func (t *Tap) Subscribe(o Observer) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs == nil {
		t.subs = ordered.NewMap[int, *subscription]()
	}
	id := t.nextID
	t.nextID++
	sub := &subscription{o: o, queue: dispatch.NewQueue(fmt.Sprintf("trace/%d", id), 1)}
	t.subs.Store(id, sub)
	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id, sub) })
	}
}

func (t *Tap) remove(id int, sub *subscription) {
	t.mu.Lock()
	if t.subs != nil {
		t.subs.Delete(id)
	}
	t.mu.Unlock()
	if err := sub.queue.Close(); err != nil {
		klog.ErrorS(err, "trace observer failed", "observer", id)
	}
}

func (t *Tap) subscriptions() []*subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.subs == nil {
		return nil
	}
	return slices.Collect(t.subs.Values())
}

// Active returns true if at least one observer is subscribed.
func (t *Tap) Active() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subs != nil && t.subs.Len() > 0
}

// Emit queues an event for all the observers.
func (t *Tap) Emit(ev Event) {
	if t == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, sub := range t.subscriptions() {
		sub.post(ev)
	}
}

// Flush waits until the observers have received the events emitted before the call.
func (t *Tap) Flush() {
	if t == nil {
		return
	}
	var wg sync.WaitGroup
	for _, sub := range t.subscriptions() {
		wg.Add(1)
		if err := sub.queue.Post(func() error {
			wg.Done()
			return nil
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()
}

// Close delivers the pending events and removes all the observers.
func (t *Tap) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	var subs []*subscription
	if t.subs != nil {
		subs = slices.Collect(t.subs.Values())
		t.subs = nil
	}
	t.mu.Unlock()
	for _, sub := range subs {
		if err := sub.queue.Close(); err != nil {
			klog.ErrorS(err, "trace observer failed")
		}
	}
}

// Recorder is an observer storing all the events it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe records an event.
func (r *Recorder) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events, optionally filtered by kind.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evs []Event
	for _, ev := range r.events {
		if len(kinds) > 0 && !hasKind(kinds, ev.Kind) {
			continue
		}
		evs = append(evs, ev)
	}
	return evs
}

func hasKind(kinds []Kind, k Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}
