// Copyright 2024 The capcore Authors.
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

// Package signal implements asynchronous notifications layered over a kernel
// notification object.
//
// A Receiver owns a FIFO of contexts that have become deliverable. Submitting
// to a Context accumulates a count and queues the context once; a handler
// thread pulls one context per WaitForSignal and acknowledges it when done.
//
// Lock order: Receiver.mu, then Killer state.
package signal

import (
	"fmt"

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/ilist"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/metric"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/sync"
)

var (
	submittedMetric = metric.MustCreateNewUint64Metric("/signal/submitted", "Number of signal submissions.")
	deliveredMetric = metric.MustCreateNewUint64Metric("/signal/delivered", "Number of signal contexts delivered to handlers.")
	overflowMetric  = metric.MustCreateNewUint64Metric("/signal/overflow", "Number of signal submissions dropped because the count would overflow.")
)

// State is the lifecycle state of a Context.
type State uint8

const (
	// StateActive contexts accept submissions.
	StateActive State = iota

	// StateDraining contexts were killed while delivered and not yet
	// acknowledged. The acknowledgement destroys them.
	StateDraining

	// StateDestroyed contexts drop submissions.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Signal is one delivery.
type Signal struct {
	// Context is the delivered context. It must be acknowledged.
	Context *Context

	// Imprint identifies the context to the handler.
	Imprint uint64

	// Count is the number of submissions since the previous delivery.
	Count uint
}

// Receiver delivers the signals of its contexts.
type Receiver struct {
	notifier platform.Notifier

	mu sync.Mutex
	// +checklocks:mu
	pending ilist.List[*Context]
	// +checklocks:mu
	contexts map[*Context]struct{}
	// +checklocks:mu
	dissolved bool
}

// NewReceiver returns a receiver that blocks on n.
func NewReceiver(n platform.Notifier) *Receiver {
	return &Receiver{
		notifier: n,
		contexts: make(map[*Context]struct{}),
	}
}

// Context is a source of signals with a fixed imprint.
type Context struct {
	ilist.Entry[*Context]

	r       *Receiver
	imprint uint64

	// All below are protected by r.mu.
	state    State
	count    uint
	queued   bool
	inFlight bool
	killers  []*Killer
}

// NewContext returns a context delivered by r with the given imprint.
func (r *Receiver) NewContext(imprint uint64) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dissolved {
		return nil, fmt.Errorf("creating signal context %#x: %w", imprint, coreerr.ErrDead)
	}
	c := &Context{r: r, imprint: imprint}
	r.contexts[c] = struct{}{}
	return c, nil
}

// Contexts returns the number of contexts not yet destroyed.
func (r *Receiver) Contexts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// WaitForSignal blocks until a context is deliverable and returns it with its
// accumulated count, which is reset. Contexts are delivered in the order they
// became deliverable. A delivered context is not delivered again before it is
// acknowledged.
func (r *Receiver) WaitForSignal() (Signal, error) {
	for {
		r.mu.Lock()
		if r.dissolved {
			r.mu.Unlock()
			return Signal{}, coreerr.ErrDead
		}
		if c := r.pending.PopFront(); c != nil {
			c.queued = false
			c.inFlight = true
			s := Signal{Context: c, Imprint: c.imprint, Count: c.count}
			c.count = 0
			r.mu.Unlock()
			deliveredMetric.Increment()
			return s, nil
		}
		r.mu.Unlock()
		if err := r.notifier.Wait(); err != nil {
			return Signal{}, fmt.Errorf("waiting for signal: %w", err)
		}
	}
}

// Pending returns true if a context is waiting to be delivered.
func (r *Receiver) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.pending.Empty()
}

// Dissolve destroys every context. Killers still waiting are cancelled and
// handlers blocked in WaitForSignal return coreerr.ErrDead.
func (r *Receiver) Dissolve() {
	r.mu.Lock()
	if r.dissolved {
		r.mu.Unlock()
		return
	}
	r.dissolved = true
	r.pending.Reset()
	for c := range r.contexts {
		c.state = StateDestroyed
		c.queued = false
		for _, k := range c.killers {
			k.finish(coreerr.ErrCancelled)
		}
		c.killers = nil
	}
	r.contexts = nil
	r.mu.Unlock()
	r.notifier.Signal()
}

// Imprint returns the context's imprint.
func (c *Context) Imprint() uint64 {
	return c.imprint
}

// State returns the context's lifecycle state.
func (c *Context) State() State {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.state
}

// Submit adds n to the context's count and queues it for delivery unless it
// is queued or being delivered already. A context being delivered is queued
// again by Ack. Submissions to a killed context are dropped, as are
// submissions that would overflow the count.
//
// Submit implements platform.FaultSignaler.
func (c *Context) Submit(n uint) {
	r := c.r
	r.mu.Lock()
	if c.state != StateActive {
		r.mu.Unlock()
		log.Debugf("Dropping signal to context %#x in state %v", c.imprint, c.state)
		return
	}
	if n > ^uint(0)-c.count {
		r.mu.Unlock()
		overflowMetric.Increment()
		log.Warningf("Dropping %d signals to context %#x: count %d would overflow", n, c.imprint, c.count)
		return
	}
	submittedMetric.Increment()
	c.count += n
	wake := c.queueLocked()
	r.mu.Unlock()
	if wake {
		r.notifier.Signal()
	}
}

// queueLocked queues c if it has signals to deliver and is neither queued
// nor in flight. It returns true if c was queued.
//
// Preconditions: c.r.mu is locked.
func (c *Context) queueLocked() bool {
	if c.queued || c.inFlight || c.count == 0 {
		return false
	}
	c.queued = true
	c.r.pending.PushBack(c)
	return true
}

// Ack completes the delivery of c. Signals submitted meanwhile make c
// deliverable again. A context killed while delivered is destroyed now.
func (c *Context) Ack() {
	r := c.r
	r.mu.Lock()
	if !c.inFlight {
		r.mu.Unlock()
		return
	}
	c.inFlight = false
	wake := false
	switch c.state {
	case StateDraining:
		c.destroyLocked(nil)
	case StateActive:
		wake = !r.dissolved && c.queueLocked()
	}
	r.mu.Unlock()
	if wake {
		r.notifier.Signal()
	}
}

// Kill stops the context. It is destroyed immediately unless a delivery is in
// flight, in which case it is destroyed by Ack. The returned Killer reports
// completion.
func (c *Context) Kill() *Killer {
	k := newKiller()
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	switch c.state {
	case StateDestroyed:
		k.finish(nil)
	case StateDraining:
		c.killers = append(c.killers, k)
	case StateActive:
		if c.queued {
			r.pending.Remove(c)
			c.queued = false
		}
		c.count = 0
		if c.inFlight {
			c.state = StateDraining
			c.killers = append(c.killers, k)
			return k
		}
		c.killers = append(c.killers, k)
		c.destroyLocked(nil)
	}
	return k
}

// destroyLocked destroys c and completes its killers with err.
//
// Preconditions: c.r.mu is locked.
func (c *Context) destroyLocked(err error) {
	c.state = StateDestroyed
	for _, k := range c.killers {
		k.finish(err)
	}
	c.killers = nil
	if c.r.contexts != nil {
		delete(c.r.contexts, c)
	}
}

// Killer waits for a killed context to be destroyed.
type Killer struct {
	done chan struct{}
	err  error
}

func newKiller() *Killer {
	return &Killer{done: make(chan struct{})}
}

// finish must be called at most once.
func (k *Killer) finish(err error) {
	k.err = err
	close(k.done)
}

// Done is closed once the kill completed or was cancelled.
func (k *Killer) Done() <-chan struct{} {
	return k.done
}

// Wait blocks until the context is destroyed. It returns
// coreerr.ErrCancelled if the receiver was dissolved first.
func (k *Killer) Wait() error {
	<-k.done
	return k.err
}
