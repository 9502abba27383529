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

package pager

import (
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/signal"
	"capcore.dev/capcore/pkg/sync"
)

// Result is the outcome of resolving a fault.
type Result uint8

const (
	// Stop leaves the thread stopped. The fault is reported to the
	// exception handler.
	Stop Result = iota

	// Continue resumes the thread with the staged reply mapping.
	Continue
)

func (r Result) String() string {
	if r == Continue {
		return "continue"
	}
	return "stop"
}

// Resolver resolves the faults of the threads of one address space.
type Resolver interface {
	// Pager is called synchronously for every fault. To resume the thread
	// it stages a mapping with p.SetReplyMapping and returns Continue.
	Pager(p IpcPager) Result
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(p IpcPager) Result

// Pager implements Resolver.Pager.
func (f ResolverFunc) Pager(p IpcPager) Result {
	return f(p)
}

// State is the state of an Object.
type State uint8

const (
	// StateActive objects resolve faults as they come.
	StateActive State = iota

	// StateAwaitingExceptionHandler objects have an unresolved fault. The
	// thread stays stopped until WakeUp.
	StateAwaitingExceptionHandler

	// StateDestroyed objects were dissolved.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateAwaitingExceptionHandler:
		return "awaiting-exception-handler"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Info describes the thread an Object pages.
type Info struct {
	// Thread is the TCB of the paged thread.
	Thread kobj.Object

	ThreadName string
	PDLabel    string

	// CPU is the thread's affinity. It selects the entrypoint thread.
	CPU int
}

// Object owns the relationship between one thread and its pager.
type Object struct {
	info     Info
	resolver Resolver

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	ep *Entrypoint
	// +checklocks:mu
	badge capability.Badge
	// cap is the pager capability, valid while managed.
	//
	// +checklocks:mu
	cap capability.Capability
	// sig receives faults on kernels delivering them by signal.
	//
	// +checklocks:mu
	sig *signal.Context
	// +checklocks:mu
	handler platform.FaultSignaler
	// +checklocks:mu
	unresolved uint64
	// +checklocks:mu
	last platform.FaultInfo
}

// NewObject returns an unmanaged pager object for the thread in info.
func NewObject(info Info, r Resolver) *Object {
	return &Object{
		info:     info,
		resolver: r,
		badge:    capability.InvalidBadge,
		cap:      capability.Invalid(),
	}
}

// Info returns the paged thread.
func (o *Object) Info() Info {
	return o.info
}

// Badge returns the badge of the pager capability, or capability.InvalidBadge
// if unmanaged.
func (o *Object) Badge() capability.Badge {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.badge
}

// Capability returns the pager capability.
func (o *Object) Capability() capability.Capability {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cap
}

// State returns the object's state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// UnresolvedFaults returns the number of faults the resolver left
// unresolved, and the most recent one.
func (o *Object) UnresolvedFaults() (uint64, platform.FaultInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unresolved, o.last
}

// ExceptionHandler registers h to be signalled about unresolved faults.
func (o *Object) ExceptionHandler(h platform.FaultSignaler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handler = h
}

// SubmitExceptionSignal signals the exception handler. It returns false if
// none is registered.
func (o *Object) SubmitExceptionSignal() bool {
	o.mu.Lock()
	h := o.handler
	o.mu.Unlock()
	if h == nil {
		return false
	}
	h.Submit(1)
	return true
}

// UnresolvedPageFaultOccurred records that the resolver could not resolve the
// thread's current fault.
func (o *Object) UnresolvedPageFaultOccurred() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateDestroyed {
		return
	}
	o.state = StateAwaitingExceptionHandler
	o.unresolved++
}

// WakeUp resumes a thread stopped on an unresolved fault. The thread retries
// the access, which faults again unless a mapping was installed meanwhile.
func (o *Object) WakeUp() error {
	o.mu.Lock()
	ep := o.ep
	if o.state == StateDestroyed || ep == nil {
		o.mu.Unlock()
		return fmt.Errorf("waking thread %q: %w", o.info.ThreadName, coreerr.ErrNoPager)
	}
	o.state = StateActive
	o.mu.Unlock()
	return ep.cfg.Kernel.ResumeFault(o.info.Thread, nil)
}

// handleFault runs the resolver on p and returns the mapping to reply with,
// if it resolved the fault.
func (o *Object) handleFault(p *fault) (*Mapping, bool) {
	faultsMetric.Increment()
	o.mu.Lock()
	if o.state == StateDestroyed {
		o.mu.Unlock()
		return nil, false
	}
	o.last = p.info
	o.mu.Unlock()

	if o.resolver.Pager(p) == Continue {
		if p.reply != nil {
			resolvedMetric.Increment()
			o.mu.Lock()
			if o.state != StateDestroyed {
				o.state = StateActive
			}
			o.mu.Unlock()
			return p.reply, true
		}
		log.Warningf("Pager of %q/%q continued %v without a mapping", o.info.PDLabel, o.info.ThreadName, p)
	}
	unresolvedMetric.Increment()
	o.UnresolvedPageFaultOccurred()
	if !o.SubmitExceptionSignal() {
		log.Warningf("Unresolved %v of %q/%q and no exception handler", p, o.info.PDLabel, o.info.ThreadName)
	}
	return nil, false
}
