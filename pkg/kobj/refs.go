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

package kobj

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Refs is a reference count with release hooks. It is embedded by kernel
// objects to implement Object.ObjectRefs.
//
// The zero value holds no references; InitRefs must be called before the
// object is first bound.
type Refs struct {
	// refCount is composed of two fields:
	//
	//	[32-bit speculative references]:[32-bit real references]
	//
	// Speculative references are used by TryIncRef, to avoid a
	// CompareAndSwap loop.
	refCount atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	released bool
	// +checklocks:mu
	onRelease []func()
}

// InitRefs initializes r with one reference.
func (r *Refs) InitRefs() {
	r.refCount.Store(1)
}

// ObjectRefs implements Object.ObjectRefs.
func (r *Refs) ObjectRefs() *Refs {
	return r
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return int64(int32(r.refCount.Load()))
}

// IncRef increments the reference count. The caller must already hold a
// reference.
func (r *Refs) IncRef() {
	if v := r.refCount.Add(1); int32(v) <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p", r))
	}
}

// TryIncRef attempts to take a reference on an object that may already have
// been released.
func (r *Refs) TryIncRef() bool {
	const speculativeRef = 1 << 32
	if v := r.refCount.Add(speculativeRef); int32(v) == 0 {
		// This object has already been released.
		r.refCount.Add(-speculativeRef)
		return false
	}
	r.refCount.Add(-speculativeRef + 1)
	return true
}

// DecRef drops a reference. Dropping the last one runs the release hooks in
// reverse order of registration.
func (r *Refs) DecRef() {
	v := r.refCount.Add(-1)
	switch {
	case int32(v) < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p", r))
	case int32(v) == 0:
		r.mu.Lock()
		r.released = true
		hooks := r.onRelease
		r.onRelease = nil
		r.mu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
	}
}

// OnRelease registers f to run when the last reference is dropped. If the
// object was already released, f runs immediately.
func (r *Refs) OnRelease(f func()) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		f()
		return
	}
	r.onRelease = append(r.onRelease, f)
	r.mu.Unlock()
}

// Released returns true once the last reference has been dropped.
func (r *Refs) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
