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

package core

import (
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/pager"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/sync"
)

// PlatformThread is a thread of a session.
type PlatformThread struct {
	pd   *PD
	name string
	cpu  *cpuState
	tcb  kobj.Object
	sel  capability.Selector
	ctx  platform.Context

	mu sync.Mutex
	// +checklocks:mu
	pager *pager.Object
	// +checklocks:mu
	destroyed bool
}

// Name returns the thread name.
func (t *PlatformThread) Name() string {
	return t.name
}

// FullName returns the name qualified by the session label.
func (t *PlatformThread) FullName() string {
	return t.pd.label + "/" + t.name
}

// PD returns the session the thread runs in.
func (t *PlatformThread) PD() *PD {
	return t.pd
}

// CPU returns the thread's CPU.
func (t *PlatformThread) CPU() int {
	return t.cpu.id
}

// TCB returns the thread control block.
func (t *PlatformThread) TCB() kobj.Object {
	return t.tcb
}

// Context returns the thread's system call interface. The caller plays the
// thread.
func (t *PlatformThread) Context() platform.Context {
	return t.ctx
}

// Pager makes r the pager of the thread. A thread has at most one pager.
func (t *PlatformThread) Pager(r pager.Resolver) (*pager.Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return nil, fmt.Errorf("thread %q: %w", t.FullName(), coreerr.ErrDead)
	}
	if t.pager != nil {
		return nil, fmt.Errorf("thread %q: %w", t.FullName(), coreerr.ErrPagerExists)
	}
	ep := t.pd.core.pager
	o := pager.NewObject(pager.Info{
		Thread:     t.tcb,
		ThreadName: t.name,
		PDLabel:    t.pd.label,
		CPU:        t.cpu.id,
	}, r)
	if _, err := ep.Manage(o); err != nil {
		return nil, err
	}
	if err := ep.Bind(o); err != nil {
		ep.Dissolve(o)
		return nil, err
	}
	t.pager = o
	return o, nil
}

// PagerObject returns the thread's pager object, or nil.
func (t *PlatformThread) PagerObject() *pager.Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pager
}

// destroy dissolves the pager and destroys the TCB. Goroutines playing the
// thread see platform.Context.Destroyed.
func (t *PlatformThread) destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	o := t.pager
	t.pager = nil
	t.mu.Unlock()

	if o != nil {
		t.pd.core.pager.Dissolve(o)
	}
	t.pd.core.registry.Unregister(t)
	t.cpu.threads.Add(-1)
	t.pd.destroy(kobj.TCB, 0, t.sel)
}
