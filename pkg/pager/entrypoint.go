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
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/ipc"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/signal"
	"capcore.dev/capcore/pkg/sync"
)

// Config describes where an entrypoint gets its resources.
type Config struct {
	Kernel platform.Kernel
	CSpace *capspace.CNode
	Minter *capspace.Minter
	Alloc  *capspace.Allocator
	Caps   *ipc.CapTable
	Badges *capspace.BadgeAllocator

	// Threads is the number of entrypoint threads on kernels delivering
	// faults by IPC. Zero means one per CPU. Kernels delivering faults by
	// signal always use one.
	Threads int
}

// cpuThread is an entrypoint thread receiving fault IPC on its own endpoint.
type cpuThread struct {
	cpu    int
	ep     capability.Selector
	tcbSel capability.Selector
	thread platform.Context
}

// Entrypoint is the set of threads that resolve faults on behalf of pager
// objects. It owns the objects it manages, keyed by the badge of their pager
// capability.
type Entrypoint struct {
	cfg Config

	// threads serve FaultIPC kernels.
	threads []*cpuThread

	// ntfnSel and receiver serve FaultSignal kernels.
	ntfnSel  capability.Selector
	receiver *signal.Receiver

	gate     sync.Gate
	stopOnce sync.Once

	mu sync.Mutex
	// +checklocks:mu
	objects map[capability.Badge]*Object
	// bound maps a TCB to the object paging it.
	//
	// +checklocks:mu
	bound map[kobj.Object]*Object
}

// New creates the kernel objects of an entrypoint. Faults are not handled
// until Serve is called.
func New(cfg Config) (*Entrypoint, error) {
	e := &Entrypoint{
		cfg:     cfg,
		ntfnSel: capability.InvalidSelector,
		objects: make(map[capability.Badge]*Object),
		bound:   make(map[kobj.Object]*Object),
	}
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	construct := func(typ kobj.Type) (kobj.Object, capability.Selector, error) {
		sel, err := cfg.Alloc.Alloc()
		if err != nil {
			return nil, 0, err
		}
		obj, err := cfg.Kernel.Construct(cfg.CSpace, sel, typ, 0)
		if err != nil {
			cfg.Alloc.Free(sel)
			return nil, 0, err
		}
		cu.Add(func() {
			cfg.CSpace.Remove(sel)
			cfg.Alloc.Free(sel)
		})
		return obj, sel, nil
	}

	switch d := cfg.Kernel.FaultDelivery(); d {
	case platform.FaultIPC:
		cpus := max(cfg.Kernel.NumCPUs(), 1)
		n := cfg.Threads
		if n <= 0 {
			n = cpus
		}
		for i := 0; i < n; i++ {
			_, ep, err := construct(kobj.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("creating pager endpoint %d: %w", i, err)
			}
			tcb, tcbSel, err := construct(kobj.TCB)
			if err != nil {
				return nil, fmt.Errorf("creating pager thread %d: %w", i, err)
			}
			t := &cpuThread{cpu: i % cpus, ep: ep, tcbSel: tcbSel}
			if err := cfg.Kernel.ConfigureThread(tcb, platform.ThreadConfig{
				Name:   fmt.Sprintf("pager-%d", i),
				CSpace: cfg.CSpace,
				CPU:    t.cpu,
			}); err != nil {
				return nil, fmt.Errorf("configuring pager thread %d: %w", i, err)
			}
			if t.thread, err = cfg.Kernel.Context(tcb); err != nil {
				return nil, err
			}
			e.threads = append(e.threads, t)
		}
	case platform.FaultSignal:
		obj, sel, err := construct(kobj.Notification)
		if err != nil {
			return nil, fmt.Errorf("creating pager notification: %w", err)
		}
		n, ok := obj.(platform.Notifier)
		if !ok {
			return nil, fmt.Errorf("notification %v cannot be waited on: %w", obj, coreerr.ErrWrongType)
		}
		e.ntfnSel = sel
		e.receiver = signal.NewReceiver(n)
	default:
		return nil, fmt.Errorf("unsupported fault delivery %v", d)
	}
	cu.Release()
	return e, nil
}

// Threads returns the number of entrypoint threads.
func (e *Entrypoint) Threads() int {
	if e.receiver != nil {
		return 1
	}
	return len(e.threads)
}

// threadFor returns the entrypoint thread serving faults of threads on cpu.
func (e *Entrypoint) threadFor(cpu int) *cpuThread {
	if cpu < 0 {
		cpu = 0
	}
	for _, t := range e.threads {
		if t.cpu == cpu {
			return t
		}
	}
	return e.threads[cpu%len(e.threads)]
}

// Manage publishes o and returns its pager capability. An object is managed
// by at most one entrypoint at a time.
func (e *Entrypoint) Manage(o *Object) (capability.Capability, error) {
	o.mu.Lock()
	if o.ep != nil || o.state == StateDestroyed {
		o.mu.Unlock()
		return capability.Invalid(), fmt.Errorf("managing pager of %q: %w", o.info.ThreadName, coreerr.ErrPagerExists)
	}
	// Reserve o while its capability is created.
	o.ep = e
	o.mu.Unlock()

	cu := cleanup.Make(func() {
		o.mu.Lock()
		o.ep = nil
		o.mu.Unlock()
	})
	defer cu.Clean()

	badge := e.cfg.Badges.Next()
	var (
		target capability.Selector
		sig    *signal.Context
	)
	if e.receiver != nil {
		var err error
		if sig, err = e.receiver.NewContext(uint64(badge)); err != nil {
			return capability.Invalid(), err
		}
		cu.Add(func() { sig.Kill() })
		target = e.ntfnSel
	} else {
		target = e.threadFor(o.info.CPU).ep
	}

	sel, err := e.cfg.Alloc.Alloc()
	if err != nil {
		return capability.Invalid(), fmt.Errorf("managing pager of %q: %w", o.info.ThreadName, err)
	}
	if err := e.cfg.CSpace.Mint(e.cfg.Minter, e.cfg.CSpace, target, sel, badge); err != nil {
		e.cfg.Alloc.Free(sel)
		return capability.Invalid(), fmt.Errorf("managing pager of %q: %w", o.info.ThreadName, err)
	}
	c := e.cfg.Caps.Insert(badge, sel)
	cu.Release()

	o.mu.Lock()
	o.badge = badge
	o.cap = c
	o.sig = sig
	o.state = StateActive
	o.mu.Unlock()

	e.mu.Lock()
	e.objects[badge] = o
	e.mu.Unlock()
	return c, nil
}

// Bind makes o the pager of its thread. A thread has at most one pager.
func (e *Entrypoint) Bind(o *Object) error {
	o.mu.Lock()
	managed := o.ep == e && o.state != StateDestroyed
	c, sig := o.cap, o.sig
	o.mu.Unlock()
	if !managed {
		return fmt.Errorf("binding pager of %q: %w", o.info.ThreadName, coreerr.ErrNoPager)
	}
	tcb := o.info.Thread

	e.mu.Lock()
	if other, ok := e.bound[tcb]; ok && other != o {
		e.mu.Unlock()
		return fmt.Errorf("binding pager of %q: %w", o.info.ThreadName, coreerr.ErrPagerExists)
	}
	e.bound[tcb] = o
	e.mu.Unlock()

	var err error
	if sig != nil {
		err = e.cfg.Kernel.BindFaultSignal(tcb, sig)
	} else {
		var b capspace.Binding
		if b, err = e.cfg.CSpace.Lookup(c.Selector()); err == nil {
			err = e.cfg.Kernel.BindFaultEndpoint(tcb, b)
		}
	}
	if err != nil {
		e.mu.Lock()
		if e.bound[tcb] == o {
			delete(e.bound, tcb)
		}
		e.mu.Unlock()
		return fmt.Errorf("binding pager of %q: %w", o.info.ThreadName, err)
	}
	return nil
}

// Dissolve withdraws o. Later faults of its thread are reported as
// unhandled.
func (e *Entrypoint) Dissolve(o *Object) {
	o.mu.Lock()
	if o.ep != e {
		o.mu.Unlock()
		return
	}
	badge, sig := o.badge, o.sig
	o.ep = nil
	o.state = StateDestroyed
	o.badge = capability.InvalidBadge
	o.cap = capability.Invalid()
	o.sig = nil
	o.mu.Unlock()

	e.mu.Lock()
	delete(e.objects, badge)
	if e.bound[o.info.Thread] == o {
		delete(e.bound, o.info.Thread)
	}
	e.mu.Unlock()

	if sig != nil {
		sig.Kill()
	}
	e.cfg.Caps.Remove(badge)
}

// Lookup returns the object managed under badge.
func (e *Entrypoint) Lookup(badge capability.Badge) (*Object, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.objects[badge]
	return o, ok
}

// PagerOf returns the object bound to the thread tcb.
func (e *Entrypoint) PagerOf(tcb kobj.Object) (*Object, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.bound[tcb]
	return o, ok
}

// Managed returns the number of managed objects.
func (e *Entrypoint) Managed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.objects)
}

// Serve runs the entrypoint threads until ctx is done or the entrypoint is
// closed. Each thread runs on its own goroutine.
func (e *Entrypoint) Serve(ctx context.Context) error {
	if !e.gate.Enter() {
		return coreerr.ErrDead
	}
	defer e.gate.Leave()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		e.stop()
		return nil
	})
	if e.receiver != nil {
		g.Go(e.serveSignals)
	} else {
		for _, t := range e.threads {
			t := t
			g.Go(func() error { return e.serveIPC(t) })
		}
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, coreerr.ErrDead) {
		// Closed.
		return nil
	}
	return err
}

// serveIPC receives fault messages on t's endpoint.
func (e *Entrypoint) serveIPC(t *cpuThread) error {
	srv := ipc.NewServer(t.thread, e.cfg.Caps, t.ep)
	var reply *platform.Tag
	for {
		tag, badge, err := srv.Receive(reply)
		reply = nil
		if err != nil {
			return err
		}
		f, err := faultFromMessage(t.thread.UTCB(), tag)
		if err != nil {
			diag.Warningf("Pager thread on CPU %d: dropping message from %v: %v", t.cpu, badge, err)
			continue
		}
		if m, ok := e.handle(badge, f); ok {
			item := m.MapItem()
			reply = &platform.Tag{Label: platform.LabelPageFault, Map: &item}
		}
	}
}

// serveSignals handles fault signals and replies by resuming the thread.
func (e *Entrypoint) serveSignals() error {
	for {
		s, err := e.receiver.WaitForSignal()
		if err != nil {
			return err
		}
		e.handleSignal(s)
		s.Context.Ack()
	}
}

func (e *Entrypoint) handleSignal(s signal.Signal) {
	badge := capability.Badge(s.Imprint)
	o, ok := e.Lookup(badge)
	if !ok {
		unhandledMetric.Increment()
		diag.Warningf("Unhandled fault signal for badge %v", badge)
		return
	}
	f, err := faultFromState(e.cfg.Kernel, o.info.Thread)
	if err != nil {
		diag.Warningf("Fault signal for %q without fault state: %v", o.info.ThreadName, err)
		return
	}
	m, ok := o.handleFault(f)
	if !ok {
		return
	}
	item := m.MapItem()
	if err := e.cfg.Kernel.ResumeFault(o.info.Thread, &item); err != nil {
		log.Warningf("Resuming %q after %v: %v", o.info.ThreadName, f, err)
	}
}

// handle resolves a fault reported under badge.
func (e *Entrypoint) handle(badge capability.Badge, f *fault) (*Mapping, bool) {
	o, ok := e.Lookup(badge)
	if !ok {
		unhandledMetric.Increment()
		diag.Warningf("Unhandled %v: no pager object for badge %v", f, badge)
		return nil, false
	}
	return o.handleFault(f)
}

// stop destroys the entrypoint threads, which ends Serve.
func (e *Entrypoint) stop() {
	e.stopOnce.Do(func() {
		for _, t := range e.threads {
			if err := e.cfg.CSpace.Remove(t.tcbSel); err != nil {
				log.Warningf("Destroying pager thread on CPU %d: %v", t.cpu, err)
			}
			e.cfg.Alloc.Free(t.tcbSel)
		}
		if e.receiver != nil {
			e.receiver.Dissolve()
		}
	})
}

// Close stops the entrypoint, waits for Serve to return, dissolves all
// objects and releases the entrypoint's kernel objects.
func (e *Entrypoint) Close() {
	e.stop()
	e.gate.Close()

	e.mu.Lock()
	objs := make([]*Object, 0, len(e.objects))
	for _, o := range e.objects {
		objs = append(objs, o)
	}
	e.mu.Unlock()
	for _, o := range objs {
		e.Dissolve(o)
	}

	for _, t := range e.threads {
		if err := e.cfg.CSpace.Remove(t.ep); err != nil {
			log.Warningf("Destroying pager endpoint on CPU %d: %v", t.cpu, err)
		}
		e.cfg.Alloc.Free(t.ep)
	}
	if e.ntfnSel != capability.InvalidSelector {
		if err := e.cfg.CSpace.Remove(e.ntfnSel); err != nil {
			log.Warningf("Destroying pager notification: %v", err)
		}
		e.cfg.Alloc.Free(e.ntfnSel)
	}
}
