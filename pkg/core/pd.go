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
	"math/bits"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/signal"
	"capcore.dev/capcore/pkg/sync"
	"capcore.dev/capcore/pkg/untyped"
)

// Quota bounds the resources a session may consume.
type Quota struct {
	// CapSlots is the size of the session's capability space, including
	// the reserved null selector.
	CapSlots uint32

	// RAM is the number of untyped bytes the session's kernel objects and
	// pages may consume.
	RAM uint64
}

// PD is a protection-domain session: a capability space, an address space
// and the threads running in them. Every object a PD creates is paid from
// its quota, so exhausting one session leaves the others unaffected.
type PD struct {
	core  *Core
	id    uint64
	label string
	quota Quota

	// cnodeSel names cspace in the core capability space.
	cnodeSel capability.Selector
	cspace   *capspace.CNode
	alloc    *capspace.Allocator
	vspace   kobj.Object
	regions  *RegionMap

	// sessionCap names the session object on the root entrypoint.
	sessionCap capability.Capability

	mu sync.Mutex
	// +checklocks:mu
	ram uint64
	// +checklocks:mu
	closed bool
	// +checklocks:mu
	threads map[string]*PlatformThread
	// +checklocks:mu
	nextThread uint64
	// +checklocks:mu
	receivers []*signal.Receiver
	// rpcCaps maps the badge of each allocated RPC capability to its
	// selector.
	//
	// +checklocks:mu
	rpcCaps map[capability.Badge]capability.Selector
	// +checklocks:mu
	pages []untyped.Region
}

// CreatePD opens a session labelled label with the given quota. An empty
// label is replaced by one derived from the session id.
func (c *Core) CreatePD(label string, q Quota) (*PD, error) {
	if q.CapSlots < 2 {
		return nil, fmt.Errorf("session %q: capability quota %d: %w", label, q.CapSlots, coreerr.ErrQuotaExceeded)
	}
	sizeLog2 := uint(bits.Len32(q.CapSlots - 1))
	if sizeLog2 > capspace.MaxSizeLog2 {
		return nil, fmt.Errorf("session %q: %d slots: %w", label, q.CapSlots, coreerr.ErrCapSpaceFull)
	}
	c.mu.Lock()
	c.nextSession++
	id := c.nextSession
	c.mu.Unlock()
	if label == "" {
		label = fmt.Sprintf("session-%d", id)
	}

	pd := &PD{
		core:    c,
		id:      id,
		label:   label,
		quota:   q,
		alloc:   capspace.NewAllocator(q.CapSlots, 1),
		threads: make(map[string]*PlatformThread),
		rpcCaps: make(map[capability.Badge]capability.Selector),
	}
	pd.regions = newRegionMap(pd)

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	// The capability space itself is paid from the RAM quota.
	cnodeSize := uint64(1) << kobj.CNode.SizeLog2(sizeLog2)
	if err := pd.charge(cnodeSize); err != nil {
		return nil, err
	}
	sel, err := c.alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", label, err)
	}
	cu.Add(func() { c.alloc.Free(sel) })
	obj, err := c.kernel.Construct(c.cspace, sel, kobj.CNode, sizeLog2)
	if err != nil {
		return nil, fmt.Errorf("session %q: creating capability space: %w", label, err)
	}
	cu.Add(func() { c.cspace.Remove(sel) })
	pd.cnodeSel = sel
	pd.cspace = obj.(*capspace.CNode)

	if pd.vspace, _, err = pd.construct(kobj.VSpace, 0); err != nil {
		return nil, fmt.Errorf("session %q: creating address space: %w", label, err)
	}
	if pd.sessionCap, err = c.root.Manage(&sessionService{pd: pd}); err != nil {
		return nil, fmt.Errorf("session %q: %w", label, err)
	}
	cu.Release()

	c.mu.Lock()
	c.sessions[id] = pd
	c.mu.Unlock()
	sessionsMetric.Increment()
	log.Debugf("Session %d %q: %d slots, %d KiB RAM", id, label, q.CapSlots, q.RAM>>10)
	return pd, nil
}

// ID returns the session id.
func (pd *PD) ID() uint64 {
	return pd.id
}

// Label returns the session label.
func (pd *PD) Label() string {
	return pd.label
}

// CSpace returns the session's capability space.
func (pd *PD) CSpace() *capspace.CNode {
	return pd.cspace
}

// RegionMap returns the session's address-space layout.
func (pd *PD) RegionMap() *RegionMap {
	return pd.regions
}

// Capability returns the session capability. Invoking it is the only way to
// operate on the session over RPC.
func (pd *PD) Capability() capability.Capability {
	return pd.sessionCap
}

// Quota returns the session quota.
func (pd *PD) Quota() Quota {
	return pd.quota
}

// Used returns the consumed part of the quota.
func (pd *PD) Used() Quota {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return Quota{CapSlots: pd.quota.CapSlots - pd.alloc.Available(), RAM: pd.ram}
}

// charge takes n bytes from the RAM quota.
func (pd *PD) charge(n uint64) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		return fmt.Errorf("session %q: %w", pd.label, coreerr.ErrDead)
	}
	if pd.ram+n > pd.quota.RAM {
		quotaMetric.Increment()
		return fmt.Errorf("session %q: %d of %d bytes used, %d requested: %w", pd.label, pd.ram, pd.quota.RAM, n, coreerr.ErrQuotaExceeded)
	}
	pd.ram += n
	return nil
}

func (pd *PD) refund(n uint64) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.ram -= n
}

// allocSel takes a selector from the capability quota.
func (pd *PD) allocSel() (capability.Selector, error) {
	sel, err := pd.alloc.Alloc()
	if err != nil {
		quotaMetric.Increment()
		return capability.InvalidSelector, fmt.Errorf("session %q: %w (%v)", pd.label, coreerr.ErrQuotaExceeded, err)
	}
	return sel, nil
}

// construct creates a kernel object in the session's capability space.
func (pd *PD) construct(typ kobj.Type, param uint) (kobj.Object, capability.Selector, error) {
	size := uint64(1) << typ.SizeLog2(param)
	if err := pd.charge(size); err != nil {
		return nil, 0, err
	}
	sel, err := pd.allocSel()
	if err != nil {
		pd.refund(size)
		return nil, 0, err
	}
	obj, err := pd.core.kernel.Construct(pd.cspace, sel, typ, param)
	if err != nil {
		pd.alloc.Free(sel)
		pd.refund(size)
		return nil, 0, err
	}
	return obj, sel, nil
}

// destroy removes an object created by construct.
func (pd *PD) destroy(typ kobj.Type, param uint, sel capability.Selector) {
	if err := pd.cspace.Remove(sel); err != nil {
		log.Warningf("Session %q: destroying %v at %d: %v", pd.label, typ, sel, err)
		return
	}
	pd.alloc.Free(sel)
	pd.refund(uint64(1) << typ.SizeLog2(param))
}

// allocPage takes a page of untyped memory from the RAM quota.
func (pd *PD) allocPage() (untyped.Region, error) {
	if err := pd.charge(hostarch.PageSize); err != nil {
		return untyped.Region{}, err
	}
	r, err := pd.core.mem.AllocPage()
	if err != nil {
		pd.refund(hostarch.PageSize)
		return untyped.Region{}, err
	}
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.closed {
		pd.core.mem.Release(r)
		return untyped.Region{}, fmt.Errorf("session %q: %w", pd.label, coreerr.ErrDead)
	}
	pd.pages = append(pd.pages, r)
	return r, nil
}

// CreateThread creates a thread named name running in the session. A
// negative cpu places the thread on the least loaded CPU.
func (pd *PD) CreateThread(name string, cpu int) (*PlatformThread, error) {
	s, err := pd.core.placeThread(cpu)
	if err != nil {
		return nil, fmt.Errorf("session %q: thread %q: %w", pd.label, name, err)
	}
	pd.mu.Lock()
	_, dup := pd.threads[name]
	pd.mu.Unlock()
	if dup {
		return nil, fmt.Errorf("session %q: thread %q: %w", pd.label, name, coreerr.ErrSlotOccupied)
	}

	tcb, sel, err := pd.construct(kobj.TCB, 0)
	if err != nil {
		return nil, fmt.Errorf("session %q: thread %q: %w", pd.label, name, err)
	}
	cu := cleanup.Make(func() { pd.destroy(kobj.TCB, 0, sel) })
	defer cu.Clean()

	if err := pd.core.kernel.ConfigureThread(tcb, platform.ThreadConfig{
		Name:   pd.label + "/" + name,
		CSpace: pd.cspace,
		VSpace: pd.vspace,
		CPU:    s.id,
	}); err != nil {
		return nil, err
	}
	ctx, err := pd.core.kernel.Context(tcb)
	if err != nil {
		return nil, err
	}
	t := &PlatformThread{pd: pd, name: name, cpu: s, tcb: tcb, sel: sel, ctx: ctx}
	if err := pd.core.registry.Register(t); err != nil {
		return nil, err
	}
	cu.Add(func() { pd.core.registry.Unregister(t) })

	pd.mu.Lock()
	if pd.closed {
		pd.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", pd.label, coreerr.ErrDead)
	}
	if _, dup := pd.threads[name]; dup {
		pd.mu.Unlock()
		return nil, fmt.Errorf("session %q: thread %q: %w", pd.label, name, coreerr.ErrSlotOccupied)
	}
	pd.threads[name] = t
	pd.mu.Unlock()
	cu.Release()

	s.threads.Add(1)
	threadsMetric.Increment()
	return t, nil
}

// nextThreadIndex returns a thread index never used before in the session.
func (pd *PD) nextThreadIndex() uint64 {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	n := pd.nextThread
	pd.nextThread++
	return n
}

// Thread returns the thread named name.
func (pd *PD) Thread(name string) (*PlatformThread, bool) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	t, ok := pd.threads[name]
	return t, ok
}

// DestroyThread destroys the thread named name. Its pager is dissolved.
func (pd *PD) DestroyThread(name string) error {
	pd.mu.Lock()
	t, ok := pd.threads[name]
	delete(pd.threads, name)
	pd.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q: thread %q: %w", pd.label, name, coreerr.ErrSlotEmpty)
	}
	t.destroy()
	return nil
}

// CreateEndpoint creates an endpoint in the session's capability space, for
// use with AllocRPCCap.
func (pd *PD) CreateEndpoint() (capability.Selector, error) {
	_, sel, err := pd.construct(kobj.Endpoint, 0)
	if err != nil {
		return capability.InvalidSelector, fmt.Errorf("session %q: creating endpoint: %w", pd.label, err)
	}
	return sel, nil
}

// AllocRPCCap mints a badged capability naming the endpoint ep of the
// session. The session's entrypoint identifies its objects by the badge.
func (pd *PD) AllocRPCCap(ep capability.Selector) (capability.Capability, error) {
	b, err := pd.cspace.Lookup(ep)
	if err != nil {
		return capability.Invalid(), fmt.Errorf("session %q: endpoint %d: %w", pd.label, ep, err)
	}
	if b.Object.Type() != kobj.Endpoint {
		return capability.Invalid(), fmt.Errorf("session %q: %v at %d: %w", pd.label, b.Object.Type(), ep, coreerr.ErrWrongType)
	}
	sel, err := pd.allocSel()
	if err != nil {
		return capability.Invalid(), err
	}
	badge := pd.core.badges.Next()
	if err := pd.cspace.Mint(pd.core.minter, pd.cspace, ep, sel, badge); err != nil {
		pd.alloc.Free(sel)
		return capability.Invalid(), fmt.Errorf("session %q: %w", pd.label, err)
	}
	pd.mu.Lock()
	pd.rpcCaps[badge] = sel
	pd.mu.Unlock()
	return capability.New(sel, badge), nil
}

// FreeRPCCap revokes a capability returned by AllocRPCCap.
func (pd *PD) FreeRPCCap(c capability.Capability) error {
	pd.mu.Lock()
	sel, ok := pd.rpcCaps[c.Badge()]
	if ok && sel == c.Selector() {
		delete(pd.rpcCaps, c.Badge())
	}
	pd.mu.Unlock()
	if !ok || sel != c.Selector() {
		return fmt.Errorf("session %q: %v: %w", pd.label, c, coreerr.ErrInvalidCapability)
	}
	if err := pd.cspace.Remove(sel); err != nil {
		return err
	}
	pd.alloc.Free(sel)
	return nil
}

// AllocSignalReceiver creates a signal receiver backed by a notification of
// the session.
func (pd *PD) AllocSignalReceiver() (*signal.Receiver, error) {
	obj, sel, err := pd.construct(kobj.Notification, 0)
	if err != nil {
		return nil, fmt.Errorf("session %q: creating signal receiver: %w", pd.label, err)
	}
	n, ok := obj.(platform.Notifier)
	if !ok {
		pd.destroy(kobj.Notification, 0, sel)
		return nil, fmt.Errorf("session %q: notification %v cannot be waited on: %w", pd.label, obj, coreerr.ErrWrongType)
	}
	r := signal.NewReceiver(n)
	pd.mu.Lock()
	if pd.closed {
		pd.mu.Unlock()
		r.Dissolve()
		pd.destroy(kobj.Notification, 0, sel)
		return nil, fmt.Errorf("session %q: %w", pd.label, coreerr.ErrDead)
	}
	pd.receivers = append(pd.receivers, r)
	pd.mu.Unlock()
	return r, nil
}

// Close destroys the session and everything it created. Its quota is
// returned to core.
func (pd *PD) Close() {
	pd.mu.Lock()
	if pd.closed {
		pd.mu.Unlock()
		return
	}
	pd.closed = true
	threads := pd.threads
	pd.threads = make(map[string]*PlatformThread)
	receivers := pd.receivers
	pd.receivers = nil
	pages := pd.pages
	pd.pages = nil
	pd.rpcCaps = make(map[capability.Badge]capability.Selector)
	pd.mu.Unlock()

	pd.core.root.Dissolve(pd.sessionCap)
	for _, t := range threads {
		t.destroy()
	}
	for _, r := range receivers {
		r.Dissolve()
	}
	pd.regions.clear()
	pd.cspace.Clear()
	c := pd.core
	if err := c.cspace.Remove(pd.cnodeSel); err != nil {
		log.Warningf("Session %q: destroying capability space: %v", pd.label, err)
	} else {
		c.alloc.Free(pd.cnodeSel)
	}
	// Nothing maps the pages any longer.
	for _, r := range pages {
		c.mem.Release(r)
	}

	c.mu.Lock()
	delete(c.sessions, pd.id)
	c.mu.Unlock()
	log.Debugf("Session %d %q closed", pd.id, pd.label)
}
