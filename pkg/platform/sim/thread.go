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

package sim

import (
	"errors"
	"fmt"
	"runtime"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/sync"
)

// Thread is a thread control block. It implements platform.Context for the
// goroutine playing the thread.
type Thread struct {
	kobj.Refs

	k    *Kernel
	utcb *platform.UTCB

	// dead is closed when the TCB is destroyed.
	dead chan struct{}

	// resume wakes a thread stopped by a fault on a FaultSignal kernel.
	resume chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	name string
	// +checklocks:mu
	cspace *capspace.CNode
	// +checklocks:mu
	vspace *VSpace
	// +checklocks:mu
	cpu int
	// +checklocks:mu
	ip hostarch.Addr
	// +checklocks:mu
	accesses uint64
	// pending is the call this thread received and has not replied to.
	//
	// +checklocks:mu
	pending *message
	// +checklocks:mu
	injectRecvErrors int
	// +checklocks:mu
	faultEP *capspace.Binding
	// +checklocks:mu
	faultSig platform.FaultSignaler
	// fault is the fault a thread is stopped on.
	//
	// +checklocks:mu
	fault *platform.FaultInfo
}

func newThread(k *Kernel) *Thread {
	t := &Thread{
		k:      k,
		utcb:   platform.NewUTCB(),
		dead:   make(chan struct{}),
		resume: make(chan struct{}, 1),
		name:   "unconfigured",
	}
	t.InitRefs()
	t.OnRelease(t.destroy)
	return t
}

// Type implements kobj.Object.Type.
func (*Thread) Type() kobj.Type { return kobj.TCB }

func (t *Thread) configure(cfg platform.ThreadConfig, vs *VSpace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = cfg.Name
	t.cspace = cfg.CSpace
	t.vspace = vs
	t.cpu = cfg.CPU
	t.ip = cfg.IP
}

func (t *Thread) destroy() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	close(t.dead)
	if pending != nil {
		// The caller must not wait for a reply that can never come.
		pending.reply <- result{err: coreerr.ErrDead}
	}
}

// Name returns the thread's name.
func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// CPU returns the thread's affinity.
func (t *Thread) CPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpu
}

// InjectReceiveError makes the next n receives fail as if the kernel had
// reported an error.
func (t *Thread) InjectReceiveError(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.injectRecvErrors += n
}

// UTCB implements platform.Context.UTCB.
func (t *Thread) UTCB() *platform.UTCB { return t.utcb }

// Destroyed implements platform.Context.Destroyed.
func (t *Thread) Destroyed() bool {
	select {
	case <-t.dead:
		return true
	default:
		return false
	}
}

// Halt implements platform.Context.Halt.
func (t *Thread) Halt() {
	log.Warningf("Thread %q halted", t.Name())
	<-t.dead
	runtime.Goexit()
}

func (t *Thread) lookupEndpoint(sel capability.Selector) (*Endpoint, capspace.Binding, error) {
	t.mu.Lock()
	cs := t.cspace
	t.mu.Unlock()
	if cs == nil {
		return nil, capspace.Binding{}, fmt.Errorf("thread %q has no capability space: %w", t.Name(), coreerr.ErrInvalidCapability)
	}
	b, err := cs.Lookup(sel)
	if err != nil {
		return nil, capspace.Binding{}, fmt.Errorf("selector %d: %v: %w", sel, err, coreerr.ErrInvalidCapability)
	}
	ep, ok := b.Object.(*Endpoint)
	if !ok {
		return nil, capspace.Binding{}, fmt.Errorf("selector %d names a %v: %w", sel, b.Object.Type(), coreerr.ErrInvalidCapability)
	}
	return ep, b, nil
}

// sendItems validates the first n send items against the capability space.
func (t *Thread) sendItems(n int) (*capspace.CNode, []capability.Selector, error) {
	if n < 0 || n > platform.MaxItems {
		return nil, nil, fmt.Errorf("%d send items: %w", n, coreerr.ErrMalformedMessage)
	}
	t.mu.Lock()
	cs := t.cspace
	t.mu.Unlock()
	if n == 0 {
		return cs, nil, nil
	}
	items := make([]capability.Selector, n)
	for i := range items {
		sel := t.utcb.SendItems[i]
		if _, err := cs.Lookup(sel); err != nil {
			return nil, nil, fmt.Errorf("send item %d (selector %d): %v: %w", i, sel, err, coreerr.ErrInvalidCapability)
		}
		items[i] = sel
	}
	return cs, items, nil
}

func checkWords(tag platform.Tag) error {
	if tag.Words < 0 || tag.Words > platform.NumMessageRegisters {
		return fmt.Errorf("%d message words: %w", tag.Words, coreerr.ErrMalformedMessage)
	}
	return nil
}

// deliverItems copies the capabilities from[items] into t's receive window
// and reports them in t's UTCB. A badged capability naming waitingOn is
// unwrapped instead.
func (t *Thread) deliverItems(from *capspace.CNode, items []capability.Selector, waitingOn *Endpoint) int {
	u := t.utcb
	t.mu.Lock()
	cs := t.cspace
	t.mu.Unlock()

	w := 0
	for i, sel := range items {
		ri := platform.ReceivedItem{Kind: platform.ItemNone, Badge: capability.InvalidBadge, Selector: capability.InvalidSelector}
		b, err := from.Lookup(sel)
		if err != nil {
			u.RecvItems[i] = ri
			continue
		}
		ri.Badge = b.Badge
		if waitingOn != nil && b.Object == kobj.Object(waitingOn) && b.Badge != capability.Unbadged {
			ri.Kind = platform.ItemUnwrapped
			u.RecvItems[i] = ri
			continue
		}
		for w < platform.MaxItems && u.RecvWindow[w] == capability.InvalidSelector {
			w++
		}
		if w == platform.MaxItems || cs == nil {
			log.Debugf("Thread %q: no receive window slot for item %d", t.Name(), i)
			u.RecvItems[i] = ri
			continue
		}
		slot := u.RecvWindow[w]
		w++
		if err := cs.Copy(from, sel, slot); err != nil {
			u.RecvItems[i] = ri
			continue
		}
		u.RecvWindow[w-1] = capability.InvalidSelector
		ri.Kind = platform.ItemDelegated
		ri.Selector = slot
		u.RecvItems[i] = ri
	}
	for i := len(items); i < platform.MaxItems; i++ {
		u.RecvItems[i] = platform.ReceivedItem{Badge: capability.InvalidBadge, Selector: capability.InvalidSelector}
	}
	return len(items)
}

// Call implements platform.Context.Call.
func (t *Thread) Call(sel capability.Selector, tag platform.Tag) (platform.Tag, error) {
	if err := checkWords(tag); err != nil {
		return platform.Tag{}, err
	}
	ep, b, err := t.lookupEndpoint(sel)
	if err != nil {
		return platform.Tag{}, err
	}
	from, items, err := t.sendItems(tag.Items)
	if err != nil {
		return platform.Tag{}, err
	}
	m := &message{
		sender: t,
		label:  platform.LabelIPC,
		mr:     append([]uint64(nil), t.utcb.MR[:tag.Words]...),
		from:   from,
		items:  items,
		badge:  b.Badge,
		reply:  make(chan result, 1),
	}
	return t.call(ep, m)
}

// call sends m to ep and waits for the reply, which the replier has already
// written into t's UTCB.
func (t *Thread) call(ep *Endpoint, m *message) (platform.Tag, error) {
	if err := ep.send(t, m); err != nil {
		return platform.Tag{}, fmt.Errorf("sending to endpoint: %w", err)
	}
	select {
	case r := <-m.reply:
		if r.err != nil {
			return platform.Tag{}, fmt.Errorf("waiting for reply: %w", r.err)
		}
		return r.tag, nil
	case <-t.dead:
		return platform.Tag{}, coreerr.ErrDead
	}
}

// Reply implements platform.Context.Reply.
func (t *Thread) Reply(tag platform.Tag) error {
	if err := checkWords(tag); err != nil {
		return err
	}
	t.mu.Lock()
	m := t.pending
	t.pending = nil
	t.mu.Unlock()
	if m == nil {
		return coreerr.ErrWouldBlock
	}
	from, items, err := t.sendItems(tag.Items)
	if err != nil {
		// The caller still gets a reply, without capabilities.
		log.Warningf("Thread %q: dropping reply items: %v", t.Name(), err)
		from, items = nil, nil
	}

	caller := m.sender
	out := platform.Tag{Label: platform.LabelIPC}
	if m.label == platform.LabelPageFault {
		caller.mu.Lock()
		caller.fault = nil
		caller.mu.Unlock()
		// Fault replies carry only a mapping.
		if tag.Map != nil {
			if err := caller.applyMap(*tag.Map); err != nil {
				log.Warningf("Thread %q: invalid fault reply: %v", t.Name(), err)
			}
		}
	} else if !caller.Destroyed() {
		copy(caller.utcb.MR[:], t.utcb.MR[:tag.Words])
		out.Words = tag.Words
		out.Items = caller.deliverItems(from, items, nil)
	}
	select {
	case m.reply <- result{tag: out}:
	default:
	}
	return nil
}

// ReplyRecv implements platform.Context.ReplyRecv.
func (t *Thread) ReplyRecv(sel capability.Selector, reply *platform.Tag) (platform.Tag, capability.Badge, error) {
	if reply != nil {
		if err := t.Reply(*reply); err != nil && !errors.Is(err, coreerr.ErrWouldBlock) {
			log.Warningf("Thread %q: reply failed: %v", t.Name(), err)
		}
	}
	ep, _, err := t.lookupEndpoint(sel)
	if err != nil {
		return platform.Tag{}, capability.InvalidBadge, err
	}

	t.mu.Lock()
	if m := t.pending; m != nil {
		t.pending = nil
		m.abandon()
	}
	inject := t.injectRecvErrors > 0
	if inject {
		t.injectRecvErrors--
	}
	t.mu.Unlock()
	if inject {
		return platform.Tag{}, capability.InvalidBadge, fmt.Errorf("injected receive error: %w", coreerr.ErrIPCFailed)
	}

	m, err := ep.recv(t)
	if err != nil {
		return platform.Tag{}, capability.InvalidBadge, fmt.Errorf("receiving: %w", err)
	}
	if m.label == platform.LabelPageFault {
		// The sender is stopped on the fault from now on, whether or not
		// it is ever answered.
		f := m.faultInfo()
		m.sender.mu.Lock()
		m.sender.fault = &f
		m.sender.mu.Unlock()
	}
	copy(t.utcb.MR[:], m.mr)
	tag := platform.Tag{Label: m.label, Words: len(m.mr)}
	if m.from != nil {
		tag.Items = t.deliverItems(m.from, m.items, ep)
	} else {
		t.deliverItems(nil, nil, nil)
	}

	t.mu.Lock()
	t.pending = m
	t.mu.Unlock()
	if t.Destroyed() {
		// Lost the race with destroy, which will not see m.
		t.mu.Lock()
		if t.pending == m {
			t.pending = nil
			m.reply <- result{err: coreerr.ErrDead}
		}
		t.mu.Unlock()
		return platform.Tag{}, capability.InvalidBadge, coreerr.ErrDead
	}
	return tag, m.badge, nil
}

func (t *Thread) applyMap(m platform.MapItem) error {
	t.mu.Lock()
	vs := t.vspace
	t.mu.Unlock()
	if vs == nil {
		return fmt.Errorf("thread %q has no address space: %w", t.Name(), coreerr.ErrBadMapping)
	}
	return vs.Map(m)
}

// Access implements platform.Context.Access.
func (t *Thread) Access(addr hostarch.Addr, at hostarch.AccessType) error {
	_, err := t.translate(addr, at)
	return err
}

// translate resolves addr for an access of type at, faulting until the
// access succeeds.
func (t *Thread) translate(addr hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, error) {
	t.mu.Lock()
	vs := t.vspace
	t.accesses++
	ip := t.ip + hostarch.Addr(4*t.accesses)
	t.mu.Unlock()
	if vs == nil {
		return 0, fmt.Errorf("thread %q has no address space: %w", t.Name(), coreerr.ErrBadMapping)
	}
	for {
		if t.Destroyed() {
			return 0, coreerr.ErrDead
		}
		pa, code, ok := vs.translate(addr, at)
		if ok {
			return pa, nil
		}
		if err := t.raiseFault(platform.FaultInfo{IP: ip, Addr: addr, ErrorCode: code}); err != nil {
			return 0, err
		}
	}
}

// raiseFault reports f to the thread's fault handler and blocks until the
// thread is resumed.
func (t *Thread) raiseFault(f platform.FaultInfo) error {
	t.mu.Lock()
	ep, sig := t.faultEP, t.faultSig
	if t.k.delivery == platform.FaultSignal && sig != nil {
		t.fault = &f
	}
	t.mu.Unlock()

	switch {
	case t.k.delivery == platform.FaultIPC && ep != nil:
		m := &message{
			sender: t,
			label:  platform.LabelPageFault,
			mr:     []uint64{uint64(f.Addr), uint64(f.IP), f.ErrorCode},
			badge:  ep.Badge,
			reply:  make(chan result, 1),
		}
		_, err := t.call(ep.Object.(*Endpoint), m)
		if err == nil || t.Destroyed() {
			return err
		}
		if errors.Is(err, errAbandoned) {
			// The pager left the fault unresolved. The thread stays
			// stopped until ResumeFault.
			return t.waitResume()
		}
		// A dead pager leaves the thread stopped.
		log.Warningf("Thread %q: fault at %v not delivered: %v", t.Name(), f.Addr, err)
	case t.k.delivery == platform.FaultSignal && sig != nil:
		sig.Submit(1)
		return t.waitResume()
	default:
		log.Warningf("Thread %q: fault at %v (ip %v, code %#x) with no handler", t.Name(), f.Addr, f.IP, f.ErrorCode)
	}
	<-t.dead
	return coreerr.ErrDead
}

func (t *Thread) waitResume() error {
	select {
	case <-t.resume:
		return nil
	case <-t.dead:
		return coreerr.ErrDead
	}
}

// ReadMem implements platform.Context.ReadMem.
func (t *Thread) ReadMem(addr hostarch.Addr, dst []byte) error {
	return t.copyMem(addr, len(dst), hostarch.Read, func(b []byte, off int) { copy(dst[off:], b) })
}

// WriteMem implements platform.Context.WriteMem.
func (t *Thread) WriteMem(addr hostarch.Addr, src []byte) error {
	return t.copyMem(addr, len(src), hostarch.Write, func(b []byte, off int) { copy(b, src[off:]) })
}

func (t *Thread) copyMem(addr hostarch.Addr, n int, at hostarch.AccessType, f func(b []byte, off int)) error {
	if _, ok := addr.AddLength(uint64(n)); !ok {
		return fmt.Errorf("range [%v, +%#x) overflows: %w", addr, n, coreerr.ErrBadMapping)
	}
	for off := 0; off < n; {
		va := addr + hostarch.Addr(off)
		chunk := min(n-off, int(hostarch.PageSize-va.PageOffset()))
		pa, err := t.translate(va, at)
		if err != nil {
			return err
		}
		b, err := t.k.mem.Arena().Slice(pa, uint64(chunk))
		if err != nil {
			return err
		}
		f(b, off)
		off += chunk
	}
	return nil
}
