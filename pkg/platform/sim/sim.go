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

// Package sim is an in-process kernel with seL4 and Fiasco.OC semantics.
//
// Endpoints are rendezvous points with a FIFO queue of blocked senders. A
// thread that receives a call holds the single reply right for it until it
// replies or receives again. Capabilities named in a message are copied into
// the receiver's receive window (delegated), except for badged capabilities
// naming the endpoint the receiver waits on, of which only the badge is
// reported (unwrapped).
//
// User memory accesses are simulated with Thread.Access. A miss produces an
// x86 page fault error code and is reported either as a fault IPC
// ("sim-ipc") or as a signal plus fault-state system call ("sim-hw").
package sim

import (
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/untyped"
)

// Names of the registered kernels.
const (
	IPCName    = "sim-ipc"
	SignalName = "sim-hw"
)

// Kernel implements platform.Kernel.
type Kernel struct {
	name     string
	delivery platform.FaultDelivery
	mem      *untyped.Memory
	numCPUs  int
}

// New returns a kernel allocating its objects from opts.Memory.
func New(name string, delivery platform.FaultDelivery, opts platform.Options) (*Kernel, error) {
	if opts.Memory == nil {
		return nil, fmt.Errorf("kernel %q requires untyped memory", name)
	}
	if opts.NumCPUs < 1 {
		return nil, fmt.Errorf("kernel %q requires at least one CPU, got %d", name, opts.NumCPUs)
	}
	log.Infof("Kernel %q: %d CPUs, %d bytes untyped, faults by %v", name, opts.NumCPUs, opts.Memory.Avail(), delivery)
	return &Kernel{
		name:     name,
		delivery: delivery,
		mem:      opts.Memory,
		numCPUs:  opts.NumCPUs,
	}, nil
}

// Name implements platform.Kernel.Name.
func (k *Kernel) Name() string { return k.name }

// FaultDelivery implements platform.Kernel.FaultDelivery.
func (k *Kernel) FaultDelivery() platform.FaultDelivery { return k.delivery }

// NumCPUs implements platform.Kernel.NumCPUs.
func (k *Kernel) NumCPUs() int { return k.numCPUs }

// Construct implements platform.Kernel.Construct.
func (k *Kernel) Construct(cn *capspace.CNode, idx capability.Selector, typ kobj.Type, param uint) (kobj.Object, error) {
	switch typ {
	case kobj.Endpoint:
		return object(untyped.Create(k.mem, cn, idx, typ, param, func(untyped.Region) (*Endpoint, error) {
			return newEndpoint(), nil
		}))
	case kobj.Notification:
		return object(untyped.Create(k.mem, cn, idx, typ, param, func(untyped.Region) (*Notification, error) {
			return newNotification(), nil
		}))
	case kobj.TCB:
		return object(untyped.Create(k.mem, cn, idx, typ, param, func(untyped.Region) (*Thread, error) {
			return newThread(k), nil
		}))
	case kobj.VSpace:
		return object(untyped.Create(k.mem, cn, idx, typ, param, func(untyped.Region) (*VSpace, error) {
			return newVSpace(k), nil
		}))
	case kobj.CNode:
		return object(untyped.Create(k.mem, cn, idx, typ, param, func(untyped.Region) (*capspace.CNode, error) {
			return capspace.NewCNode(param)
		}))
	case kobj.Frame, kobj.HugeFrame:
		if !cn.Empty(idx) {
			return nil, fmt.Errorf("creating %v at %d: %w", typ, idx, coreerr.ErrSlotOccupied)
		}
		f, err := k.mem.NewFrame(typ)
		if err != nil {
			return nil, err
		}
		if err := cn.Install(idx, f, capability.AllRights); err != nil {
			f.DecRef()
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("creating %v: %w", typ, coreerr.ErrRetype)
	}
}

// object converts a typed creation result, keeping a nil object nil.
func object[K kobj.Object](o K, err error) (kobj.Object, error) {
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (k *Kernel) thread(tcb kobj.Object) (*Thread, error) {
	t, ok := tcb.(*Thread)
	if !ok || t.k != k {
		return nil, fmt.Errorf("%v is not a thread of kernel %q: %w", tcb, k.name, coreerr.ErrWrongType)
	}
	return t, nil
}

// ConfigureThread implements platform.Kernel.ConfigureThread.
func (k *Kernel) ConfigureThread(tcb kobj.Object, cfg platform.ThreadConfig) error {
	t, err := k.thread(tcb)
	if err != nil {
		return err
	}
	if cfg.CSpace == nil {
		return fmt.Errorf("thread %q has no capability space", cfg.Name)
	}
	if cfg.CPU < 0 || cfg.CPU >= k.numCPUs {
		return fmt.Errorf("thread %q: CPU %d out of range [0, %d)", cfg.Name, cfg.CPU, k.numCPUs)
	}
	var vs *VSpace
	if cfg.VSpace != nil {
		v, ok := cfg.VSpace.(*VSpace)
		if !ok || v.k != k {
			return fmt.Errorf("thread %q: %v is not an address space: %w", cfg.Name, cfg.VSpace, coreerr.ErrWrongType)
		}
		vs = v
	}
	t.configure(cfg, vs)
	return nil
}

// Context implements platform.Kernel.Context.
func (k *Kernel) Context(tcb kobj.Object) (platform.Context, error) {
	return k.thread(tcb)
}

// BindFaultEndpoint implements platform.Kernel.BindFaultEndpoint.
func (k *Kernel) BindFaultEndpoint(tcb kobj.Object, b capspace.Binding) error {
	if k.delivery != platform.FaultIPC {
		return fmt.Errorf("kernel %q delivers faults by %v", k.name, k.delivery)
	}
	t, err := k.thread(tcb)
	if err != nil {
		return err
	}
	if _, ok := b.Object.(*Endpoint); !ok {
		return fmt.Errorf("fault handler %v is not an endpoint: %w", b.Object, coreerr.ErrWrongType)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faultEP = &b
	return nil
}

// BindFaultSignal implements platform.Kernel.BindFaultSignal.
func (k *Kernel) BindFaultSignal(tcb kobj.Object, s platform.FaultSignaler) error {
	if k.delivery != platform.FaultSignal {
		return fmt.Errorf("kernel %q delivers faults by %v", k.name, k.delivery)
	}
	t, err := k.thread(tcb)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faultSig = s
	return nil
}

// FaultState implements platform.Kernel.FaultState.
func (k *Kernel) FaultState(tcb kobj.Object) (platform.FaultInfo, error) {
	t, err := k.thread(tcb)
	if err != nil {
		return platform.FaultInfo{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fault == nil {
		return platform.FaultInfo{}, fmt.Errorf("thread %q: %w", t.name, coreerr.ErrNoFault)
	}
	return *t.fault, nil
}

// ResumeFault implements platform.Kernel.ResumeFault.
func (k *Kernel) ResumeFault(tcb kobj.Object, m *platform.MapItem) error {
	t, err := k.thread(tcb)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.fault == nil {
		t.mu.Unlock()
		return fmt.Errorf("thread %q: %w", t.name, coreerr.ErrNoFault)
	}
	t.fault = nil
	t.mu.Unlock()

	var mapErr error
	if m != nil {
		mapErr = t.applyMap(*m)
	}
	// The thread retries the access whether or not the mapping was
	// installed.
	select {
	case t.resume <- struct{}{}:
	default:
	}
	return mapErr
}

type constructor struct {
	name     string
	delivery platform.FaultDelivery
}

// New implements platform.Constructor.New.
func (c *constructor) New(opts platform.Options) (platform.Kernel, error) {
	return New(c.name, c.delivery, opts)
}

// FaultDelivery implements platform.Constructor.FaultDelivery.
func (c *constructor) FaultDelivery() platform.FaultDelivery {
	return c.delivery
}

func init() {
	platform.Register(IPCName, &constructor{name: IPCName, delivery: platform.FaultIPC})
	platform.Register(SignalName, &constructor{name: SignalName, delivery: platform.FaultSignal})
}
