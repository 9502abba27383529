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

// Package rpc implements RPC entrypoints: server threads that dispatch
// requests to the objects whose capabilities they hand out.
//
// A request is an IPC message whose first payload word is the Opcode. The
// object is identified by the kernel-verified badge of the invoked capability,
// never by anything the client writes.
package rpc

import (
	"context"
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/ipc"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/msgbuf"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/sync"
)

// Opcode selects the operation of an object.
type Opcode uint64

// Request is a decoded RPC request.
type Request struct {
	// Badge identifies the invoked object.
	Badge capability.Badge

	// Op is the requested operation.
	Op Opcode

	// Msg is the whole request. Word 0 holds Op.
	Msg *msgbuf.Msgbuf
}

// Arg returns argument word i.
func (r *Request) Arg(i int) (uint64, bool) {
	return r.Msg.Word(i + 1)
}

// Object is an RPC object.
type Object interface {
	// Dispatch handles req and writes the reply payload into reply.
	// Returning ipc.InvalidObject suppresses the reply.
	Dispatch(req *Request, reply *msgbuf.Msgbuf) ipc.ExceptionCode
}

// ObjectFunc adapts a function to Object.
type ObjectFunc func(req *Request, reply *msgbuf.Msgbuf) ipc.ExceptionCode

// Dispatch implements Object.Dispatch.
func (f ObjectFunc) Dispatch(req *Request, reply *msgbuf.Msgbuf) ipc.ExceptionCode {
	return f(req, reply)
}

// Config describes where an entrypoint gets its resources.
type Config struct {
	// Name names the entrypoint thread.
	Name string

	Kernel platform.Kernel

	// CSpace holds the endpoint, the thread and all minted capabilities.
	CSpace *capspace.CNode
	Minter *capspace.Minter
	Alloc  *capspace.Allocator
	Caps   *ipc.CapTable
	Badges *capspace.BadgeAllocator

	// CPU is the affinity of the entrypoint thread.
	CPU int
}

// Entrypoint is a server thread and the objects it serves.
type Entrypoint struct {
	cfg    Config
	ep     capability.Selector
	tcbSel capability.Selector
	thread platform.Context

	// gate is held by Serve.
	gate     sync.Gate
	stopOnce sync.Once

	mu sync.Mutex
	// +checklocks:mu
	objects map[capability.Badge]Object
	// +checklocks:mu
	closed bool
}

// New creates the endpoint and thread of an entrypoint. The thread does not
// receive until Serve is called.
func New(cfg Config) (*Entrypoint, error) {
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
	_, ep, err := construct(kobj.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating endpoint of %q: %w", cfg.Name, err)
	}
	tcb, tcbSel, err := construct(kobj.TCB)
	if err != nil {
		return nil, fmt.Errorf("creating thread of %q: %w", cfg.Name, err)
	}
	if err := cfg.Kernel.ConfigureThread(tcb, platform.ThreadConfig{Name: cfg.Name, CSpace: cfg.CSpace, CPU: cfg.CPU}); err != nil {
		return nil, fmt.Errorf("configuring thread of %q: %w", cfg.Name, err)
	}
	ctx, err := cfg.Kernel.Context(tcb)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &Entrypoint{
		cfg:     cfg,
		ep:      ep,
		tcbSel:  tcbSel,
		thread:  ctx,
		objects: make(map[capability.Badge]Object),
	}, nil
}

// Name returns the entrypoint's name.
func (e *Entrypoint) Name() string {
	return e.cfg.Name
}

// Endpoint returns the selector of the unbadged endpoint.
func (e *Entrypoint) Endpoint() capability.Selector {
	return e.ep
}

// Thread returns the entrypoint thread.
func (e *Entrypoint) Thread() platform.Context {
	return e.thread
}

// Manage publishes obj and returns the capability naming it. It fails with
// coreerr.ErrDead once the entrypoint is closed.
func (e *Entrypoint) Manage(obj Object) (capability.Capability, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return capability.Invalid(), fmt.Errorf("managing object on %q: %w", e.cfg.Name, coreerr.ErrDead)
	}
	badge := e.cfg.Badges.Next()
	sel, err := e.cfg.Alloc.Alloc()
	if err != nil {
		return capability.Invalid(), fmt.Errorf("managing object on %q: %w", e.cfg.Name, err)
	}
	if err := e.cfg.CSpace.Mint(e.cfg.Minter, e.cfg.CSpace, e.ep, sel, badge); err != nil {
		e.cfg.Alloc.Free(sel)
		return capability.Invalid(), fmt.Errorf("managing object on %q: %w", e.cfg.Name, err)
	}
	c := e.cfg.Caps.Insert(badge, sel)
	e.objects[badge] = obj
	return c, nil
}

// Dissolve withdraws the object named by c. Requests already being
// dispatched complete; later ones are not answered.
func (e *Entrypoint) Dissolve(c capability.Capability) {
	e.mu.Lock()
	_, ok := e.objects[c.Badge()]
	delete(e.objects, c.Badge())
	e.mu.Unlock()
	if ok {
		e.cfg.Caps.Remove(c.Badge())
	}
}

// Managed returns the number of objects served.
func (e *Entrypoint) Managed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.objects)
}

func (e *Entrypoint) lookup(badge capability.Badge) (Object, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	obj, ok := e.objects[badge]
	return obj, ok
}

// Serve runs the server loop on the calling goroutine, which plays the
// entrypoint thread, until ctx is done or the entrypoint is closed.
func (e *Entrypoint) Serve(ctx context.Context) error {
	if !e.gate.Enter() {
		return coreerr.ErrDead
	}
	defer e.gate.Leave()
	defer context.AfterFunc(ctx, e.stopThread)()

	srv := ipc.NewServer(e.thread, e.cfg.Caps, e.ep)
	req, reply := msgbuf.New(ipc.MaxPayload), msgbuf.New(ipc.MaxPayload)
	exc := ipc.Success
	for {
		badge, err := srv.ReplyAndWait(exc, reply, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		reply.Reset()
		exc = e.dispatch(badge, req, reply)
	}
}

func (e *Entrypoint) dispatch(badge capability.Badge, in, out *msgbuf.Msgbuf) ipc.ExceptionCode {
	obj, ok := e.lookup(badge)
	if !ok {
		unknownObjectMetric.Increment()
		diag.Warningf("Entrypoint %q: request for unknown object %v", e.cfg.Name, badge)
		return ipc.InvalidObject
	}
	op, ok := in.Word(0)
	if !ok {
		diag.Warningf("Entrypoint %q: request for %v lacks an opcode", e.cfg.Name, badge)
		return ipc.InvalidObject
	}
	dispatchMetric.Increment()
	return obj.Dispatch(&Request{Badge: badge, Op: Opcode(op), Msg: in}, out)
}

// stopThread destroys the entrypoint thread, which ends Serve.
func (e *Entrypoint) stopThread() {
	e.stopOnce.Do(func() {
		if err := e.cfg.CSpace.Remove(e.tcbSel); err != nil {
			log.Warningf("Entrypoint %q: destroying thread: %v", e.cfg.Name, err)
		}
		e.cfg.Alloc.Free(e.tcbSel)
	})
}

// Close stops the entrypoint, waits for Serve to return and releases every
// object and the endpoint.
func (e *Entrypoint) Close() {
	e.stopThread()
	e.gate.Close()
	e.mu.Lock()
	badges := make([]capability.Badge, 0, len(e.objects))
	for b := range e.objects {
		badges = append(badges, b)
	}
	e.objects = nil
	e.closed = true
	e.mu.Unlock()
	for _, b := range badges {
		e.cfg.Caps.Remove(b)
	}
	if err := e.cfg.CSpace.Remove(e.ep); err != nil {
		log.Warningf("Entrypoint %q: destroying endpoint: %v", e.cfg.Name, err)
	}
	e.cfg.Alloc.Free(e.ep)
}
