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

package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/ipc"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/msgbuf"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/platform/sim"
	"capcore.dev/capcore/pkg/untyped"
)

const testTimeout = 5 * time.Second

type env struct {
	k      *sim.Kernel
	cn     *capspace.CNode
	alloc  *capspace.Allocator
	caps   *ipc.CapTable
	ep     *Entrypoint
	served chan error
}

func newEnv(t *testing.T) *env {
	t.Helper()
	a, err := untyped.NewArena(0, 4<<20)
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	t.Cleanup(func() { a.Release() })
	k, err := sim.New("test", platform.FaultIPC, platform.Options{Memory: untyped.NewMemory(a), NumCPUs: 1})
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}
	cn, m, err := capspace.NewRoot(9)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	alloc := capspace.NewAllocator(1<<9, 1)
	caps := ipc.NewCapTable(cn, alloc)
	ep, err := New(Config{
		Name:   "test-ep",
		Kernel: k,
		CSpace: cn,
		Minter: m,
		Alloc:  alloc,
		Caps:   caps,
		Badges: capspace.NewBadgeAllocator(1),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &env{k: k, cn: cn, alloc: alloc, caps: caps, ep: ep, served: make(chan error, 1)}
}

// serve runs the entrypoint until the test ends.
func (e *env) serve(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { e.served <- e.ep.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.served:
		case <-time.After(testTimeout):
			t.Errorf("Serve did not return")
		}
	})
	return cancel
}

func (e *env) thread(t *testing.T, name string) *sim.Thread {
	t.Helper()
	sel, err := e.alloc.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	obj, err := e.k.Construct(e.cn, sel, kobj.TCB, 0)
	if err != nil {
		t.Fatalf("Construct failed: %v", err)
	}
	if err := e.k.ConfigureThread(obj, platform.ThreadConfig{Name: name, CSpace: e.cn}); err != nil {
		t.Fatalf("ConfigureThread failed: %v", err)
	}
	t.Cleanup(func() { e.cn.Remove(sel) })
	return obj.(*sim.Thread)
}

// client runs f on a fresh thread with its own capability table.
func (e *env) client(t *testing.T, f func(c *ipc.Conn)) {
	t.Helper()
	c := ipc.NewConn(e.thread(t, "client"), ipc.NewCapTable(e.cn, e.alloc))
	done := make(chan struct{})
	go func() {
		defer close(done)
		f(c)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("client timed out")
	}
}

const (
	opAdd Opcode = iota + 1
	opFail
)

// adder adds its two arguments.
var adder = ObjectFunc(func(req *Request, reply *msgbuf.Msgbuf) ipc.ExceptionCode {
	switch req.Op {
	case opAdd:
		a, _ := req.Arg(0)
		b, _ := req.Arg(1)
		reply.PutWord(a + b)
		return ipc.Success
	case opFail:
		return Exception(fmt.Errorf("adding: %w", coreerr.ErrOutOfCapSlots))
	default:
		return Exception(coreerr.ErrBadIndex)
	}
})

func TestDispatch(t *testing.T) {
	e := newEnv(t)
	obj, err := e.ep.Manage(adder)
	if err != nil {
		t.Fatalf("Manage failed: %v", err)
	}
	e.serve(t)

	e.client(t, func(c *ipc.Conn) {
		reply := msgbuf.New(64)
		if err := Call(c, obj, opAdd, []uint64{40, 2}, reply); err != nil {
			t.Errorf("Call(add) failed: %v", err)
		}
		if w, ok := reply.Word(0); !ok || w != 42 {
			t.Errorf("add = %d, %t, want 42", w, ok)
		}
		if err := Call(c, obj, opFail, nil, reply); !errors.Is(err, coreerr.ErrOutOfCapSlots) {
			t.Errorf("Call(fail) = %v, want %v", err, coreerr.ErrOutOfCapSlots)
		}
		if err := Call(c, obj, 99, nil, reply); !errors.Is(err, coreerr.ErrBadIndex) {
			t.Errorf("Call(99) = %v, want %v", err, coreerr.ErrBadIndex)
		}
	})
}

func TestObjectsAreIdentifiedByBadge(t *testing.T) {
	e := newEnv(t)
	var caps []capability.Capability
	for i := uint64(0); i < 3; i++ {
		n := i
		c, err := e.ep.Manage(ObjectFunc(func(_ *Request, reply *msgbuf.Msgbuf) ipc.ExceptionCode {
			reply.PutWord(n)
			return ipc.Success
		}))
		if err != nil {
			t.Fatalf("Manage failed: %v", err)
		}
		caps = append(caps, c)
	}
	e.serve(t)

	e.client(t, func(c *ipc.Conn) {
		for i, obj := range caps {
			reply := msgbuf.New(64)
			if err := Call(c, obj, opAdd, nil, reply); err != nil {
				t.Fatalf("Call(%v) failed: %v", obj, err)
			}
			if w, _ := reply.Word(0); w != uint64(i) {
				t.Errorf("object %d answered %d", i, w)
			}
		}
	})
}

func TestDissolvedObjectIsNotAnswered(t *testing.T) {
	e := newEnv(t)
	obj, err := e.ep.Manage(adder)
	if err != nil {
		t.Fatalf("Manage failed: %v", err)
	}
	// A raw capability the client keeps after the object goes away.
	stale, err := e.alloc.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := e.cn.Copy(e.cn, obj.Selector(), stale); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	e.ep.Dissolve(obj)
	if got := e.ep.Managed(); got != 0 {
		t.Errorf("Managed = %d, want 0", got)
	}
	e.serve(t)

	before := unknownObjectMetric.Value()
	th := e.thread(t, "raw")
	done := make(chan error, 1)
	go func() {
		m := NewRequest(opAdd, []uint64{1, 2})
		tag := ipc.Marshal(th.UTCB(), uint64(obj.Badge()), m)
		_, err := th.Call(stale, tag)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Errorf("request to dissolved object was answered")
		}
	case <-time.After(testTimeout):
		t.Fatalf("request to dissolved object still pending")
	}
	if unknownObjectMetric.Value() == before {
		t.Errorf("unknown object not counted")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { e.served <- e.ep.Serve(ctx) }()
	cancel()
	select {
	case err := <-e.served:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want %v", err, context.Canceled)
		}
	case <-time.After(testTimeout):
		t.Fatalf("Serve did not return")
	}
}

func TestClose(t *testing.T) {
	e := newEnv(t)
	if _, err := e.ep.Manage(adder); err != nil {
		t.Fatalf("Manage failed: %v", err)
	}
	avail := e.alloc.Available()
	e.ep.Close()
	// The minted capability, the thread and the endpoint are released.
	if got := e.alloc.Available(); got != avail+3 {
		t.Errorf("Available = %d, want %d", got, avail+3)
	}
	if err := e.ep.Serve(context.Background()); !errors.Is(err, coreerr.ErrDead) {
		t.Errorf("Serve after Close = %v, want %v", err, coreerr.ErrDead)
	}
	if c, err := e.ep.Manage(adder); !errors.Is(err, coreerr.ErrDead) {
		t.Errorf("Manage after Close = %v, %v, want %v", c, err, coreerr.ErrDead)
	}
	if got := e.alloc.Available(); got != avail+3 {
		t.Errorf("Available after Manage on closed entrypoint = %d, want %d", got, avail+3)
	}
	if n := e.ep.Managed(); n != 0 {
		t.Errorf("Managed = %d after Close, want 0", n)
	}
}

func TestExceptionCodes(t *testing.T) {
	for _, want := range wireErrors[1:] {
		exc := Exception(fmt.Errorf("wrapped: %w", want))
		if exc <= ipc.Success {
			t.Errorf("Exception(%v) = %v, want a positive code", want, exc)
		}
		if got := ErrorOf(exc); got != want {
			t.Errorf("ErrorOf(Exception(%v)) = %v", want, got)
		}
	}
	if got := Exception(nil); got != ipc.Success {
		t.Errorf("Exception(nil) = %v, want success", got)
	}
	if got := ErrorOf(Exception(errors.New("other"))); got != ErrRemote {
		t.Errorf("ErrorOf for an unclassified error = %v, want %v", got, ErrRemote)
	}
}
