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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/msgbuf"
	"capcore.dev/capcore/pkg/pager"
	"capcore.dev/capcore/pkg/platform/sim"
	"capcore.dev/capcore/pkg/rpc"
)

const testTimeout = 5 * time.Second

var platforms = []string{sim.IPCName, sim.SignalName}

// boot boots a core that is closed when the test ends.
func boot(t *testing.T, name string) *Core {
	t.Helper()
	c, err := Boot(Config{Platform: name, NumCPUs: 2, MemorySize: 16 << 20, CSpaceSizeLog2: 10})
	if err != nil {
		t.Fatalf("Boot(%q) failed: %v", name, err)
	}
	t.Cleanup(c.Close)
	return c
}

// serve runs c until the test ends.
func serve(t *testing.T, c *Core) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Serve = %v, want %v", err, context.Canceled)
			}
		case <-time.After(testTimeout):
			t.Errorf("Serve did not return")
		}
	})
}

func async(f func() error) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- f() }()
	return errc
}

func await(t *testing.T, errc <-chan error, what string) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("%s failed: %v", what, err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

var generous = Quota{CapSlots: 64, RAM: 1 << 20}

func TestBoot(t *testing.T) {
	for _, name := range platforms {
		t.Run(name, func(t *testing.T) {
			c := boot(t, name)
			if got := c.Kernel().Name(); got != name {
				t.Errorf("Kernel().Name() = %q, want %q", got, name)
			}
			if !c.RootCapability().Valid() {
				t.Errorf("root capability %v is invalid", c.RootCapability())
			}
			if diff := cmp.Diff([]int{0, 0}, c.CPULoad()); diff != "" {
				t.Errorf("CPULoad mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if _, err := Boot(Config{Platform: "none", MemorySize: 1 << 20}); err == nil {
		t.Errorf("Boot of unknown platform succeeded")
	}
}

func TestDemandPaging(t *testing.T) {
	for _, name := range platforms {
		t.Run(name, func(t *testing.T) {
			c := boot(t, name)
			serve(t, c)
			pd, err := c.CreatePD("app", generous)
			if err != nil {
				t.Fatalf("CreatePD failed: %v", err)
			}
			const base = hostarch.Addr(0x100000)
			if err := pd.RegionMap().Attach(base, 4*hostarch.PageSize, hostarch.ReadWrite); err != nil {
				t.Fatalf("Attach failed: %v", err)
			}

			var threads []*PlatformThread
			for _, tn := range []string{"main", "worker"} {
				th, err := pd.CreateThread(tn, -1)
				if err != nil {
					t.Fatalf("CreateThread(%q) failed: %v", tn, err)
				}
				if _, err := th.Pager(pd.RegionMap()); err != nil {
					t.Fatalf("Pager failed: %v", err)
				}
				threads = append(threads, th)
			}
			if diff := cmp.Diff([]int{1, 1}, c.CPULoad()); diff != "" {
				t.Errorf("CPULoad mismatch (-want +got):\n%s", diff)
			}

			before := pd.Used().RAM
			// Straddles the first two pages.
			addr := base + hostarch.PageSize - 8
			msg := []byte("written across a page boundary")
			w := threads[0].Context()
			await(t, async(func() error { return w.WriteMem(addr, msg) }), "WriteMem")

			// The other thread shares the address space.
			got := make([]byte, len(msg))
			r := threads[1].Context()
			await(t, async(func() error { return r.ReadMem(addr, got) }), "ReadMem")
			if !bytes.Equal(got, msg) {
				t.Errorf("read %q, want %q", got, msg)
			}
			if got, want := pd.Used().RAM-before, uint64(2*hostarch.PageSize); got != want {
				t.Errorf("paging consumed %d bytes, want %d", got, want)
			}
		})
	}
}

func TestProtectionFaultAndWakeUp(t *testing.T) {
	for _, name := range platforms {
		t.Run(name, func(t *testing.T) {
			c := boot(t, name)
			serve(t, c)
			pd, err := c.CreatePD("app", generous)
			if err != nil {
				t.Fatalf("CreatePD failed: %v", err)
			}
			const base = hostarch.Addr(0x200000)
			rm := pd.RegionMap()
			if err := rm.Attach(base, hostarch.PageSize, hostarch.Read); err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			th, err := pd.CreateThread("main", 0)
			if err != nil {
				t.Fatalf("CreateThread failed: %v", err)
			}
			o, err := th.Pager(rm)
			if err != nil {
				t.Fatalf("Pager failed: %v", err)
			}
			recv, err := pd.AllocSignalReceiver()
			if err != nil {
				t.Fatalf("AllocSignalReceiver failed: %v", err)
			}
			handler, err := recv.NewContext(1)
			if err != nil {
				t.Fatalf("NewContext failed: %v", err)
			}
			o.ExceptionHandler(handler)

			ctx := th.Context()
			errc := async(func() error { return ctx.Access(base+0x10, hostarch.Write) })
			s, err := recv.WaitForSignal()
			if err != nil {
				t.Fatalf("WaitForSignal failed: %v", err)
			}
			s.Context.Ack()
			if st := o.State(); st != pager.StateAwaitingExceptionHandler {
				t.Fatalf("State = %v, want %v", st, pager.StateAwaitingExceptionHandler)
			}

			// Make the region writable and let the thread retry.
			if err := rm.Detach(base); err != nil {
				t.Fatalf("Detach failed: %v", err)
			}
			if err := rm.Attach(base, hostarch.PageSize, hostarch.ReadWrite); err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			if err := o.WakeUp(); err != nil {
				t.Fatalf("WakeUp failed: %v", err)
			}
			await(t, errc, "Access")
		})
	}
}

func TestDetachUnmaps(t *testing.T) {
	for _, name := range platforms {
		t.Run(name, func(t *testing.T) {
			c := boot(t, name)
			serve(t, c)
			pd, err := c.CreatePD("app", generous)
			if err != nil {
				t.Fatalf("CreatePD failed: %v", err)
			}
			const base = hostarch.Addr(0x300000)
			rm := pd.RegionMap()
			if err := rm.Attach(base, hostarch.PageSize, hostarch.ReadWrite); err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			th, err := pd.CreateThread("main", 0)
			if err != nil {
				t.Fatalf("CreateThread failed: %v", err)
			}
			o, err := th.Pager(rm)
			if err != nil {
				t.Fatalf("Pager failed: %v", err)
			}
			recv, err := pd.AllocSignalReceiver()
			if err != nil {
				t.Fatalf("AllocSignalReceiver failed: %v", err)
			}
			handler, err := recv.NewContext(1)
			if err != nil {
				t.Fatalf("NewContext failed: %v", err)
			}
			o.ExceptionHandler(handler)

			ctx := th.Context()
			await(t, async(func() error { return ctx.Access(base, hostarch.Write) }), "first Access")
			if err := rm.Detach(base); err != nil {
				t.Fatalf("Detach failed: %v", err)
			}

			// The page is gone: the access faults outside of any region.
			errc := async(func() error { return ctx.Access(base, hostarch.Read) })
			s, err := recv.WaitForSignal()
			if err != nil {
				t.Fatalf("WaitForSignal failed: %v", err)
			}
			s.Context.Ack()
			if st := o.State(); st != pager.StateAwaitingExceptionHandler {
				t.Fatalf("State = %v, want %v", st, pager.StateAwaitingExceptionHandler)
			}
			if err := rm.Attach(base, hostarch.PageSize, hostarch.Read); err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			if err := o.WakeUp(); err != nil {
				t.Fatalf("WakeUp failed: %v", err)
			}
			await(t, errc, "Access after reattach")
		})
	}
}

func TestQuotaContainment(t *testing.T) {
	c := boot(t, sim.IPCName)
	serve(t, c)

	// Room for the capability space, the address space, one thread and one
	// page.
	const cspace = 1 << (5 + 2)
	small, err := c.CreatePD("small", Quota{CapSlots: 3, RAM: cspace + 4096 + 2048 + 4096})
	if err != nil {
		t.Fatalf("CreatePD failed: %v", err)
	}
	big, err := c.CreatePD("big", generous)
	if err != nil {
		t.Fatalf("CreatePD failed: %v", err)
	}
	const base = hostarch.Addr(0x400000)
	for _, pd := range []*PD{small, big} {
		if err := pd.RegionMap().Attach(base, 8*hostarch.PageSize, hostarch.ReadWrite); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
	}

	th, err := small.CreateThread("main", 0)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if _, err := small.CreateThread("second", 0); !errors.Is(err, coreerr.ErrQuotaExceeded) {
		t.Errorf("CreateThread beyond quota = %v, want %v", err, coreerr.ErrQuotaExceeded)
	}
	if _, err := small.CreateEndpoint(); !errors.Is(err, coreerr.ErrQuotaExceeded) {
		t.Errorf("CreateEndpoint beyond slot quota = %v, want %v", err, coreerr.ErrQuotaExceeded)
	}
	o, err := th.Pager(small.RegionMap())
	if err != nil {
		t.Fatalf("Pager failed: %v", err)
	}
	ctx := th.Context()
	await(t, async(func() error { return ctx.Access(base, hostarch.Write) }), "first page")
	go ctx.Access(base+hostarch.PageSize, hostarch.Write)
	deadline := time.Now().Add(testTimeout)
	for {
		if n, _ := o.UnresolvedFaults(); n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("page beyond quota was not refused")
		}
		time.Sleep(time.Millisecond)
	}

	// The other session is unaffected.
	bt, err := big.CreateThread("main", 0)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if _, err := bt.Pager(big.RegionMap()); err != nil {
		t.Fatalf("Pager failed: %v", err)
	}
	bctx := bt.Context()
	for i := 0; i < 8; i++ {
		addr := base + hostarch.Addr(i*hostarch.PageSize)
		await(t, async(func() error { return bctx.Access(addr, hostarch.Write) }), "page of other session")
	}
}

func TestAtMostOnePager(t *testing.T) {
	c := boot(t, sim.IPCName)
	pd, err := c.CreatePD("app", generous)
	if err != nil {
		t.Fatalf("CreatePD failed: %v", err)
	}
	th, err := pd.CreateThread("main", 0)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	o, err := th.Pager(pd.RegionMap())
	if err != nil {
		t.Fatalf("Pager failed: %v", err)
	}
	if _, err := th.Pager(pd.RegionMap()); !errors.Is(err, coreerr.ErrPagerExists) {
		t.Errorf("second Pager = %v, want %v", err, coreerr.ErrPagerExists)
	}
	if got, ok := c.Pager().PagerOf(th.TCB()); !ok || got != o {
		t.Errorf("PagerOf = %v, %t, want %v", got, ok, o)
	}
	if err := pd.DestroyThread("main"); err != nil {
		t.Fatalf("DestroyThread failed: %v", err)
	}
	if o.State() != pager.StateDestroyed {
		t.Errorf("pager of destroyed thread is %v", o.State())
	}
	if err := pd.DestroyThread("main"); !errors.Is(err, coreerr.ErrSlotEmpty) {
		t.Errorf("second DestroyThread = %v, want %v", err, coreerr.ErrSlotEmpty)
	}
}

func TestCloseReleasesResources(t *testing.T) {
	c := boot(t, sim.SignalName)
	serve(t, c)
	avail := c.Memory().Avail()
	slots := c.alloc.Available()

	pd, err := c.CreatePD("app", generous)
	if err != nil {
		t.Fatalf("CreatePD failed: %v", err)
	}
	if err := pd.RegionMap().Attach(0x10000, hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	th, err := pd.CreateThread("main", -1)
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if _, err := th.Pager(pd.RegionMap()); err != nil {
		t.Fatalf("Pager failed: %v", err)
	}
	if _, err := pd.AllocSignalReceiver(); err != nil {
		t.Fatalf("AllocSignalReceiver failed: %v", err)
	}
	ctx := th.Context()
	await(t, async(func() error { return ctx.Access(0x10000, hostarch.Read) }), "Access")
	if got := c.Registry().Names(); !cmp.Equal(got, []string{"app/main"}) {
		t.Errorf("Registry().Names() = %v", got)
	}

	pd.Close()
	pd.Close()
	if got := c.Memory().Avail(); got != avail {
		t.Errorf("untyped memory after Close = %d, want %d", got, avail)
	}
	if got := c.alloc.Available(); got != slots {
		t.Errorf("core selectors after Close = %d, want %d", got, slots)
	}
	if c.Registry().Len() != 0 || c.Sessions() != 0 || c.Pager().Managed() != 0 {
		t.Errorf("session state survives Close")
	}
	if !ctx.Destroyed() {
		t.Errorf("thread survives Close")
	}
	if _, err := pd.CreateThread("late", 0); !errors.Is(err, coreerr.ErrDead) {
		t.Errorf("CreateThread after Close = %v, want %v", err, coreerr.ErrDead)
	}
}

func TestRPCCapabilities(t *testing.T) {
	c := boot(t, sim.IPCName)
	pd, err := c.CreatePD("app", generous)
	if err != nil {
		t.Fatalf("CreatePD failed: %v", err)
	}
	ep, err := pd.CreateEndpoint()
	if err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	a, err := pd.AllocRPCCap(ep)
	if err != nil {
		t.Fatalf("AllocRPCCap failed: %v", err)
	}
	b, err := pd.AllocRPCCap(ep)
	if err != nil {
		t.Fatalf("AllocRPCCap failed: %v", err)
	}
	if a.Badge() == b.Badge() || a.Selector() == b.Selector() {
		t.Errorf("AllocRPCCap returned %v twice", a)
	}
	bind, err := pd.CSpace().Lookup(a.Selector())
	if err != nil || bind.Badge != a.Badge() {
		t.Errorf("slot of %v holds %+v, %v", a, bind, err)
	}
	if err := pd.FreeRPCCap(a); err != nil {
		t.Errorf("FreeRPCCap failed: %v", err)
	}
	if err := pd.FreeRPCCap(a); !errors.Is(err, coreerr.ErrInvalidCapability) {
		t.Errorf("second FreeRPCCap = %v, want %v", err, coreerr.ErrInvalidCapability)
	}
	if _, err := pd.AllocRPCCap(capability.Selector(pd.Quota().CapSlots - 1)); !errors.Is(err, coreerr.ErrSlotEmpty) {
		t.Errorf("AllocRPCCap of empty slot = %v, want %v", err, coreerr.ErrSlotEmpty)
	}
}

func TestThreadPlacement(t *testing.T) {
	c := boot(t, sim.IPCName)
	pd, err := c.CreatePD("app", generous)
	if err != nil {
		t.Fatalf("CreatePD failed: %v", err)
	}
	for _, n := range []string{"a", "b", "c", "d"} {
		if _, err := pd.CreateThread(n, -1); err != nil {
			t.Fatalf("CreateThread(%q) failed: %v", n, err)
		}
	}
	if diff := cmp.Diff([]int{2, 2}, c.CPULoad()); diff != "" {
		t.Errorf("CPULoad mismatch (-want +got):\n%s", diff)
	}
	if _, err := pd.CreateThread("a", 0); !errors.Is(err, coreerr.ErrSlotOccupied) {
		t.Errorf("duplicate CreateThread = %v, want %v", err, coreerr.ErrSlotOccupied)
	}
	if _, err := pd.CreateThread("e", 2); err == nil {
		t.Errorf("CreateThread on CPU 2 of 2 succeeded")
	}
}

func TestRegionMapAttach(t *testing.T) {
	c := boot(t, sim.IPCName)
	pd, err := c.CreatePD("app", generous)
	if err != nil {
		t.Fatalf("CreatePD failed: %v", err)
	}
	rm := pd.RegionMap()
	if err := rm.Attach(0x10000, 4*hostarch.PageSize, hostarch.ReadWrite); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	for _, tc := range []struct {
		name   string
		at     hostarch.Addr
		size   uint64
		access hostarch.AccessType
		ok     bool
	}{
		{"before", 0xf000, hostarch.PageSize, hostarch.Read, true},
		{"after", 0x14000, hostarch.PageSize, hostarch.Read, true},
		{"inside", 0x11000, hostarch.PageSize, hostarch.Read, false},
		{"covering", 0x8000, 0x20000, hostarch.Read, false},
		{"tail overlap", 0x13000, 2 * hostarch.PageSize, hostarch.Read, false},
		{"unaligned", 0x20100, hostarch.PageSize, hostarch.Read, false},
		{"partial page", 0x30000, 100, hostarch.Read, false},
		{"empty", 0x30000, 0, hostarch.Read, false},
		{"no access", 0x40000, hostarch.PageSize, hostarch.NoAccess, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := rm.Attach(tc.at, tc.size, tc.access)
			if tc.ok && err != nil {
				t.Errorf("Attach = %v, want nil", err)
			}
			if !tc.ok && !errors.Is(err, coreerr.ErrBadMapping) {
				t.Errorf("Attach = %v, want %v", err, coreerr.ErrBadMapping)
			}
		})
	}
	if got := rm.Regions(); got != 3 {
		t.Errorf("Regions = %d, want 3", got)
	}
	if err := rm.Detach(0x11000); !errors.Is(err, coreerr.ErrBadMapping) {
		t.Errorf("Detach of non-region = %v, want %v", err, coreerr.ErrBadMapping)
	}
}

// newClient returns a client that is closed when the test ends.
func newClient(t *testing.T, c *Core, name string) *Client {
	t.Helper()
	cl, err := c.NewClient(name)
	if err != nil {
		t.Fatalf("NewClient(%q) failed: %v", name, err)
	}
	t.Cleanup(cl.Close)
	return cl
}

// word returns the first result word of reply.
func word(t *testing.T, reply *msgbuf.Msgbuf) uint64 {
	t.Helper()
	v, ok := reply.Word(0)
	if !ok {
		t.Fatalf("reply lacks a result word")
	}
	return v
}

// openSession opens a session over RPC and returns its id and capability.
func openSession(t *testing.T, cl *Client, capSlots, ram uint64) (uint64, capability.Capability) {
	t.Helper()
	reply := msgbuf.New(64)
	if err := rpc.Call(cl.Conn, cl.Root(), OpCreateSession, []uint64{capSlots, ram}, reply); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	id := word(t, reply)
	sc := reply.Cap(0)
	if !sc.Valid() {
		t.Fatalf("CreateSession returned no session capability: %v", reply)
	}
	return id, sc
}

func TestRootService(t *testing.T) {
	c := boot(t, sim.IPCName)
	serve(t, c)
	cl := newClient(t, c, "client")
	reply := msgbuf.New(64)

	if err := rpc.Call(cl.Conn, cl.Root(), OpPing, []uint64{41}, reply); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if got := word(t, reply); got != 42 {
		t.Errorf("Ping(41) = %d, want 42", got)
	}

	id, sc := openSession(t, cl, 64, 1<<20)
	pd, ok := c.Session(id)
	if !ok {
		t.Fatalf("session %d not found", id)
	}
	if sc.Badge() != pd.Capability().Badge() {
		t.Errorf("session capability badge = %v, want %v", sc.Badge(), pd.Capability().Badge())
	}
	if err := rpc.Call(cl.Conn, sc, OpCreateThread, []uint64{anyCPU}, reply); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if _, ok := c.Registry().Lookup(pd.Label() + "/" + SessionThreadName(word(t, reply))); !ok {
		t.Errorf("thread not registered: %v", c.Registry().Names())
	}
	if err := rpc.Call(cl.Conn, sc, OpCreateThread, []uint64{2}, reply); !errors.Is(err, coreerr.ErrBadIndex) {
		t.Errorf("CreateThread on CPU 2 of 2 = %v, want %v", err, coreerr.ErrBadIndex)
	}
	if err := rpc.Call(cl.Conn, sc, OpCreateThread, []uint64{1 << 63}, reply); !errors.Is(err, coreerr.ErrBadIndex) {
		t.Errorf("CreateThread on CPU 1<<63 = %v, want %v", err, coreerr.ErrBadIndex)
	}

	if err := rpc.Call(cl.Conn, cl.Root(), OpCreateSession, []uint64{64, 16}, reply); !errors.Is(err, coreerr.ErrQuotaExceeded) {
		t.Errorf("CreateSession with tiny quota = %v, want %v", err, coreerr.ErrQuotaExceeded)
	}
	if err := rpc.Call(cl.Conn, cl.Root(), rpc.Opcode(99), nil, reply); !errors.Is(err, coreerr.ErrInvalidOpcode) {
		t.Errorf("unknown root opcode = %v, want %v", err, coreerr.ErrInvalidOpcode)
	}
	if err := rpc.Call(cl.Conn, cl.Root(), OpPing, nil, reply); !errors.Is(err, rpc.ErrRemote) {
		t.Errorf("Ping without argument = %v, want %v", err, rpc.ErrRemote)
	}

	managed := c.root.Managed()
	if err := rpc.Call(cl.Conn, sc, OpCloseSession, nil, reply); err != nil {
		t.Errorf("CloseSession failed: %v", err)
	}
	if c.Sessions() != 0 {
		t.Errorf("Sessions = %d after CloseSession", c.Sessions())
	}
	if got := c.root.Managed(); got != managed-1 {
		t.Errorf("root entrypoint serves %d objects after CloseSession, want %d", got, managed-1)
	}
}

func TestSessionIsolation(t *testing.T) {
	c := boot(t, sim.IPCName)
	serve(t, c)
	victim := newClient(t, c, "victim")
	attacker := newClient(t, c, "attacker")
	reply := msgbuf.New(64)

	id, sc := openSession(t, victim, 64, 1<<20)

	// Session ids are guessable. The root capability accepts none of them.
	for _, op := range []rpc.Opcode{OpCreateSession + 1, OpCreateSession + 2} {
		if err := rpc.Call(attacker.Conn, attacker.Root(), op, []uint64{id, anyCPU}, reply); !errors.Is(err, coreerr.ErrInvalidOpcode) {
			t.Errorf("root opcode %d naming session %d = %v, want %v", op, id, err, coreerr.ErrInvalidOpcode)
		}
	}
	for i := 0; i < attacker.CSpace().Slots(); i++ {
		b, err := attacker.CSpace().Lookup(capability.Selector(i))
		if err == nil && b.Badge == sc.Badge() {
			t.Errorf("attacker holds the session capability at %d", i)
		}
	}

	// The attacker's own session is independent.
	_, asc := openSession(t, attacker, 64, 1<<20)
	if err := rpc.Call(attacker.Conn, asc, OpCloseSession, nil, reply); err != nil {
		t.Fatalf("closing own session failed: %v", err)
	}

	if _, ok := c.Session(id); !ok {
		t.Fatalf("session %d closed by another client", id)
	}
	if err := rpc.Call(victim.Conn, sc, OpCreateThread, []uint64{anyCPU}, reply); err != nil {
		t.Errorf("CreateThread in untouched session failed: %v", err)
	}
	if c.Sessions() != 1 {
		t.Errorf("Sessions = %d, want 1", c.Sessions())
	}
}

func TestSessionThreadNames(t *testing.T) {
	c := boot(t, sim.IPCName)
	serve(t, c)
	cl := newClient(t, c, "client")
	reply := msgbuf.New(64)
	id, sc := openSession(t, cl, 64, 1<<20)
	pd, _ := c.Session(id)

	var got []uint64
	create := func() {
		t.Helper()
		if err := rpc.Call(cl.Conn, sc, OpCreateThread, []uint64{anyCPU}, reply); err != nil {
			t.Fatalf("CreateThread failed: %v", err)
		}
		got = append(got, word(t, reply))
	}
	create()
	create()
	if err := pd.DestroyThread(SessionThreadName(0)); err != nil {
		t.Fatalf("DestroyThread failed: %v", err)
	}
	create()
	if diff := cmp.Diff([]uint64{0, 1, 2}, got); diff != "" {
		t.Errorf("thread indices mismatch (-want +got):\n%s", diff)
	}
}
