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

// Package core is the composition root of the capability core. Boot builds
// every core service exactly once and hands them to their users explicitly.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/ipc"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/pager"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/rpc"
	"capcore.dev/capcore/pkg/sync"
	"capcore.dev/capcore/pkg/untyped"
)

// Config configures Boot.
type Config struct {
	// Platform names the kernel ABI. See platform.List.
	Platform string

	// NumCPUs is the number of CPUs.
	NumCPUs int

	// MemorySize is the size of untyped memory in bytes.
	MemorySize uint64

	// CSpaceSizeLog2 is the size of the core capability space.
	CSpaceSizeLog2 uint

	// PagerThreads is the number of pager entrypoint threads. Zero means one
	// per CPU.
	PagerThreads int

	// Registry receives every thread created by sessions. If nil, Boot
	// creates one.
	Registry *ThreadRegistry
}

// cpuState is the per-CPU bookkeeping of core.
type cpuState struct {
	id int

	// threads is the number of session threads placed on this CPU.
	threads atomic.Int64
}

// Core holds the core services.
type Core struct {
	cfg Config

	kernel platform.Kernel
	arena  *untyped.Arena
	mem    *untyped.Memory

	// cspace is the core capability space. Only core holds minter.
	cspace *capspace.CNode
	minter *capspace.Minter
	alloc  *capspace.Allocator
	caps   *ipc.CapTable
	badges *capspace.BadgeAllocator

	cpus     []*cpuState
	registry *ThreadRegistry

	pager *pager.Entrypoint
	root  *rpc.Entrypoint
	// rootCap names the root service.
	rootCap capability.Capability

	closeOnce sync.Once

	mu sync.Mutex
	// +checklocks:mu
	sessions map[uint64]*PD
	// +checklocks:mu
	nextSession uint64
}

// Boot creates the kernel and all core services.
func Boot(cfg Config) (*Core, error) {
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}
	if cfg.CSpaceSizeLog2 == 0 {
		cfg.CSpaceSizeLog2 = 12
	}
	if cfg.Registry == nil {
		cfg.Registry = NewThreadRegistry()
	}
	ctor, err := platform.Lookup(cfg.Platform)
	if err != nil {
		return nil, err
	}

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	arena, err := untyped.NewArena(0, cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("creating untyped memory: %w", err)
	}
	cu.Add(func() { arena.Release() })
	mem := untyped.NewMemory(arena)

	kernel, err := ctor.New(platform.Options{Memory: mem, NumCPUs: cfg.NumCPUs})
	if err != nil {
		return nil, fmt.Errorf("creating kernel %q: %w", cfg.Platform, err)
	}
	cspace, minter, err := capspace.NewRoot(cfg.CSpaceSizeLog2)
	if err != nil {
		return nil, fmt.Errorf("creating core capability space: %w", err)
	}
	cu.Add(cspace.Clear)

	c := &Core{
		cfg:    cfg,
		kernel: kernel,
		arena:  arena,
		mem:    mem,
		cspace: cspace,
		minter: minter,
		// Selector 0 is never valid.
		alloc:    capspace.NewAllocator(1<<cfg.CSpaceSizeLog2, 1),
		badges:   capspace.NewBadgeAllocator(1),
		registry: cfg.Registry,
		sessions: make(map[uint64]*PD),
	}
	c.caps = ipc.NewCapTable(cspace, c.alloc)
	for i := 0; i < kernel.NumCPUs(); i++ {
		c.cpus = append(c.cpus, &cpuState{id: i})
	}

	if c.pager, err = pager.New(pager.Config{
		Kernel:  kernel,
		CSpace:  cspace,
		Minter:  minter,
		Alloc:   c.alloc,
		Caps:    c.caps,
		Badges:  c.badges,
		Threads: cfg.PagerThreads,
	}); err != nil {
		return nil, fmt.Errorf("creating pager entrypoint: %w", err)
	}
	cu.Add(c.pager.Close)

	if c.root, err = rpc.New(rpc.Config{
		Name:   "root",
		Kernel: kernel,
		CSpace: cspace,
		Minter: minter,
		Alloc:  c.alloc,
		Caps:   c.caps,
		Badges: c.badges,
	}); err != nil {
		return nil, fmt.Errorf("creating root entrypoint: %w", err)
	}
	cu.Add(c.root.Close)

	if c.rootCap, err = c.root.Manage(&rootService{core: c}); err != nil {
		return nil, fmt.Errorf("publishing root service: %w", err)
	}
	cu.Release()

	log.Infof("Core booted on %q: %d CPUs, %d KiB untyped, fault delivery by %v", kernel.Name(), len(c.cpus), mem.Avail()>>10, kernel.FaultDelivery())
	return c, nil
}

// Kernel returns the kernel.
func (c *Core) Kernel() platform.Kernel {
	return c.kernel
}

// Memory returns core's untyped memory.
func (c *Core) Memory() *untyped.Memory {
	return c.mem
}

// Registry returns the thread registry.
func (c *Core) Registry() *ThreadRegistry {
	return c.registry
}

// Pager returns the pager entrypoint.
func (c *Core) Pager() *pager.Entrypoint {
	return c.pager
}

// RootCapability returns the capability of the root service.
func (c *Core) RootCapability() capability.Capability {
	return c.rootCap
}

// CPULoad returns the number of session threads placed on each CPU.
func (c *Core) CPULoad() []int {
	load := make([]int, len(c.cpus))
	for i, s := range c.cpus {
		load[i] = int(s.threads.Load())
	}
	return load
}

// placeThread returns the CPU for a new thread. A negative affinity selects
// the least loaded CPU.
func (c *Core) placeThread(affinity int) (*cpuState, error) {
	if affinity >= len(c.cpus) {
		return nil, fmt.Errorf("CPU %d out of range [0, %d)", affinity, len(c.cpus))
	}
	if affinity >= 0 {
		return c.cpus[affinity], nil
	}
	best := c.cpus[0]
	for _, s := range c.cpus[1:] {
		if s.threads.Load() < best.threads.Load() {
			best = s
		}
	}
	return best, nil
}

// Serve runs the pager and root entrypoints until ctx is done or the core is
// closed.
func (c *Core) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pager.Serve(gctx) })
	g.Go(func() error {
		err := c.root.Serve(gctx)
		if errors.Is(err, coreerr.ErrDead) {
			// Closed.
			return nil
		}
		return err
	})
	return g.Wait()
}

// Session returns the session with the given id.
func (c *Core) Session(id uint64) (*PD, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pd, ok := c.sessions[id]
	return pd, ok
}

// Sessions returns the number of open sessions.
func (c *Core) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close closes all sessions and destroys the core services. Serve returns.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		pds := make([]*PD, 0, len(c.sessions))
		for _, pd := range c.sessions {
			pds = append(pds, pd)
		}
		c.mu.Unlock()
		for _, pd := range pds {
			pd.Close()
		}

		c.root.Close()
		c.pager.Close()
		c.cspace.Clear()
		if err := c.arena.Release(); err != nil {
			log.Warningf("Releasing untyped memory: %v", err)
		}
	})
}
