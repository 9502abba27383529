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
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/ipc"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/platform"
)

// clientCSpaceSizeLog2 is the size of a client's capability space.
const clientCSpaceSizeLog2 = 8

// Client is a core-local thread with a capability space of its own. Its
// only initial capability is the root capability, so it can reach sessions
// solely through the session capabilities it is handed.
type Client struct {
	*ipc.Conn

	core     *Core
	name     string
	cnodeSel capability.Selector
	tcbSel   capability.Selector
	cspace   *capspace.CNode
	alloc    *capspace.Allocator
	root     capability.Capability
}

// NewClient creates a client thread named name.
func (c *Core) NewClient(name string) (*Client, error) {
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	construct := func(typ kobj.Type, param uint) (kobj.Object, capability.Selector, error) {
		sel, err := c.alloc.Alloc()
		if err != nil {
			return nil, 0, err
		}
		obj, err := c.kernel.Construct(c.cspace, sel, typ, param)
		if err != nil {
			c.alloc.Free(sel)
			return nil, 0, err
		}
		cu.Add(func() {
			c.cspace.Remove(sel)
			c.alloc.Free(sel)
		})
		return obj, sel, nil
	}
	obj, cnodeSel, err := construct(kobj.CNode, clientCSpaceSizeLog2)
	if err != nil {
		return nil, fmt.Errorf("creating client %q: capability space: %w", name, err)
	}
	cs := obj.(*capspace.CNode)
	cu.Add(cs.Clear)
	alloc := capspace.NewAllocator(1<<clientCSpaceSizeLog2, 1)

	rootSel, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("creating client %q: %w", name, err)
	}
	if err := cs.Copy(c.cspace, c.rootCap.Selector(), rootSel); err != nil {
		return nil, fmt.Errorf("creating client %q: root capability: %w", name, err)
	}
	caps := ipc.NewCapTable(cs, alloc)
	root := caps.Insert(c.rootCap.Badge(), rootSel)

	tcb, tcbSel, err := construct(kobj.TCB, 0)
	if err != nil {
		return nil, fmt.Errorf("creating client %q: %w", name, err)
	}
	if err := c.kernel.ConfigureThread(tcb, platform.ThreadConfig{Name: name, CSpace: cs}); err != nil {
		return nil, fmt.Errorf("configuring client %q: %w", name, err)
	}
	ctx, err := c.kernel.Context(tcb)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return &Client{
		Conn:     ipc.NewConn(ctx, caps),
		core:     c,
		name:     name,
		cnodeSel: cnodeSel,
		tcbSel:   tcbSel,
		cspace:   cs,
		alloc:    alloc,
		root:     root,
	}, nil
}

// Root returns the client's capability of the root service.
func (cl *Client) Root() capability.Capability {
	return cl.root
}

// CSpace returns the client's capability space.
func (cl *Client) CSpace() *capspace.CNode {
	return cl.cspace
}

// Close destroys the client thread and every capability it holds.
func (cl *Client) Close() {
	c := cl.core
	c.destroyLocal(cl.tcbSel, "client %q thread", cl.name)
	cl.cspace.Clear()
	c.destroyLocal(cl.cnodeSel, "client %q capability space", cl.name)
}

// destroyLocal removes an object core created for itself.
func (c *Core) destroyLocal(sel capability.Selector, format string, v ...any) {
	if err := c.cspace.Remove(sel); err != nil {
		log.Warningf("Destroying %s: %v", fmt.Sprintf(format, v...), err)
		return
	}
	c.alloc.Free(sel)
}
