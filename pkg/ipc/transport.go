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

package ipc

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/msgbuf"
	"capcore.dev/capcore/pkg/platform"
)

// ExceptionCode is the protocol word of a reply.
type ExceptionCode int64

const (
	// Success is returned by a successful RPC.
	Success ExceptionCode = 0

	// InvalidObject is returned for a request to an object the server does
	// not know. A server that reports InvalidObject does not reply.
	InvalidObject ExceptionCode = -1
)

func (e ExceptionCode) String() string {
	switch e {
	case Success:
		return "success"
	case InvalidObject:
		return "invalid-object"
	default:
		return fmt.Sprintf("exception(%d)", int64(e))
	}
}

// Conn is the client side of IPC for one thread.
type Conn struct {
	ctx  platform.Context
	caps *CapTable
}

// NewConn returns a client for the thread ctx.
func NewConn(ctx platform.Context, caps *CapTable) *Conn {
	return &Conn{ctx: ctx, caps: caps}
}

// Context returns the thread the connection calls from.
func (c *Conn) Context() platform.Context {
	return c.ctx
}

// Caps returns the thread's capability table.
func (c *Conn) Caps() *CapTable {
	return c.caps
}

// halt stops the calling thread for good.
func (c *Conn) halt(format string, v ...any) {
	log.Log().WarningfAtDepth(1, format, v...)
	c.ctx.Halt()
	panic("Halt returned")
}

// Call sends snd to dst, blocks for the reply, decodes it into rcv and returns
// the reply's exception code.
//
// Calling an invalid capability, and any kernel IPC error, halts the calling
// thread: Call does not return.
func (c *Conn) Call(dst capability.Capability, snd, rcv *msgbuf.Msgbuf) ExceptionCode {
	callsMetric.Increment()
	if !dst.Valid() {
		c.halt("IPC call to invalid capability")
	}
	u := c.ctx.UTCB()
	if err := c.caps.PrepareWindow(u); err != nil {
		c.halt("IPC call to %v: %v", dst, err)
	}
	tag := Marshal(u, uint64(dst.Badge()), snd)
	rtag, err := c.ctx.Call(dst.Selector(), tag)
	if err != nil {
		c.halt("IPC call to %v failed: %v", dst, err)
	}
	protocol, err := Unmarshal(u, rtag, rcv, c.caps)
	if err != nil {
		diag.Warningf("Reply from %v: %v", dst, err)
	}
	return ExceptionCode(int64(protocol))
}

// ServerState is the state of a server loop.
type ServerState uint8

const (
	// StateWaitInitial is the state before the first request.
	StateWaitInitial ServerState = iota

	// StateServicing is the state while a request is being handled.
	StateServicing

	// StateWaitOnError is the state while retrying a failed receive.
	StateWaitOnError
)

func (s ServerState) String() string {
	switch s {
	case StateWaitInitial:
		return "wait-initial"
	case StateServicing:
		return "servicing"
	case StateWaitOnError:
		return "wait-on-error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Retry pacing of failed receives.
const (
	retryInitialInterval = time.Millisecond
	retryMaxInterval     = 100 * time.Millisecond
)

// Server is the server side of IPC for one thread waiting on one endpoint.
//
// A Server is used only by the goroutine playing its thread.
type Server struct {
	ctx  platform.Context
	caps *CapTable
	ep   capability.Selector

	state        ServerState
	replyPending bool
	retry        *backoff.ExponentialBackOff
}

// NewServer returns a server receiving on the endpoint ep.
func NewServer(ctx platform.Context, caps *CapTable, ep capability.Selector) *Server {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	// Retry for as long as the thread exists.
	b.MaxElapsedTime = 0
	b.Reset()
	return &Server{
		ctx:   ctx,
		caps:  caps,
		ep:    ep,
		state: StateWaitInitial,
		retry: b,
	}
}

// State returns the current state of the server loop.
func (s *Server) State() ServerState {
	return s.state
}

// Context returns the server thread.
func (s *Server) Context() platform.Context {
	return s.ctx
}

// Receive replies with reply, if non-nil and a caller is waiting, and blocks
// for the next message. Kernel errors are retried. The only error returned is
// coreerr.ErrDead, once the server thread is destroyed.
func (s *Server) Receive(reply *platform.Tag) (platform.Tag, capability.Badge, error) {
	if !s.replyPending {
		reply = nil
	}
	s.replyPending = false
	u := s.ctx.UTCB()
	for {
		if err := s.caps.PrepareWindow(u); err != nil {
			// Capabilities sent to us are dropped by the kernel.
			diag.Warningf("Server receive window: %v", err)
		}
		tag, badge, err := s.ctx.ReplyRecv(s.ep, reply)
		reply = nil
		if err == nil {
			s.retry.Reset()
			s.state = StateServicing
			s.replyPending = true
			requestsMetric.Increment()
			return tag, badge, nil
		}
		if s.ctx.Destroyed() {
			return platform.Tag{}, capability.InvalidBadge, coreerr.ErrDead
		}
		s.state = StateWaitOnError
		recvRetryMetric.Increment()
		d := s.retry.NextBackOff()
		diag.Warningf("Server receive failed, retrying in %v: %v", d, err)
		time.Sleep(d)
	}
}

// ReplyAndWait replies to the previous caller with exc and reply, then blocks
// for the next request and decodes it into request. It returns the
// kernel-verified badge of the capability the caller invoked.
//
// No reply is sent before the first request, after a dropped request, or
// when exc is InvalidObject. Requests that are malformed or whose protocol
// word does not match the verified badge are dropped without a reply.
func (s *Server) ReplyAndWait(exc ExceptionCode, reply, request *msgbuf.Msgbuf) (capability.Badge, error) {
	var tag *platform.Tag
	if s.replyPending && exc != InvalidObject {
		t := Marshal(s.ctx.UTCB(), uint64(exc), reply)
		tag = &t
	}
	for {
		rtag, badge, err := s.Receive(tag)
		tag = nil
		if err != nil {
			return capability.InvalidBadge, err
		}
		if rtag.Label != platform.LabelIPC {
			diag.Warningf("Server dropping %v message from %v", rtag.Label, badge)
			s.drop()
			continue
		}
		protocol, err := Unmarshal(s.ctx.UTCB(), rtag, request, s.caps)
		if err != nil {
			if errors.Is(err, coreerr.ErrForgedBadge) {
				forgedMetric.Increment()
			}
			diag.Warningf("Server dropping request from %v: %v", badge, err)
			s.drop()
			continue
		}
		if protocol != uint64(badge) {
			forgedMetric.Increment()
			diag.Warningf("Server dropping request claiming %v from %v", capability.Badge(protocol), badge)
			s.drop()
			continue
		}
		return badge, nil
	}
}

// drop forgets the current caller. It never receives a reply.
func (s *Server) drop() {
	s.replyPending = false
}

// Reply sends a best-effort reply to the current caller without blocking. It
// is used by a server about to leave its loop; failures are only logged.
func (s *Server) Reply(exc ExceptionCode, msg *msgbuf.Msgbuf) {
	if !s.replyPending {
		return
	}
	s.replyPending = false
	tag := Marshal(s.ctx.UTCB(), uint64(exc), msg)
	if err := s.ctx.Reply(tag); err != nil {
		replyFailedMetric.Increment()
		log.Warningf("IPC reply failed: %v", err)
	}
}
