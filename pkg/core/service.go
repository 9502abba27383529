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

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/ipc"
	"capcore.dev/capcore/pkg/msgbuf"
	"capcore.dev/capcore/pkg/rpc"
)

// Root service opcodes, invoked on the root capability.
const (
	// OpPing returns its argument plus one.
	OpPing rpc.Opcode = iota + 1

	// OpCreateSession(capSlots, ram) opens a session. The reply holds the
	// session id and the session capability.
	OpCreateSession
)

// Session opcodes, invoked on a session capability. The session is the one
// the invoked capability names.
const (
	// OpCloseSession closes the session.
	OpCloseSession rpc.Opcode = iota + 1

	// OpCreateThread(cpu) creates a thread in the session and returns its
	// index within the session. A cpu of ^0 selects any CPU.
	OpCreateThread
)

// anyCPU is the OpCreateThread argument that selects any CPU.
const anyCPU = ^uint64(0)

// SessionThreadName returns the name of the thread OpCreateThread reported
// as index i.
func SessionThreadName(i uint64) string {
	return fmt.Sprintf("thread-%d", i)
}

// args returns the first n argument words of req.
func args(req *rpc.Request, n int) ([]uint64, error) {
	a := make([]uint64, n)
	for i := range a {
		v, ok := req.Arg(i)
		if !ok {
			return nil, fmt.Errorf("opcode %d: missing argument %d: %w", req.Op, i, coreerr.ErrMalformedMessage)
		}
		a[i] = v
	}
	return a, nil
}

// rootService implements the root service on the root entrypoint.
type rootService struct {
	core *Core
}

// Dispatch implements rpc.Object.Dispatch.
func (s *rootService) Dispatch(req *rpc.Request, reply *msgbuf.Msgbuf) ipc.ExceptionCode {
	switch req.Op {
	case OpPing:
		a, err := args(req, 1)
		if err != nil {
			return rpc.Exception(err)
		}
		reply.PutWord(a[0] + 1)
	case OpCreateSession:
		a, err := args(req, 2)
		if err != nil {
			return rpc.Exception(err)
		}
		if a[0] > uint64(^uint32(0)) {
			return rpc.Exception(coreerr.ErrQuotaExceeded)
		}
		pd, err := s.core.CreatePD("", Quota{CapSlots: uint32(a[0]), RAM: a[1]})
		if err != nil {
			return rpc.Exception(err)
		}
		reply.PutWord(pd.ID())
		reply.InsertCap(pd.Capability())
	default:
		return rpc.Exception(fmt.Errorf("root service: opcode %d: %w", req.Op, coreerr.ErrInvalidOpcode))
	}
	return ipc.Success
}

// sessionService implements a session capability. Each session has its own,
// so the invoked badge alone names the session.
type sessionService struct {
	pd *PD
}

// Dispatch implements rpc.Object.Dispatch.
func (s *sessionService) Dispatch(req *rpc.Request, reply *msgbuf.Msgbuf) ipc.ExceptionCode {
	switch req.Op {
	case OpCloseSession:
		s.pd.Close()
	case OpCreateThread:
		a, err := args(req, 1)
		if err != nil {
			return rpc.Exception(err)
		}
		cpu := -1
		if a[0] != anyCPU {
			if a[0] >= uint64(len(s.pd.core.cpus)) {
				return rpc.Exception(fmt.Errorf("CPU %d out of range: %w", a[0], coreerr.ErrBadIndex))
			}
			cpu = int(a[0])
		}
		n := s.pd.nextThreadIndex()
		if _, err := s.pd.CreateThread(SessionThreadName(n), cpu); err != nil {
			return rpc.Exception(err)
		}
		reply.PutWord(n)
	default:
		return rpc.Exception(fmt.Errorf("session %q: opcode %d: %w", s.pd.label, req.Op, coreerr.ErrInvalidOpcode))
	}
	return ipc.Success
}
