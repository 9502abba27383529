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
	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/ipc"
	"capcore.dev/capcore/pkg/msgbuf"
)

// NewRequest returns a message holding op, args and caps.
func NewRequest(op Opcode, args []uint64, caps ...capability.Capability) *msgbuf.Msgbuf {
	m := msgbuf.New(ipc.MaxPayload)
	m.PutWord(uint64(op))
	for _, a := range args {
		m.PutWord(a)
	}
	for _, c := range caps {
		m.InsertCap(c)
	}
	return m
}

// Call invokes op on the object dst names and decodes the reply into reply.
// A failure reported by the object is returned as the error it encodes.
func Call(c *ipc.Conn, dst capability.Capability, op Opcode, args []uint64, reply *msgbuf.Msgbuf, caps ...capability.Capability) error {
	return ErrorOf(c.Call(dst, NewRequest(op, args, caps...), reply))
}
