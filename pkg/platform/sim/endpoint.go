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

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/platform"
)

// Endpoint is a synchronous IPC endpoint.
type Endpoint struct {
	kobj.Refs

	// calls is unbuffered: a send completes only when a receiver takes
	// the message. Blocked senders are served in FIFO order.
	calls chan *message

	// dead is closed when the endpoint is destroyed.
	dead chan struct{}
}

func newEndpoint() *Endpoint {
	e := &Endpoint{
		calls: make(chan *message),
		dead:  make(chan struct{}),
	}
	e.InitRefs()
	e.OnRelease(func() { close(e.dead) })
	return e
}

// Type implements kobj.Object.Type.
func (*Endpoint) Type() kobj.Type { return kobj.Endpoint }

// message is a call in flight.
type message struct {
	sender *Thread
	label  platform.Label
	mr     []uint64

	// from and items name the transferred capabilities in the sender's
	// capability space.
	from  *capspace.CNode
	items []capability.Selector

	// badge is the badge of the capability the sender invoked.
	badge capability.Badge

	// reply has capacity 1 so that replying never blocks.
	reply chan result
}

// result completes a call.
type result struct {
	tag platform.Tag
	err error
}

// errAbandoned is reported to a caller whose receiver waited for the next
// message without replying.
var errAbandoned = errors.New("reply abandoned")

// faultInfo decodes the registers of a fault message.
func (m *message) faultInfo() platform.FaultInfo {
	return platform.FaultInfo{
		Addr:      hostarch.Addr(m.mr[platform.FaultMessageAddr]),
		IP:        hostarch.Addr(m.mr[platform.FaultMessageIP]),
		ErrorCode: m.mr[platform.FaultMessageErrorCode],
	}
}

// abandon completes m without a reply. An abandoned fault leaves the
// faulting thread stopped on it, to be resumed by Kernel.ResumeFault.
func (m *message) abandon() {
	m.reply <- result{err: fmt.Errorf("%w: %w", coreerr.ErrIPCFailed, errAbandoned)}
}

// send queues m on e and blocks until a receiver takes it.
func (e *Endpoint) send(t *Thread, m *message) error {
	select {
	case e.calls <- m:
		return nil
	case <-e.dead:
		return coreerr.ErrDead
	case <-t.dead:
		return coreerr.ErrDead
	}
}

// recv blocks until a message arrives on e.
func (e *Endpoint) recv(t *Thread) (*message, error) {
	select {
	case m := <-e.calls:
		return m, nil
	case <-e.dead:
		return nil, coreerr.ErrDead
	case <-t.dead:
		return nil, coreerr.ErrDead
	}
}
