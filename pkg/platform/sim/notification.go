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
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/kobj"
)

// Notification is a binary semaphore. It implements platform.Notifier.
type Notification struct {
	kobj.Refs

	word chan struct{}
	dead chan struct{}
}

func newNotification() *Notification {
	n := &Notification{
		word: make(chan struct{}, 1),
		dead: make(chan struct{}),
	}
	n.InitRefs()
	n.OnRelease(func() { close(n.dead) })
	return n
}

// Type implements kobj.Object.Type.
func (*Notification) Type() kobj.Type { return kobj.Notification }

// Signal implements platform.Notifier.Signal.
func (n *Notification) Signal() {
	select {
	case n.word <- struct{}{}:
	default:
	}
}

// Wait implements platform.Notifier.Wait.
func (n *Notification) Wait() error {
	select {
	case <-n.word:
		return nil
	case <-n.dead:
		return coreerr.ErrDead
	}
}
