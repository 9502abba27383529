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

package pager

import (
	"fmt"

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/platform"
)

// IpcPager is the view of one page fault given to a Resolver.
type IpcPager interface {
	// FaultIP returns the instruction pointer of the faulting access.
	FaultIP() hostarch.Addr

	// FaultAddr returns the faulting address.
	FaultAddr() hostarch.Addr

	// FaultType returns the classified fault.
	FaultType() FaultType

	// WriteFault returns true for write faults.
	WriteFault() bool

	// ExecFault returns true for instruction fetch faults.
	ExecFault() bool

	// SetReplyMapping stages m for the reply that resumes the thread.
	SetReplyMapping(m Mapping) error
}

// fault implements IpcPager over decoded fault metadata. It is filled either
// from a fault message or from the thread's fault state.
type fault struct {
	info  platform.FaultInfo
	typ   FaultType
	reply *Mapping
}

func newFault(info platform.FaultInfo) *fault {
	return &fault{info: info, typ: Classify(info.ErrorCode)}
}

// faultFromMessage decodes a fault IPC received in u.
func faultFromMessage(u *platform.UTCB, tag platform.Tag) (*fault, error) {
	if tag.Label != platform.LabelPageFault {
		return nil, fmt.Errorf("%v message is not a fault: %w", tag.Label, coreerr.ErrMalformedMessage)
	}
	if tag.Words < platform.FaultMessageWords {
		return nil, fmt.Errorf("fault message of %d words: %w", tag.Words, coreerr.ErrMalformedMessage)
	}
	return newFault(platform.FaultInfo{
		Addr:      hostarch.Addr(u.MR[platform.FaultMessageAddr]),
		IP:        hostarch.Addr(u.MR[platform.FaultMessageIP]),
		ErrorCode: u.MR[platform.FaultMessageErrorCode],
	}), nil
}

// faultFromState reads the fault a stopped thread is blocked on.
func faultFromState(k platform.Kernel, tcb kobj.Object) (*fault, error) {
	info, err := k.FaultState(tcb)
	if err != nil {
		return nil, err
	}
	return newFault(info), nil
}

// FaultIP implements IpcPager.FaultIP.
func (f *fault) FaultIP() hostarch.Addr { return f.info.IP }

// FaultAddr implements IpcPager.FaultAddr.
func (f *fault) FaultAddr() hostarch.Addr { return f.info.Addr }

// FaultType implements IpcPager.FaultType.
func (f *fault) FaultType() FaultType { return f.typ }

// WriteFault implements IpcPager.WriteFault.
func (f *fault) WriteFault() bool { return f.typ == FaultWrite }

// ExecFault implements IpcPager.ExecFault.
func (f *fault) ExecFault() bool { return f.typ == FaultExec }

// SetReplyMapping implements IpcPager.SetReplyMapping.
func (f *fault) SetReplyMapping(m Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if !m.Range().Contains(f.info.Addr) {
		return fmt.Errorf("mapping %v does not cover fault address %v: %w", m, f.info.Addr, coreerr.ErrBadMapping)
	}
	f.reply = &m
	return nil
}

func (f *fault) String() string {
	return fmt.Sprintf("%v fault at %v (ip %v, code %#x)", f.typ, f.info.Addr, f.info.IP, f.info.ErrorCode)
}
