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
	"errors"

	cerrors "capcore.dev/capcore/pkg/errors"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/ipc"
)

// wireErrors are the errors that cross the IPC boundary by exception code.
// The code of an error is its index; code 0 is success. Append only.
var wireErrors = []error{
	nil,
	coreerr.ErrOutOfCapSlots,
	coreerr.ErrOutOfUntyped,
	coreerr.ErrCapSpaceFull,
	coreerr.ErrQuotaExceeded,
	coreerr.ErrSlotEmpty,
	coreerr.ErrSlotOccupied,
	coreerr.ErrBadIndex,
	coreerr.ErrRetype,
	coreerr.ErrWrongType,
	coreerr.ErrNotPrivileged,
	coreerr.ErrInvalidCapability,
	coreerr.ErrDead,
	coreerr.ErrBadMapping,
	coreerr.ErrNoPager,
	coreerr.ErrPagerExists,
	coreerr.ErrInvalidOpcode,
}

// ErrRemote is reported for a failure the server did not classify.
var ErrRemote = cerrors.New(cerrors.IPC, "remote operation failed")

// excRemote is the code of ErrRemote.
const excRemote ipc.ExceptionCode = 255

// Exception returns the exception code that reports err to a client.
func Exception(err error) ipc.ExceptionCode {
	if err == nil {
		return ipc.Success
	}
	for i, e := range wireErrors[1:] {
		if errors.Is(err, e) {
			return ipc.ExceptionCode(i + 1)
		}
	}
	return excRemote
}

// ErrorOf returns the error reported by exception code exc.
func ErrorOf(exc ipc.ExceptionCode) error {
	switch {
	case exc == ipc.Success:
		return nil
	case exc > 0 && int(exc) < len(wireErrors):
		return wireErrors[exc]
	default:
		return ErrRemote
	}
}
