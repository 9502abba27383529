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

package errors_test

import (
	"fmt"
	"testing"

	"capcore.dev/capcore/pkg/errors"
	"capcore.dev/capcore/pkg/errors/coreerr"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("creating session %q: %w", "test", coreerr.ErrOutOfUntyped)
	k, ok := errors.KindOf(wrapped)
	if !ok || k != errors.Exhausted {
		t.Errorf("KindOf(%v) = (%v, %t), want (%v, true)", wrapped, k, ok, errors.Exhausted)
	}
	if !errors.IsExhausted(wrapped) {
		t.Errorf("IsExhausted(%v) = false", wrapped)
	}
	if errors.IsExhausted(coreerr.ErrSlotEmpty) {
		t.Errorf("IsExhausted(ErrSlotEmpty) = true")
	}
	if _, ok := errors.KindOf(fmt.Errorf("plain")); ok {
		t.Errorf("KindOf(plain error) reported a kind")
	}
	if !errors.IsDead(coreerr.ErrCancelled) {
		t.Errorf("IsDead(ErrCancelled) = false")
	}
}
