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

// Package msgbuf provides the message buffer exchanged by IPC: a bounded byte
// payload plus a bounded list of embedded capabilities.
//
// A Msgbuf is position independent and is owned by one thread. It is reset
// between uses, filled by the sender, and overwritten by the transport on
// receipt.
package msgbuf

import (
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
)

// MaxCapsPerMsg is the maximum number of capabilities one message carries.
const MaxCapsPerMsg = 4

// Msgbuf is a message buffer.
type Msgbuf struct {
	data     []byte
	size     int
	caps     [MaxCapsPerMsg]capability.Capability
	usedCaps int
}

// New returns an empty buffer with a payload capacity of capacity bytes.
func New(capacity int) *Msgbuf {
	return &Msgbuf{data: make([]byte, capacity)}
}

// Capacity returns the payload capacity in bytes.
func (m *Msgbuf) Capacity() int {
	return len(m.data)
}

// Data returns the whole payload area, regardless of DataSize.
func (m *Msgbuf) Data() []byte {
	return m.data
}

// Bytes returns the valid part of the payload.
func (m *Msgbuf) Bytes() []byte {
	return m.data[:m.size]
}

// DataSize returns the number of valid payload bytes.
func (m *Msgbuf) DataSize() int {
	return m.size
}

// SetDataSize sets the number of valid payload bytes, clamped to Capacity.
func (m *Msgbuf) SetDataSize(n int) {
	m.size = max(0, min(n, len(m.data)))
}

// Reset empties the payload and drops all embedded capabilities.
func (m *Msgbuf) Reset() {
	m.size = 0
	m.usedCaps = 0
	for i := range m.caps {
		m.caps[i] = capability.Invalid()
	}
}

// InsertCap appends c to the embedded capabilities. An invalid c occupies a
// slot and is transferred as "no capability".
func (m *Msgbuf) InsertCap(c capability.Capability) error {
	if m.usedCaps == MaxCapsPerMsg {
		return fmt.Errorf("message holds %d capabilities already: %w", MaxCapsPerMsg, coreerr.ErrMalformedMessage)
	}
	m.caps[m.usedCaps] = c
	m.usedCaps++
	return nil
}

// Cap returns the i'th embedded capability, or an invalid capability if there
// is none.
func (m *Msgbuf) Cap(i int) capability.Capability {
	if i < 0 || i >= m.usedCaps {
		return capability.Invalid()
	}
	return m.caps[i]
}

// UsedCaps returns the number of embedded capabilities.
func (m *Msgbuf) UsedCaps() int {
	return m.usedCaps
}

// Append copies b to the end of the payload.
func (m *Msgbuf) Append(b []byte) error {
	if len(b) > len(m.data)-m.size {
		return fmt.Errorf("%d bytes exceed remaining capacity %d: %w", len(b), len(m.data)-m.size, coreerr.ErrMalformedMessage)
	}
	m.size += copy(m.data[m.size:], b)
	return nil
}

// PutWord appends one machine word to the payload.
func (m *Msgbuf) PutWord(v uint64) error {
	if len(m.data)-m.size < hostarch.WordSize {
		return fmt.Errorf("word does not fit: %w", coreerr.ErrMalformedMessage)
	}
	hostarch.ByteOrder.PutUint64(m.data[m.size:], v)
	m.size += hostarch.WordSize
	return nil
}

// Word returns the i'th machine word of the valid payload.
func (m *Msgbuf) Word(i int) (uint64, bool) {
	off := i * hostarch.WordSize
	if i < 0 || off+hostarch.WordSize > m.size {
		return 0, false
	}
	return hostarch.ByteOrder.Uint64(m.data[off:]), true
}

// String implements fmt.Stringer.
func (m *Msgbuf) String() string {
	return fmt.Sprintf("msgbuf{size=%d/%d caps=%v}", m.size, len(m.data), m.caps[:m.usedCaps])
}
