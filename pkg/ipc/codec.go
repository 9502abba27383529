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

// Package ipc implements the message format and the client and server
// transport primitives of synchronous IPC.
//
// A message occupies the message registers of the sender's UTCB as follows:
//
//	MR[0]          protocol word: destination badge on request, exception
//	               code on reply
//	MR[1]          capability count N
//	MR[2..2+N)     capability badges, capability.InvalidBadge for none
//	MR[2+N..)      payload, rounded up to whole words
//
// The layout is identical for every kernel. Valid capabilities are also
// named as send items, in order, so that the kernel transfers them.
package ipc

import (
	"errors"
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/msgbuf"
	"capcore.dev/capcore/pkg/platform"
)

// Register indices of the message header.
const (
	wordProtocol = iota
	wordCapCount
	wordBadges
)

// headerWords is the number of registers before the badges.
const headerWords = wordBadges

// MaxPayload is the largest payload, in bytes, of a message carrying no
// capabilities.
const MaxPayload = (platform.NumMessageRegisters - headerWords) * hostarch.WordSize

// Marshal writes protocol and msg into u and returns the tag describing the
// message. A payload that does not fit the message registers is truncated
// with a diagnostic.
func Marshal(u *platform.UTCB, protocol uint64, msg *msgbuf.Msgbuf) platform.Tag {
	n := msg.UsedCaps()
	u.MR[wordProtocol] = protocol
	u.MR[wordCapCount] = uint64(n)
	items := 0
	for i := 0; i < n; i++ {
		c := msg.Cap(i)
		if !c.Valid() {
			u.MR[wordBadges+i] = uint64(capability.InvalidBadge)
			continue
		}
		u.MR[wordBadges+i] = uint64(c.Badge())
		u.SendItems[items] = c.Selector()
		items++
	}

	words := wordBadges + n
	data := msg.Bytes()
	dataWords := (len(data) + hostarch.WordSize - 1) / hostarch.WordSize
	if words+dataWords > platform.NumMessageRegisters {
		truncatedMetric.Increment()
		diag.Warningf("IPC message of %d bytes truncated to %d", len(data), (platform.NumMessageRegisters-words)*hostarch.WordSize)
		dataWords = platform.NumMessageRegisters - words
		data = data[:dataWords*hostarch.WordSize]
	}
	for i := 0; i < dataWords; i++ {
		var w [hostarch.WordSize]byte
		copy(w[:], data[i*hostarch.WordSize:])
		u.MR[words+i] = hostarch.ByteOrder.Uint64(w[:])
	}
	return platform.Tag{Label: platform.LabelIPC, Words: words + dataWords, Items: items}
}

// Unmarshal decodes the message described by tag from u into msg and returns
// its protocol word.
//
// Every register is copied out before the capability table is touched: table
// operations may perform nested IPC on this thread, which overwrites the
// registers.
//
// A malformed message yields coreerr.ErrMalformedMessage and a capability
// whose kernel-reported badge differs from its badge word yields
// coreerr.ErrForgedBadge. msg holds whatever could be decoded in both cases.
func Unmarshal(u *platform.UTCB, tag platform.Tag, msg *msgbuf.Msgbuf, caps *CapTable) (uint64, error) {
	msg.Reset()
	if tag.Words < headerWords {
		malformedMetric.Increment()
		diag.Warningf("IPC message of %d words lacks a header", tag.Words)
		var protocol uint64
		if tag.Words > wordProtocol {
			protocol = u.MR[wordProtocol]
		}
		caps.discardItems(u.RecvItems[:min(max(tag.Items, 0), platform.MaxItems)])
		return protocol, coreerr.ErrMalformedMessage
	}
	words := min(tag.Words, platform.NumMessageRegisters)

	// Copy out all registers.
	protocol := u.MR[wordProtocol]
	var decodeErr error
	n := int(min(u.MR[wordCapCount], msgbuf.MaxCapsPerMsg))
	if u.MR[wordCapCount] > msgbuf.MaxCapsPerMsg {
		diag.Warningf("IPC message claims %d capabilities, limit is %d", u.MR[wordCapCount], msgbuf.MaxCapsPerMsg)
		decodeErr = coreerr.ErrMalformedMessage
	}
	if wordBadges+n > words {
		diag.Warningf("IPC message of %d words claims %d capabilities", words, n)
		n = words - wordBadges
		decodeErr = coreerr.ErrMalformedMessage
	}
	var badges [msgbuf.MaxCapsPerMsg]capability.Badge
	for i := 0; i < n; i++ {
		badges[i] = capability.Badge(u.MR[wordBadges+i])
	}
	var items [platform.MaxItems]platform.ReceivedItem
	numItems := copy(items[:], u.RecvItems[:min(max(tag.Items, 0), platform.MaxItems)])

	payload := (words - wordBadges - n) * hostarch.WordSize
	if payload > msg.Capacity() {
		truncatedMetric.Increment()
		diag.Warningf("IPC payload of %d bytes exceeds buffer capacity %d", payload, msg.Capacity())
		payload = msg.Capacity()
	}
	data := msg.Data()
	for i := 0; i*hostarch.WordSize < payload; i++ {
		var w [hostarch.WordSize]byte
		hostarch.ByteOrder.PutUint64(w[:], u.MR[wordBadges+n+i])
		copy(data[i*hostarch.WordSize:payload], w[:])
	}
	msg.SetDataSize(payload)

	// The registers may be clobbered from here on.
	next := 0
	for i := 0; i < n; i++ {
		if badges[i] == capability.InvalidBadge {
			msg.InsertCap(capability.Invalid())
			continue
		}
		if next == numItems {
			diag.Warningf("IPC message claims capability %d but the kernel transferred only %d", i, numItems)
			decodeErr = coreerr.ErrMalformedMessage
			break
		}
		it := items[next]
		next++
		c, err := caps.bind(badges[i], it)
		if err != nil {
			decodeErr = err
		}
		msg.InsertCap(c)
	}
	caps.discardItems(items[next:numItems])
	if decodeErr != nil {
		if errors.Is(decodeErr, coreerr.ErrMalformedMessage) {
			malformedMetric.Increment()
		}
		return protocol, decodeErr
	}
	return protocol, nil
}

// bind resolves one transferred capability to a local one.
func (t *CapTable) bind(badge capability.Badge, it platform.ReceivedItem) (capability.Capability, error) {
	if it.Kind != platform.ItemNone && it.Badge != badge {
		diag.Warningf("Capability badge word %v does not match transferred badge %v", badge, it.Badge)
		if it.Kind == platform.ItemDelegated {
			t.discard(it.Selector)
		}
		return capability.Invalid(), fmt.Errorf("badge word %v for capability badged %v: %w", badge, it.Badge, coreerr.ErrForgedBadge)
	}
	switch it.Kind {
	case platform.ItemDelegated:
		return t.Insert(badge, it.Selector), nil
	case platform.ItemUnwrapped:
		if c, ok := t.Lookup(badge); ok {
			return c, nil
		}
		diag.Debugf("Unwrapped capability with unknown badge %v", badge)
		return capability.Invalid(), nil
	default:
		return capability.Invalid(), nil
	}
}

// discardItems releases delegated capabilities that were not consumed.
func (t *CapTable) discardItems(items []platform.ReceivedItem) {
	for _, it := range items {
		if it.Kind == platform.ItemDelegated {
			t.discard(it.Selector)
		}
	}
}
