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

package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"capcore.dev/capcore/pkg/errors/coreerr"
)

const testTimeout = 5 * time.Second

// semaphore is a binary semaphore like a kernel notification object.
type semaphore chan struct{}

func (s semaphore) Signal() {
	select {
	case s <- struct{}{}:
	default:
	}
}

func (s semaphore) Wait() error {
	<-s
	return nil
}

func newReceiver() *Receiver {
	return NewReceiver(make(semaphore, 1))
}

func mustContext(t *testing.T, r *Receiver, imprint uint64) *Context {
	t.Helper()
	c, err := r.NewContext(imprint)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	return c
}

type delivery struct {
	Imprint uint64
	Count   uint
}

func drain(t *testing.T, r *Receiver, n int) []delivery {
	t.Helper()
	var ds []delivery
	for i := 0; i < n; i++ {
		s, err := r.WaitForSignal()
		if err != nil {
			t.Fatalf("WaitForSignal failed: %v", err)
		}
		ds = append(ds, delivery{s.Imprint, s.Count})
		s.Context.Ack()
	}
	return ds
}

func TestDeliveryOrder(t *testing.T) {
	r := newReceiver()
	a := mustContext(t, r, 0xa)
	b := mustContext(t, r, 0xb)
	c := mustContext(t, r, 0xc)

	// Order of first becoming deliverable, not of count.
	b.Submit(1)
	a.Submit(100)
	b.Submit(2)
	c.Submit(7)
	a.Submit(1)

	want := []delivery{{0xb, 3}, {0xa, 101}, {0xc, 7}}
	if diff := cmp.Diff(want, drain(t, r, 3)); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	if r.Pending() {
		t.Errorf("receiver still has pending contexts")
	}
}

func TestResubmitDuringDelivery(t *testing.T) {
	r := newReceiver()
	a := mustContext(t, r, 1)
	a.Submit(1)
	s, err := r.WaitForSignal()
	if err != nil {
		t.Fatalf("WaitForSignal failed: %v", err)
	}
	a.Submit(2)
	s.Context.Ack()
	if diff := cmp.Diff([]delivery{{1, 2}}, drain(t, r, 1)); diff != "" {
		t.Errorf("second delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestNoRedeliveryBeforeAck(t *testing.T) {
	r := newReceiver()
	a := mustContext(t, r, 1)
	a.Submit(1)
	s, err := r.WaitForSignal()
	if err != nil {
		t.Fatalf("WaitForSignal failed: %v", err)
	}
	a.Submit(2)
	if r.Pending() {
		t.Fatalf("context deliverable again before Ack")
	}
	got := make(chan Signal, 1)
	go func() {
		s, err := r.WaitForSignal()
		if err != nil {
			t.Errorf("WaitForSignal failed: %v", err)
		}
		got <- s
	}()
	select {
	case s := <-got:
		t.Fatalf("second delivery %#x/%d before Ack", s.Imprint, s.Count)
	case <-time.After(10 * time.Millisecond):
	}
	s.Context.Ack()
	select {
	case s := <-got:
		if s.Imprint != 1 || s.Count != 2 {
			t.Errorf("delivered %#x/%d after Ack, want 0x1/2", s.Imprint, s.Count)
		}
		s.Context.Ack()
	case <-time.After(testTimeout):
		t.Fatalf("WaitForSignal did not return after Ack")
	}
	if r.Pending() {
		t.Errorf("receiver still has pending contexts")
	}
}

func TestAckWithoutNewSignals(t *testing.T) {
	r := newReceiver()
	a := mustContext(t, r, 1)
	a.Submit(1)
	drain(t, r, 1)
	if r.Pending() {
		t.Errorf("acknowledged context without new signals is deliverable")
	}
}

func TestSubmitOverflow(t *testing.T) {
	r := newReceiver()
	a := mustContext(t, r, 1)
	a.Submit(^uint(0) - 1)
	before := overflowMetric.Value()
	a.Submit(2)
	if overflowMetric.Value() != before+1 {
		t.Errorf("overflowing submission not counted")
	}
	a.Submit(1)
	if diff := cmp.Diff([]delivery{{1, ^uint(0)}}, drain(t, r, 1)); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestWaitBlocksUntilSubmit(t *testing.T) {
	r := newReceiver()
	a := mustContext(t, r, 5)
	got := make(chan Signal, 1)
	go func() {
		s, err := r.WaitForSignal()
		if err != nil {
			t.Errorf("WaitForSignal failed: %v", err)
		}
		got <- s
	}()
	select {
	case <-got:
		t.Fatalf("WaitForSignal returned before any submission")
	case <-time.After(10 * time.Millisecond):
	}
	a.Submit(4)
	select {
	case s := <-got:
		if s.Imprint != 5 || s.Count != 4 {
			t.Errorf("delivered %#x/%d, want 0x5/4", s.Imprint, s.Count)
		}
	case <-time.After(testTimeout):
		t.Fatalf("WaitForSignal did not return")
	}
}

func TestKill(t *testing.T) {
	for _, tc := range []struct {
		name   string
		before func(r *Receiver, c *Context)
	}{
		{
			name:   "idle",
			before: func(*Receiver, *Context) {},
		},
		{
			name:   "queued",
			before: func(_ *Receiver, c *Context) { c.Submit(3) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newReceiver()
			c := mustContext(t, r, 1)
			tc.before(r, c)
			k := c.Kill()
			if err := k.Wait(); err != nil {
				t.Errorf("Killer.Wait = %v, want nil", err)
			}
			if st := c.State(); st != StateDestroyed {
				t.Errorf("State = %v, want %v", st, StateDestroyed)
			}
			c.Submit(1)
			if r.Pending() {
				t.Errorf("killed context is deliverable")
			}
			if n := r.Contexts(); n != 0 {
				t.Errorf("Contexts = %d, want 0", n)
			}
			// Killing twice completes at once.
			if err := c.Kill().Wait(); err != nil {
				t.Errorf("second Kill = %v, want nil", err)
			}
		})
	}
}

func TestKillInFlight(t *testing.T) {
	r := newReceiver()
	c := mustContext(t, r, 1)
	c.Submit(1)
	s, err := r.WaitForSignal()
	if err != nil {
		t.Fatalf("WaitForSignal failed: %v", err)
	}
	k := c.Kill()
	if st := c.State(); st != StateDraining {
		t.Errorf("State = %v, want %v", st, StateDraining)
	}
	select {
	case <-k.Done():
		t.Fatalf("kill completed while the delivery is in flight")
	default:
	}
	c.Submit(1)
	if r.Pending() {
		t.Errorf("draining context is deliverable")
	}
	s.Context.Ack()
	if err := k.Wait(); err != nil {
		t.Errorf("Killer.Wait = %v, want nil", err)
	}
	if st := c.State(); st != StateDestroyed {
		t.Errorf("State = %v, want %v", st, StateDestroyed)
	}
}

func TestDissolveCancelsKiller(t *testing.T) {
	r := newReceiver()
	c := mustContext(t, r, 1)
	c.Submit(1)
	if _, err := r.WaitForSignal(); err != nil {
		t.Fatalf("WaitForSignal failed: %v", err)
	}
	k := c.Kill()
	r.Dissolve()
	if err := k.Wait(); !errors.Is(err, coreerr.ErrCancelled) {
		t.Errorf("Killer.Wait = %v, want %v", err, coreerr.ErrCancelled)
	}
}

func TestDissolveWakesHandler(t *testing.T) {
	r := newReceiver()
	errc := make(chan error, 1)
	go func() {
		_, err := r.WaitForSignal()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	r.Dissolve()
	select {
	case err := <-errc:
		if !errors.Is(err, coreerr.ErrDead) {
			t.Errorf("WaitForSignal = %v, want %v", err, coreerr.ErrDead)
		}
	case <-time.After(testTimeout):
		t.Fatalf("WaitForSignal did not return")
	}
	if _, err := r.NewContext(2); !errors.Is(err, coreerr.ErrDead) {
		t.Errorf("NewContext after Dissolve = %v, want %v", err, coreerr.ErrDead)
	}
}
