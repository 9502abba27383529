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
	"sort"

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/sync"
)

// ThreadRegistry tracks the threads of all sessions by their full name.
type ThreadRegistry struct {
	mu sync.RWMutex
	// +checklocks:mu
	threads map[string]*PlatformThread
}

// NewThreadRegistry returns an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{threads: make(map[string]*PlatformThread)}
}

// Register adds t.
func (r *ThreadRegistry) Register(t *PlatformThread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.FullName()
	if _, ok := r.threads[name]; ok {
		return fmt.Errorf("thread %q already registered: %w", name, coreerr.ErrSlotOccupied)
	}
	r.threads[name] = t
	return nil
}

// Unregister removes t, if registered.
func (r *ThreadRegistry) Unregister(t *PlatformThread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.FullName()
	if r.threads[name] == t {
		delete(r.threads, name)
	}
}

// Lookup returns the thread with the given full name.
func (r *ThreadRegistry) Lookup(name string) (*PlatformThread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[name]
	return t, ok
}

// Names returns the full names of all threads, sorted.
func (r *ThreadRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.threads))
	for name := range r.threads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered threads.
func (r *ThreadRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}
