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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered once, usually from package variable initializers,
// and exported in the Prometheus text exposition format.
package metric

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"capcore.dev/capcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that the metric name does not have the form
	// "/component/name".
	ErrInvalidName = errors.New("metric name is not of the form /[a-z0-9_]+(/[a-z0-9_]+)*")
)

// Prefix is prepended to every exported metric name.
const Prefix = "capcore"

var validName = regexp.MustCompile(`^(/[a-z0-9_]+)+$`)

// Uint64Metric encapsulates a uint64 that represents some kind of counter to
// be monitored.
type Uint64Metric struct {
	name        string
	description string
	value       atomic.Uint64
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Name returns the registered name of the metric.
func (m *Uint64Metric) Name() string {
	return m.name
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu sync.Mutex
	// +checklocks:mu
	uint64Metrics map[string]*Uint64Metric
}

func makeMetricSet() *metricSet {
	return &metricSet{uint64Metrics: make(map[string]*Uint64Metric)}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string) (*Uint64Metric, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNameInUse)
	}
	m := &Uint64Metric{name: name, description: description}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// ExportedName returns the Prometheus name of the metric registered as name.
func ExportedName(name string) string {
	return Prefix + strings.ReplaceAll(name, "/", "_")
}

// Snapshot returns the current value of every metric, keyed by registered
// name.
func Snapshot() map[string]uint64 {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	s := make(map[string]uint64, len(allMetrics.uint64Metrics))
	for name, m := range allMetrics.uint64Metrics {
		s[name] = m.Value()
	}
	return s
}

// WriteText writes every metric to w in the Prometheus text exposition
// format, sorted by name.
func WriteText(w io.Writer) error {
	allMetrics.mu.Lock()
	metrics := make([]*Uint64Metric, 0, len(allMetrics.uint64Metrics))
	for _, m := range allMetrics.uint64Metrics {
		metrics = append(metrics, m)
	}
	allMetrics.mu.Unlock()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	bw := bufio.NewWriter(w)
	for _, m := range metrics {
		name := ExportedName(m.name)
		fmt.Fprintf(bw, "# HELP %s %s\n", name, escapeHelp(m.description))
		fmt.Fprintf(bw, "# TYPE %s counter\n", name)
		fmt.Fprintf(bw, "%s %d\n", name, m.Value())
	}
	return bw.Flush()
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(s string) string {
	return helpEscaper.Replace(s)
}
