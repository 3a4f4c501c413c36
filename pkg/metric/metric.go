// Copyright 2025 The Basalt Authors.
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
// Metrics are registered against a Registry, updated with atomic operations
// (never locks, so updates are safe on hot paths), and exported on demand in
// the Prometheus text exposition format.
package metric

import (
	"errors"
	"fmt"
	"sort"

	"basalt.dev/basalt/pkg/atomicbitops"
	"basalt.dev/basalt/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")
)

// Type is the type of an exported metric.
type Type int

// List of supported metric types.
const (
	TypeCounter = Type(iota)
	TypeGauge
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored. It is a cumulative counter: it only ever goes up.
type Uint64Metric struct {
	value atomicbitops.Uint64
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// entry is a registered metric with its metadata.
type entry struct {
	name string
	help string
	typ  Type

	// Exactly one of metric and gauge is set.
	metric *Uint64Metric
	gauge  func() int64
}

func (e *entry) value() int64 {
	if e.metric != nil {
		return int64(e.metric.Value())
	}
	return e.gauge()
}

// Registry holds a set of named metrics.
//
// A Registry is internally synchronized for registration and export;
// metric updates themselves never touch the Registry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty metric registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// RegisterUint64 creates and registers a new cumulative counter.
func (r *Registry) RegisterUint64(name, help string) (*Uint64Metric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{}
	r.entries[name] = &entry{name: name, help: help, typ: TypeCounter, metric: m}
	return m, nil
}

// MustRegisterUint64 calls RegisterUint64 and panics on failure.
func (r *Registry) MustRegisterUint64(name, help string) *Uint64Metric {
	m, err := r.RegisterUint64(name, help)
	if err != nil {
		panic(fmt.Sprintf("registering metric %q: %v", name, err))
	}
	return m
}

// RegisterGauge registers a gauge backed by the given function. The function
// is invoked at export time and must be safe to call concurrently.
func (r *Registry) RegisterGauge(name, help string, fn func() int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return ErrNameInUse
	}
	r.entries[name] = &entry{name: name, help: help, typ: TypeGauge, gauge: fn}
	return nil
}

// MustRegisterGauge calls RegisterGauge and panics on failure.
func (r *Registry) MustRegisterGauge(name, help string, fn func() int64) {
	if err := r.RegisterGauge(name, help, fn); err != nil {
		panic(fmt.Sprintf("registering gauge %q: %v", name, err))
	}
}

// sorted returns the registered entries in name order.
func (r *Registry) sorted() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	return all
}
