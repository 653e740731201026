// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

import (
	"fmt"
	"sort"
	"sync"
)

// JobDefinition describes a registered job implementation: how to build
// an instance, how it gets dispatched, which realm group owns it, and
// its default cron schedule (empty for jobs without one).
type JobDefinition struct {
	Factory  func() Job
	Type     JobType
	Group    string
	Schedule string
}

// Registry maps stable job keys to their definitions. It replaces
// runtime class loading: the valid job set is populated at process
// startup and statically enumerable.
type Registry struct {
	mu   sync.Mutex
	defs map[string]JobDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]JobDefinition)}
}

// Register adds a job definition under the given key. Registering the
// same key twice or a definition without a factory is an error.
func (r *Registry) Register(key string, def JobDefinition) error {
	if key == "" {
		return fmt.Errorf("pinsetter: no job key specified")
	}
	if def.Factory == nil {
		return fmt.Errorf("pinsetter: job %s has no factory", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.defs[key]; found {
		return fmt.Errorf("pinsetter: job %s already registered", key)
	}
	r.defs[key] = def
	return nil
}

// Resolve returns the definition for the given key, or ErrNotFound.
func (r *Registry) Resolve(key string) (JobDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, found := r.defs[key]
	if !found {
		return JobDefinition{}, ErrNotFound
	}
	return def, nil
}

// Keys returns all registered job keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.defs))
	for k := range r.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
