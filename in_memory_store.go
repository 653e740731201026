// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

import (
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production.
type InMemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*JobStatus
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*JobStatus),
	}
}

// Start the store.
func (st *InMemoryStore) Start() error {
	return nil
}

// Get returns the status with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Get(id string) (*JobStatus, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	status, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	return status.Clone(), nil
}

// Create adds a new status.
func (st *InMemoryStore) Create(status *JobStatus) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.jobs[status.ID] = status.Clone()
	return nil
}

// Merge updates the status.
func (st *InMemoryStore) Merge(status *JobStatus) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	status.Updated = time.Now().UnixNano()
	st.jobs[status.ID] = status.Clone()
	return nil
}

// Delete removes the status.
func (st *InMemoryStore) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.jobs, id)
	return nil
}

// FindCanceled returns canceled statuses belonging to the given groups.
func (st *InMemoryStore) FindCanceled(groups []string) ([]*JobStatus, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	owned := make(map[string]bool, len(groups))
	for _, g := range groups {
		owned[g] = true
	}
	var found []*JobStatus
	for _, status := range st.jobs {
		if status.State == Canceled && owned[status.Group] {
			found = append(found, status.Clone())
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found, nil
}

// CancelOrphaned marks statuses stuck in Queued or Running as Canceled.
func (st *InMemoryStore) CancelOrphaned(exclude []string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var n int
	now := time.Now().UnixNano()
	for _, status := range st.jobs {
		if excluded[status.ID] {
			continue
		}
		if status.State == Queued || status.State == Running {
			status.State = Canceled
			status.Updated = now
			n++
		}
	}
	return n, nil
}

// CountRunning returns the number of running statuses for a target/key pair.
func (st *InMemoryStore) CountRunning(targetID, key string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for _, status := range st.jobs {
		if status.State == Running && status.TargetID == targetID && status.Key == key {
			n++
		}
	}
	return n, nil
}

// List finds matching statuses.
func (st *InMemoryStore) List(req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var matches []*JobStatus
	for _, status := range st.jobs {
		if req.Key != "" && status.Key != req.Key {
			continue
		}
		if req.Group != "" && status.Group != req.Group {
			continue
		}
		if req.Type != "" && status.Type != req.Type {
			continue
		}
		if req.State != "" && status.State != req.State {
			continue
		}
		if req.TargetID != "" && status.TargetID != req.TargetID {
			continue
		}
		if req.CorrelationID != "" && status.CorrelationID != req.CorrelationID {
			continue
		}
		matches = append(matches, status.Clone())
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Updated > matches[j].Updated })

	rsp := &ListResponse{Total: len(matches)}
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[req.Offset:]
		}
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	rsp.Jobs = matches
	return rsp, nil
}

// Stats returns statistics about the statuses in the store.
func (st *InMemoryStore) Stats(req *StatsRequest) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, status := range st.jobs {
		if req != nil {
			if req.Key != "" && status.Key != req.Key {
				continue
			}
			if req.Group != "" && status.Group != req.Group {
				continue
			}
		}
		switch status.State {
		case Created:
			stats.Created++
		case Pending:
			stats.Pending++
		case Queued:
			stats.Queued++
		case Running:
			stats.Running++
		case Finished:
			stats.Finished++
		case Failed:
			stats.Failed++
		case Canceled:
			stats.Canceled++
		case Waiting:
			stats.Waiting++
		}
	}
	return stats, nil
}
