// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

// Store implements persistent storage of job statuses. It is the single
// source of truth for the job subsystem and must support concurrent
// access from multiple workers and, for SQL/Mongo-backed stores, from
// multiple process instances. Consistency relies on the store's own
// transactional isolation, not on in-process locking.
type Store interface {
	// Start is called once on startup, before any job is dispatched.
	// This is the place for connection checks and schema or index
	// setup. Crash cleanup is not done here; the scheduler kernel calls
	// CancelOrphaned with the proper exclusions.
	Start() error

	// Get returns the status with the given identifier, or ErrNotFound.
	Get(id string) (*JobStatus, error)

	// Create adds a status to the store.
	Create(status *JobStatus) error

	// Merge updates a status in the store. This is called frequently as
	// jobs move through their lifecycle.
	Merge(status *JobStatus) error

	// Delete removes a status from the store. Used by cancellation
	// cleanup and retention policies only.
	Delete(id string) error

	// FindCanceled returns all statuses in state Canceled belonging to
	// one of the given realm groups.
	FindCanceled(groups []string) ([]*JobStatus, error)

	// CancelOrphaned marks statuses stuck in Queued or Running as
	// Canceled, excluding the given job ids. It returns the number of
	// statuses changed.
	CancelOrphaned(exclude []string) (int, error)

	// CountRunning returns the number of statuses in state Running for
	// the given target and job key.
	CountRunning(targetID, key string) (int, error)

	// List returns statuses matching the request.
	List(request *ListRequest) (*ListResponse, error)

	// Stats returns counts of statuses per state.
	Stats(request *StatsRequest) (*Stats, error)
}

// ListRequest specifies a filter for listing job statuses.
type ListRequest struct {
	Key           string   // filter by job key
	Group         string   // filter by realm group
	Type          JobType  // filter by job type
	State         JobState // filter by state
	TargetID      string   // filter by target
	CorrelationID string   // filter by correlation identifier
	Limit         int      // maximum number of statuses to return
	Offset        int      // number of statuses to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int          // total number of matches, ignoring pagination
	Jobs  []*JobStatus // matching statuses
}

// StatsRequest filters the statistics returned by Stats.
type StatsRequest struct {
	Key   string // filter by job key
	Group string // filter by realm group
}

// Stats holds counts of job statuses per state.
type Stats struct {
	Created  int `json:"created"`
	Pending  int `json:"pending"`
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
	Waiting  int `json:"waiting"`
}
