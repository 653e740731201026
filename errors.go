// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

import "errors"

var (
	// ErrNotFound must be returned from Store implementations when a
	// certain job could not be found in the specific data store.
	ErrNotFound = errors.New("pinsetter: job not found")

	// ErrNotRetriable is returned when a retry is requested for a job
	// that is not of messaging type or has not reached a terminal state.
	// It is a client-input error; the job status is left unchanged.
	ErrNotRetriable = errors.New("pinsetter: job is not retriable")

	// ErrClosed is returned when work is submitted to an executor that
	// has been shut down.
	ErrClosed = errors.New("pinsetter: executor closed")
)
