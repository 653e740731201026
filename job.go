// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

// Job is a single unit of asynchronous work. Implementations read their
// input from the execution context and record their outcome on it.
//
// An error returned from Execute marks the job Failed; it is contained
// by the runner and never propagates to other jobs or the executor.
type Job interface {
	Execute(ctx *ExecutionContext) error
}

// JobFunc adapts a plain function to the Job interface.
type JobFunc func(ctx *ExecutionContext) error

// Execute implements Job.
func (f JobFunc) Execute(ctx *ExecutionContext) error { return f(ctx) }
