// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package pinsetter runs and tracks asynchronous jobs.
//
// Applications first create a Registry and register their job
// implementations under stable keys, together with their dispatch type,
// realm group, and optional default cron schedule. The registry replaces
// class loading by name: the valid job set is known at startup.
//
// The Executor owns a fixed pool of workers behind a bounded queue. Work
// is submitted by job id: the executor loads the JobStatus from its
// Store, resolves the implementation via the registry, and runs it on a
// worker goroutine. Submission returns an explicit Outcome. When pool
// and queue are both full, the status is reverted to Pending and the
// outcome is RejectedSaturated; the job stays visible in the store and
// can be re-submitted. A missing status yields RejectedNotFound.
//
// A JobStatus is always in one of these states: Created, Pending,
// Queued, Running, Finished, Failed, Canceled, or Waiting. Transitions
// are monotonic except for the Queued/Pending backpressure cycle and
// explicit retry, which resets a done messaging job back to Created.
//
// The executor has a Store to implement persistent storage. By default,
// an in-memory store is used. There are MySQL- and MongoDB-based
// persistent stores in the "mysql" and "mongodb" packages.
//
// Two independent dispatch paths converge on the executor: the message
// queue bridge in package "msgqueue" delivers jobs at least once through
// a durable broker, and the scheduler realms in package "scheduler" fire
// recurring cron jobs and one-shot async jobs. Both create the JobStatus
// first and dispatch by id.
package pinsetter
