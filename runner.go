// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// runJob executes a single job on a worker goroutine. It persists the
// Running transition before invoking the job body, so a crash mid-run
// still shows Running rather than a stale prior state. The terminal
// transition is persisted in a second, independent store call so a
// failure inside the job cannot prevent status finalization.
func (e *Executor) runJob(r *run) {
	status := r.status
	defer e.clearInFlight(status.ID)
	logger := log.WithFields(log.Fields{
		"job":       status.ID,
		"key":       status.Key,
		"principal": status.Principal,
	})
	if status.CorrelationID != "" {
		logger = logger.WithField("correlation", status.CorrelationID)
	}

	status.State = Running
	status.Started = time.Now().UnixNano()
	if err := e.store.Merge(status); err != nil {
		// Without a persisted Running transition the job must not run.
		// The status stays Queued until the next startup orphan sweep
		// cancels it.
		logger.Errorf("unable to mark job running: %v", err)
		e.testJobFailed() // testing hook
		return
	}

	e.testJobStarted() // testing hook
	logger.Debug("job started")

	err := e.invoke(r)
	if err != nil {
		r.ctx.SetFailure(err)
	}

	// A cancellation issued while the job was running wins: Canceled is
	// terminal and must not be overwritten by the run outcome.
	if cur, err := e.store.Get(status.ID); err == nil && cur.State == Canceled {
		logger.Info("job was canceled while running, result discarded")
		metricRuns.WithLabelValues("canceled").Inc()
		e.testJobCanceled() // testing hook
		return
	}

	status.Finished = time.Now().UnixNano()
	if failure := r.ctx.Failure(); failure != nil {
		status.State = Failed
		status.Failure = failure.Error()
		// Buffered events are discarded: event emission is
		// all-or-nothing per run.
	} else {
		status.State = Finished
		status.Result, status.ResultData = r.ctx.Result()
		if events := r.ctx.Events(); len(events) > 0 {
			if err := e.events.Send(events); err != nil {
				logger.Errorf("unable to send %d job events: %v", len(events), err)
			}
		}
	}

	if err := e.store.Merge(status); err != nil {
		logger.Errorf("unable to finalize job status: %v", err)
	}

	duration := status.Duration()
	metricRunDuration.Observe(duration.Seconds())
	if status.State == Failed {
		metricRuns.WithLabelValues("failed").Inc()
		logger.WithField("duration", duration).Warnf("job failed: %s", status.Failure)
		e.testJobFailed() // testing hook
		return
	}
	metricRuns.WithLabelValues("finished").Inc()
	logger.WithField("duration", duration).Info("job finished")
	e.testJobFinished() // testing hook
}

// invoke calls the job body, converting panics into errors so a single
// job can never take down its worker.
func (e *Executor) invoke(r *run) (err error) {
	defer func() {
		if rerr := recover(); rerr != nil {
			err = fmt.Errorf("pinsetter: job panicked: %v", rerr)
		}
	}()
	return r.job.Execute(r.ctx)
}
