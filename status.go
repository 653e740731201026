// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobState describes the position of a job in its lifecycle.
type JobState string

const (
	// Created is the initial state of a freshly submitted job.
	Created JobState = "CREATED"
	// Pending means the job was rejected by a saturated executor and is
	// waiting to be re-submitted.
	Pending JobState = "PENDING"
	// Queued means the job has been accepted by the executor.
	Queued JobState = "QUEUED"
	// Running means a worker is currently executing the job.
	Running JobState = "RUNNING"
	// Finished means the job completed successfully. Terminal.
	Finished JobState = "FINISHED"
	// Failed means the job raised an error. Terminal.
	Failed JobState = "FAILED"
	// Canceled means the job was aborted externally. Terminal.
	Canceled JobState = "CANCELED"
	// Waiting means the job is scheduled but its trigger has not fired yet.
	Waiting JobState = "WAITING"
)

// Done reports whether the state is terminal. Once a job is done, no
// further automatic transition happens; only an explicit retry resets it.
func (s JobState) Done() bool {
	switch s {
	case Finished, Failed, Canceled:
		return true
	}
	return false
}

// JobType classifies how a job gets dispatched.
type JobType string

const (
	// CronType jobs fire on a recurring cron trigger.
	CronType JobType = "CRON"
	// MessagingType jobs are dispatched through the message queue bridge.
	MessagingType JobType = "MESSAGING"
	// UtilType jobs are internal maintenance jobs.
	UtilType JobType = "UTIL"
	// AsyncType jobs are one-shot jobs triggered by user action.
	AsyncType JobType = "ASYNC"
)

// JobStatus is the authoritative, persistent record of a unit of work.
// It is created when a job is submitted, mutated by the executor as the
// job moves through its lifecycle, and never deleted except by cleanup.
type JobStatus struct {
	ID            string                 `json:"id"`                       // globally unique, stable for the life of the job
	Key           string                 `json:"key"`                      // registry key of the job implementation
	Group         string                 `json:"group"`                    // scheduling realm group
	Type          JobType                `json:"type"`                     // dispatch classification
	TargetType    string                 `json:"target_type,omitempty"`    // e.g. "OWNER"
	TargetID      string                 `json:"target_id,omitempty"`      // e.g. owner key
	Principal     string                 `json:"principal,omitempty"`      // who triggered the job
	CorrelationID string                 `json:"correlation_id,omitempty"` // for log tracing
	State         JobState               `json:"state"`
	Args          map[string]interface{} `json:"args,omitempty"`        // runtime arguments
	Result        string                 `json:"result,omitempty"`      // short result summary
	ResultData    interface{}            `json:"result_data,omitempty"` // arbitrary serializable payload
	Failure       string                 `json:"failure,omitempty"`     // failure description, set when State == Failed
	Created       int64                  `json:"created"`               // in UnixNano
	Updated       int64                  `json:"updated"`               // in UnixNano
	Started       int64                  `json:"started"`               // in UnixNano, 0 until execution starts
	Finished      int64                  `json:"finished"`              // in UnixNano, 0 until execution completes
}

// NewJobStatus creates a JobStatus in state Created for the given job key.
func NewJobStatus(key string, typ JobType, group string) *JobStatus {
	now := time.Now().UnixNano()
	return &JobStatus{
		ID:      NewJobID(key),
		Key:     key,
		Group:   group,
		Type:    typ,
		State:   Created,
		Created: now,
		Updated: now,
	}
}

// NewJobID generates a job identifier of the form "<prefix>_<uuid>".
func NewJobID(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "job"
	}
	return fmt.Sprintf("%s_%s", prefix, uuid.New())
}

// Duration returns the execution duration, or 0 if the job has not both
// started and finished.
func (s *JobStatus) Duration() time.Duration {
	if s.Started == 0 || s.Finished == 0 {
		return 0
	}
	return time.Duration(s.Finished - s.Started)
}

// Clone returns a shallow copy of the status with its own Args map.
func (s *JobStatus) Clone() *JobStatus {
	dup := *s
	if s.Args != nil {
		dup.Args = make(map[string]interface{}, len(s.Args))
		for k, v := range s.Args {
			dup.Args[k] = v
		}
	}
	return &dup
}
