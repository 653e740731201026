// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pinsetter

// ExecutionContext is the key/value bag handed to a job for the duration
// of a single run. It carries the caller-supplied arguments and the acting
// principal in, and the result or failure out. A context is owned by
// exactly one runner and must not be shared across goroutines.
type ExecutionContext struct {
	jobID      string
	TargetID   string
	Principal  string
	args       map[string]interface{}
	result     string
	resultData interface{}
	failure    error
	events     []Event
}

// NewExecutionContext builds a context from a stored job status.
func NewExecutionContext(status *JobStatus) *ExecutionContext {
	args := make(map[string]interface{}, len(status.Args))
	for k, v := range status.Args {
		args[k] = v
	}
	return &ExecutionContext{
		jobID:     status.ID,
		TargetID:  status.TargetID,
		Principal: status.Principal,
		args:      args,
	}
}

// JobID returns the identifier of the job this context belongs to.
// It is immutable for the lifetime of the context.
func (c *ExecutionContext) JobID() string { return c.jobID }

// Arg returns the named runtime argument.
func (c *ExecutionContext) Arg(name string) (interface{}, bool) {
	v, ok := c.args[name]
	return v, ok
}

// StringArg returns the named argument as a string, or "" if absent or
// of a different type.
func (c *ExecutionContext) StringArg(name string) string {
	if v, ok := c.args[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BoolArg returns the named argument as a bool, or false if absent or
// of a different type.
func (c *ExecutionContext) BoolArg(name string) bool {
	if v, ok := c.args[name]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// IntArg returns the named argument as an int. JSON round-trips store
// numbers as float64, so both forms are accepted.
func (c *ExecutionContext) IntArg(name string) int {
	switch v := c.args[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SetResult records the outcome of a successful run. The summary ends up
// in JobStatus.Result, data in JobStatus.ResultData.
func (c *ExecutionContext) SetResult(summary string, data interface{}) {
	c.result = summary
	c.resultData = data
}

// Result returns the recorded result summary and data.
func (c *ExecutionContext) Result() (string, interface{}) {
	return c.result, c.resultData
}

// SetFailure records the error that caused the run to fail.
func (c *ExecutionContext) SetFailure(err error) { c.failure = err }

// Failure returns the recorded failure, or nil.
func (c *ExecutionContext) Failure() error { return c.failure }

// Emit buffers a domain event. Buffered events are delivered to the
// event sink only if the run succeeds; on failure they are discarded.
func (c *ExecutionContext) Emit(ev Event) {
	c.events = append(c.events, ev)
}

// Events returns the buffered events.
func (c *ExecutionContext) Events() []Event { return c.events }
