package jobs

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/pinsetter/pinsetter"
)

// TestJobKey is the registry key of the diagnostics job.
const TestJobKey = "async_test_job"

// Argument names understood by the diagnostics job.
const (
	// ArgSleep is how long the run should sleep, in milliseconds.
	ArgSleep = "sleep"
	// ArgForceFailure makes the run fail after sleeping.
	ArgForceFailure = "force_failure"
)

// TestJob exercises the job pipeline end to end without side effects.
// Operators submit it to verify queueing, execution, result persistence
// and the failure path.
type TestJob struct{}

// Execute implements pinsetter.Job.
func (TestJob) Execute(ctx *pinsetter.ExecutionContext) error {
	if ms := ctx.IntArg(ArgSleep); ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	if ctx.BoolArg(ArgForceFailure) {
		return errors.New("jobs: forced failure")
	}
	ctx.SetResult(fmt.Sprintf("Test job ran as %s", ctx.Principal), nil)
	return nil
}
