// Package jobs contains the standard job implementations shipped with
// the pinsetter library.
package jobs

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/pinsetter/pinsetter"
)

// RefreshPoolsKey is the registry key of the pool refresh job.
const RefreshPoolsKey = "refresh_pools"

// Argument names understood by the refresh job.
const (
	// ArgLazyRegen requests lazy certificate regeneration.
	ArgLazyRegen = "lazy_regen"
)

// PoolRefresher performs the actual pool refresh for one owner.
type PoolRefresher interface {
	RefreshPools(ownerKey string, lazyRegen bool) error
}

// RefreshPoolsJob refreshes the subscription pools of a single owner.
// The owner is the job's target; lazy certificate regeneration is
// controlled by the lazy_regen argument and defaults to true.
//
// Concurrent refreshes of the same owner are throttled: if another
// refresh for the owner is already running, the run completes as a
// no-op instead of racing it.
type RefreshPoolsJob struct {
	Refresher PoolRefresher
	Store     pinsetter.Store
}

// Execute implements pinsetter.Job.
func (j *RefreshPoolsJob) Execute(ctx *pinsetter.ExecutionContext) error {
	owner := ctx.TargetID
	if owner == "" {
		return errors.New("jobs: refresh_pools requires a target owner")
	}
	lazy := true
	if _, found := ctx.Arg(ArgLazyRegen); found {
		lazy = ctx.BoolArg(ArgLazyRegen)
	}

	// The count includes this run.
	n, err := j.Store.CountRunning(owner, RefreshPoolsKey)
	if err != nil {
		return errors.Wrapf(err, "jobs: unable to count running refreshes for owner %s", owner)
	}
	if n > 1 {
		ctx.SetResult(fmt.Sprintf("Refresh already in progress for owner %s", owner), nil)
		return nil
	}

	if err := j.Refresher.RefreshPools(owner, lazy); err != nil {
		return errors.Wrapf(err, "jobs: unable to refresh pools for owner %s", owner)
	}
	ctx.Emit(pinsetter.Event{Type: "pools.refreshed", Target: owner})
	ctx.SetResult(fmt.Sprintf("Pools refreshed for owner %s", owner), nil)
	return nil
}
