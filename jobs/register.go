package jobs

import (
	"github.com/pinsetter/pinsetter"
	"github.com/pinsetter/pinsetter/scheduler"
)

// Register adds the standard jobs to the registry. Both are dispatched
// through the message queue bridge.
func Register(registry *pinsetter.Registry, store pinsetter.Store, refresher PoolRefresher) error {
	err := registry.Register(RefreshPoolsKey, pinsetter.JobDefinition{
		Factory: func() pinsetter.Job {
			return &RefreshPoolsJob{Refresher: refresher, Store: store}
		},
		Type:  pinsetter.MessagingType,
		Group: scheduler.AsyncGroup,
	})
	if err != nil {
		return err
	}
	return registry.Register(TestJobKey, pinsetter.JobDefinition{
		Factory: func() pinsetter.Job { return TestJob{} },
		Type:    pinsetter.MessagingType,
		Group:   scheduler.AsyncGroup,
	})
}
