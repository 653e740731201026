package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinsetter/pinsetter"
)

// countingScheduler records reconciler calls against an in-memory entry
// table.
type countingScheduler struct {
	entries   map[string]Entry
	scheduled []string
	removed   []string
}

func newCountingScheduler() *countingScheduler {
	return &countingScheduler{entries: make(map[string]Entry)}
}

func (s *countingScheduler) Entries() map[string]Entry {
	out := make(map[string]Entry, len(s.entries))
	for name, e := range s.entries {
		out[name] = e
	}
	return out
}

func (s *countingScheduler) ScheduleJob(name, key, spec string) error {
	s.entries[name] = Entry{Key: key, Spec: spec}
	s.scheduled = append(s.scheduled, name)
	return nil
}

func (s *countingScheduler) RemoveJob(name string) {
	delete(s.entries, name)
	s.removed = append(s.removed, name)
}

func (s *countingScheduler) reset() {
	s.scheduled = nil
	s.removed = nil
}

func TestReconcileSchedulesMissingJobs(t *testing.T) {
	s := newCountingScheduler()
	err := reconcile(s, map[string]string{"refresh": "@hourly", "expire": "@daily"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"refresh", "expire"}, s.scheduled)
	assert.Empty(t, s.removed)
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := newCountingScheduler()
	desired := map[string]string{"refresh": "@hourly", "expire": "@daily"}
	require.NoError(t, reconcile(s, desired))

	s.reset()
	require.NoError(t, reconcile(s, desired))
	assert.Empty(t, s.scheduled, "second pass must not reschedule")
	assert.Empty(t, s.removed, "second pass must not remove")
}

func TestReconcileReplacesChangedSchedule(t *testing.T) {
	s := newCountingScheduler()
	require.NoError(t, reconcile(s, map[string]string{"refresh": "@hourly"}))

	s.reset()
	require.NoError(t, reconcile(s, map[string]string{"refresh": "@daily"}))
	assert.Equal(t, []string{"refresh"}, s.removed)
	assert.Equal(t, []string{"refresh"}, s.scheduled)
	assert.Equal(t, "@daily", s.entries["refresh"].Spec)
}

func TestReconcileCollapsesDuplicateTriggers(t *testing.T) {
	s := newCountingScheduler()
	// Legacy state: two triggers for the same key under different names.
	s.entries["refresh"] = Entry{Key: "refresh", Spec: "@hourly"}
	s.entries["refresh-legacy"] = Entry{Key: "refresh", Spec: "@hourly"}

	require.NoError(t, reconcile(s, map[string]string{"refresh": "@hourly"}))
	assert.Len(t, s.removed, 2)
	assert.Equal(t, []string{"refresh"}, s.scheduled)
	assert.Len(t, s.entries, 1)
}

func TestReconcileRemovesStaleTriggers(t *testing.T) {
	s := newCountingScheduler()
	s.entries["gone"] = Entry{Key: "gone", Spec: "@hourly"}

	require.NoError(t, reconcile(s, map[string]string{"refresh": "@daily"}))
	assert.Equal(t, []string{"gone"}, s.removed)
	assert.NotContains(t, s.entries, "gone")
}

func newTestKernel(t *testing.T, cfg Config) (*Kernel, pinsetter.Store, *pinsetter.Registry) {
	t.Helper()
	store := pinsetter.NewInMemoryStore()
	registry := pinsetter.NewRegistry()
	executor := pinsetter.NewExecutor(store, registry, pinsetter.SetWorkers(1))
	require.NoError(t, executor.Start())
	t.Cleanup(func() { executor.Close() })
	return New(cfg, store, registry, executor), store, registry
}

func TestKernelStartupSchedulesConfiguredJobs(t *testing.T) {
	k, _, registry := newTestKernel(t, Config{
		Enabled:     true,
		DefaultJobs: []string{"refresh", "refresh", "expire"},
		ExtraJobs:   []string{"expire", "audit"},
		Schedules:   map[string]string{"expire": "0 30 3 * * *"},
	})
	registerCronJob(t, registry, "refresh", "@hourly")
	registerCronJob(t, registry, "expire", "@daily")
	registerCronJob(t, registry, "audit", "@weekly")

	require.NoError(t, k.Startup())
	defer k.Shutdown()

	entries := k.CronRealm().Entries()
	// The three configured jobs plus the built-in cancel sweep.
	require.Len(t, entries, 4)
	assert.Equal(t, "@hourly", entries["refresh"].Spec)
	assert.Equal(t, "0 30 3 * * *", entries["expire"].Spec, "config override wins over registry default")
	assert.Equal(t, "@weekly", entries["audit"].Spec)
	assert.Contains(t, entries, SweepJobKey)
	assert.Equal(t, Started, k.SchedulerStatus())
}

func TestKernelStartupSkipsUnknownAndUnscheduled(t *testing.T) {
	k, _, registry := newTestKernel(t, Config{
		Enabled:     true,
		DefaultJobs: []string{"refresh", "unknown", "no_schedule"},
	})
	registerCronJob(t, registry, "refresh", "@hourly")
	registerCronJob(t, registry, "no_schedule", "")

	require.NoError(t, k.Startup())
	defer k.Shutdown()

	entries := k.CronRealm().Entries()
	require.Len(t, entries, 2)
	assert.Contains(t, entries, "refresh")
	assert.Contains(t, entries, SweepJobKey)
}

func TestKernelDisabledCollapsesToSweep(t *testing.T) {
	k, _, registry := newTestKernel(t, Config{
		Enabled:     false,
		DefaultJobs: []string{"refresh"},
	})
	registerCronJob(t, registry, "refresh", "@hourly")

	require.NoError(t, k.Startup())
	defer k.Shutdown()

	entries := k.CronRealm().Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries, SweepJobKey, "a disabled node still sweeps cancellations")
}

func TestKernelDisabledClusteredSchedulesNothing(t *testing.T) {
	k, _, registry := newTestKernel(t, Config{
		Enabled:     false,
		Clustered:   true,
		DefaultJobs: []string{"refresh"},
	})
	registerCronJob(t, registry, "refresh", "@hourly")

	require.NoError(t, k.Startup())
	defer k.Shutdown()

	assert.Empty(t, k.CronRealm().Entries(), "another node owns the sweep")
}

func TestKernelStartupIsIdempotentAcrossRestarts(t *testing.T) {
	// Simulate a restart against the same trigger table: the second
	// reconciliation must be a no-op.
	s := newCountingScheduler()
	desired := map[string]string{"refresh": "@hourly", SweepJobKey: defaultSweepSchedule}
	require.NoError(t, reconcile(s, desired))

	s.reset()
	require.NoError(t, reconcile(s, desired))
	assert.Empty(t, s.scheduled)
	assert.Empty(t, s.removed)
}

func TestKernelScheduleSingleJob(t *testing.T) {
	k, store, registry := newTestKernel(t, Config{Enabled: true})
	registerAsyncJob(t, registry, "one_shot")
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	status, err := k.ScheduleSingleJob("one_shot", func(s *pinsetter.JobStatus) {
		s.TargetID = "owner-1"
		s.Principal = "admin"
		s.Args = map[string]interface{}{"lazy": true}
	})
	require.NoError(t, err)
	assert.Equal(t, "owner-1", status.TargetID)
	assert.Equal(t, "admin", status.Principal)

	waitForState(t, store, status.ID, pinsetter.Finished)
}

func TestKernelScheduleSingleJobUnknownKey(t *testing.T) {
	k, _, _ := newTestKernel(t, Config{Enabled: true})
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	_, err := k.ScheduleSingleJob("bogus", nil)
	assert.ErrorIs(t, err, pinsetter.ErrNotFound)
}

func TestKernelRetriggerCronJob(t *testing.T) {
	k, store, registry := newTestKernel(t, Config{Enabled: true, DefaultJobs: []string{"refresh"}})
	registerCronJob(t, registry, "refresh", "@yearly")
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	status, err := k.RetriggerCronJob("refresh")
	require.NoError(t, err)

	waitForState(t, store, status.ID, pinsetter.Finished)
}

func TestKernelRetriggerRejectsNonCronJob(t *testing.T) {
	k, _, registry := newTestKernel(t, Config{Enabled: true})
	registerAsyncJob(t, registry, "one_shot")
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	_, err := k.RetriggerCronJob("one_shot")
	assert.Error(t, err)
}

func TestKernelModeChange(t *testing.T) {
	k, _, _ := newTestKernel(t, Config{Enabled: true})
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	require.NoError(t, k.ModeChanged(ModeSuspend))
	assert.Equal(t, Standby, k.SchedulerStatus())
	assert.Equal(t, Started, k.AsyncRealm().Status(), "one-shot dispatch stays available in suspend mode")

	require.NoError(t, k.ModeChanged(ModeNormal))
	assert.Equal(t, Started, k.SchedulerStatus())
}

func TestKernelPauseUnpause(t *testing.T) {
	k, _, _ := newTestKernel(t, Config{Enabled: true})
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	k.PauseScheduler()
	assert.Equal(t, Standby, k.CronRealm().Status())
	assert.Equal(t, Standby, k.AsyncRealm().Status())

	require.NoError(t, k.UnpauseScheduler())
	assert.Equal(t, Started, k.CronRealm().Status())
	assert.Equal(t, Started, k.AsyncRealm().Status())
}

func TestSweepJobReportsCount(t *testing.T) {
	k, store, _ := newTestKernel(t, Config{Enabled: true})
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	canceled := pinsetter.NewJobStatus("doomed", pinsetter.AsyncType, AsyncGroup)
	canceled.State = pinsetter.Canceled
	require.NoError(t, store.Create(canceled))

	job := &sweepJob{realms: []*Realm{k.CronRealm(), k.AsyncRealm()}}
	sweepStatus := pinsetter.NewJobStatus(SweepJobKey, pinsetter.UtilType, UtilGroup)
	ctx := pinsetter.NewExecutionContext(sweepStatus)
	require.NoError(t, job.Execute(ctx))

	summary, data := ctx.Result()
	assert.Equal(t, "1 canceled jobs unscheduled", summary)
	assert.Equal(t, 1, data)

	_, err := store.Get(canceled.ID)
	assert.ErrorIs(t, err, pinsetter.ErrNotFound)
}

func registerCronJob(t *testing.T, registry *pinsetter.Registry, key, schedule string) {
	t.Helper()
	err := registry.Register(key, pinsetter.JobDefinition{
		Factory: func() pinsetter.Job {
			return pinsetter.JobFunc(func(ctx *pinsetter.ExecutionContext) error { return nil })
		},
		Type:     pinsetter.CronType,
		Group:    CronGroup,
		Schedule: schedule,
	})
	require.NoError(t, err)
}

func registerAsyncJob(t *testing.T, registry *pinsetter.Registry, key string) {
	t.Helper()
	err := registry.Register(key, pinsetter.JobDefinition{
		Factory: func() pinsetter.Job {
			return pinsetter.JobFunc(func(ctx *pinsetter.ExecutionContext) error { return nil })
		},
		Type:  pinsetter.AsyncType,
		Group: AsyncGroup,
	})
	require.NoError(t, err)
}

func TestKernelStartupCancelsOrphans(t *testing.T) {
	k, store, _ := newTestKernel(t, Config{})

	orphan := pinsetter.NewJobStatus("stuck", pinsetter.CronType, CronGroup)
	orphan.State = pinsetter.Running
	require.NoError(t, store.Create(orphan))

	done := pinsetter.NewJobStatus("done", pinsetter.CronType, CronGroup)
	done.State = pinsetter.Finished
	require.NoError(t, store.Create(done))

	require.NoError(t, k.Startup())
	defer k.Shutdown()

	got, err := store.Get(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, pinsetter.Canceled, got.State)

	got, err = store.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, pinsetter.Finished, got.State, "terminal statuses stay untouched")
}

func TestKernelStartupClusteredKeepsOrphans(t *testing.T) {
	k, store, _ := newTestKernel(t, Config{Clustered: true})

	// Running on another node sharing the store.
	remote := pinsetter.NewJobStatus("remote", pinsetter.AsyncType, AsyncGroup)
	remote.State = pinsetter.Running
	require.NoError(t, store.Create(remote))

	require.NoError(t, k.Startup())
	defer k.Shutdown()

	got, err := store.Get(remote.ID)
	require.NoError(t, err)
	assert.Equal(t, pinsetter.Running, got.State, "clustered startup must not cancel other nodes' jobs")
}

func TestKernelStartupSparesInFlightJobs(t *testing.T) {
	store := pinsetter.NewInMemoryStore()
	registry := pinsetter.NewRegistry()

	entered := make(chan struct{})
	release := make(chan struct{})
	err := registry.Register("slow", pinsetter.JobDefinition{
		Factory: func() pinsetter.Job {
			return pinsetter.JobFunc(func(ctx *pinsetter.ExecutionContext) error {
				close(entered)
				<-release
				return nil
			})
		},
		Type:  pinsetter.AsyncType,
		Group: AsyncGroup,
	})
	require.NoError(t, err)

	executor := pinsetter.NewExecutor(store, registry, pinsetter.SetWorkers(1))
	require.NoError(t, executor.Start())
	t.Cleanup(func() { executor.Close() })

	status := pinsetter.NewJobStatus("slow", pinsetter.AsyncType, AsyncGroup)
	require.NoError(t, store.Create(status))
	outcome, err := executor.Execute(status.ID)
	require.NoError(t, err)
	require.Equal(t, pinsetter.Accepted, outcome)
	<-entered

	k := New(Config{}, store, registry, executor)
	require.NoError(t, k.Startup())
	defer k.Shutdown()

	got, err := store.Get(status.ID)
	require.NoError(t, err)
	assert.Equal(t, pinsetter.Running, got.State, "startup sweep must spare jobs in flight in this process")

	close(release)
	waitForState(t, store, status.ID, pinsetter.Finished)
}
