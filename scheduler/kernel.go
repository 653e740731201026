package scheduler

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pinsetter/pinsetter"
)

// Mode is the operating mode of the surrounding service.
type Mode string

const (
	// ModeNormal is regular operation.
	ModeNormal Mode = "NORMAL"
	// ModeSuspend suspends recurring trigger firing.
	ModeSuspend Mode = "SUSPEND"
)

// Standard realm groups.
const (
	CronGroup  = "cron"
	AsyncGroup = "async"
	UtilGroup  = "util"
)

// SweepJobKey is the built-in maintenance job that unschedules canceled
// jobs. It keeps running even when the scheduler is disabled, so that a
// disabled node still honors cancellations issued elsewhere.
const SweepJobKey = "unschedule_canceled_jobs"

// defaultSweepSchedule fires the cancel sweep every five minutes.
const defaultSweepSchedule = "0 */5 * * * *"

// Config drives kernel startup reconciliation.
type Config struct {
	// Enabled turns recurring cron jobs on. When false, only the cancel
	// sweep remains scheduled (or nothing at all when clustered, since
	// another node runs the sweep).
	Enabled bool
	// Clustered marks this node as one of several sharing the job store.
	Clustered bool
	// DefaultJobs and ExtraJobs name the cron jobs to schedule. The two
	// lists are merged and deduplicated.
	DefaultJobs []string
	ExtraJobs   []string
	// Schedules overrides the registry default schedule per job key.
	Schedules map[string]string
	// SweepSchedule overrides the cancel sweep schedule.
	SweepSchedule string
}

// triggerScheduler is the slice of Realm the reconciler needs.
type triggerScheduler interface {
	Entries() map[string]Entry
	ScheduleJob(name, key, spec string) error
	RemoveJob(name string)
}

// Kernel owns the two scheduler realms and reconciles the configured
// cron jobs against the persisted trigger state on startup.
type Kernel struct {
	cfg      Config
	store    pinsetter.Store
	registry *pinsetter.Registry
	executor *pinsetter.Executor

	cron  *Realm
	async *Realm
}

// New creates a kernel with its cron and async realms. The cron realm
// also owns the util group, so maintenance jobs ride on the recurring
// scheduler.
func New(cfg Config, store pinsetter.Store, registry *pinsetter.Registry, executor *pinsetter.Executor) *Kernel {
	k := &Kernel{
		cfg:      cfg,
		store:    store,
		registry: registry,
		executor: executor,
	}
	k.cron = NewRealm(RealmConfig{
		Name:      "cron",
		Groups:    []string{CronGroup, UtilGroup},
		Clustered: cfg.Clustered,
	}, store, registry, executor)
	k.async = NewRealm(RealmConfig{
		Name:   "async",
		Groups: []string{AsyncGroup},
	}, store, registry, executor)
	return k
}

// Startup cancels jobs orphaned by a prior crash, registers the
// built-in sweep job, reconciles the configured recurring jobs against
// the existing triggers, and starts both realms.
//
// The orphan sweep runs exactly once, before any trigger can fire, and
// spares jobs already in flight in this process. On a clustered node it
// is skipped entirely: a Running status may belong to another node.
func (k *Kernel) Startup() error {
	if !k.cfg.Clustered {
		n, err := k.store.CancelOrphaned(k.executor.InFlight())
		if err != nil {
			return errors.Wrap(err, "scheduler: unable to cancel orphaned jobs")
		}
		if n > 0 {
			log.Infof("canceled %d orphaned jobs", n)
		}
	}
	if err := k.ensureSweepRegistered(); err != nil {
		return err
	}
	if err := reconcile(k.cron, k.desiredSchedules()); err != nil {
		return err
	}
	if err := k.cron.Start(); err != nil {
		return err
	}
	return k.async.Start()
}

// Shutdown stops both realms, waiting for in-flight triggers.
func (k *Kernel) Shutdown() error {
	asyncErr := k.async.Shutdown()
	cronErr := k.cron.Shutdown()
	if cronErr != nil {
		return cronErr
	}
	return asyncErr
}

func (k *Kernel) ensureSweepRegistered() error {
	if _, err := k.registry.Resolve(SweepJobKey); err == nil {
		return nil
	}
	schedule := k.cfg.SweepSchedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	return k.registry.Register(SweepJobKey, pinsetter.JobDefinition{
		Factory:  func() pinsetter.Job { return &sweepJob{realms: []*Realm{k.cron, k.async}} },
		Type:     pinsetter.UtilType,
		Group:    UtilGroup,
		Schedule: schedule,
	})
}

// desiredSchedules resolves the configured job keys to their effective
// cron schedules. Unknown keys and keys without a schedule are skipped
// with a warning rather than failing startup.
func (k *Kernel) desiredSchedules() map[string]string {
	keys := append([]string{}, k.cfg.DefaultJobs...)
	keys = append(keys, k.cfg.ExtraJobs...)
	keys = append(keys, SweepJobKey)
	if !k.cfg.Enabled {
		if k.cfg.Clustered {
			keys = nil
		} else {
			keys = []string{SweepJobKey}
		}
	}

	seen := make(map[string]bool, len(keys))
	desired := make(map[string]string, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		def, err := k.registry.Resolve(key)
		if err != nil {
			log.Warnf("scheduler: skipping unknown cron job %s", key)
			continue
		}
		spec := k.cfg.Schedules[key]
		if spec == "" {
			spec = def.Schedule
		}
		if spec == "" {
			log.Warnf("scheduler: cron job %s has no schedule, skipping", key)
			continue
		}
		desired[key] = spec
	}
	return desired
}

// reconcile converges the scheduler's triggers on the desired set. A
// job key with exactly one existing trigger carrying an identical
// schedule is left untouched, keeping reconciliation idempotent. Any
// other constellation (no trigger, a changed schedule, or duplicate
// leftover triggers) is resolved by deleting all triggers for the key
// and scheduling a fresh one. Triggers for keys no longer desired are
// removed.
func reconcile(s triggerScheduler, desired map[string]string) error {
	existing := s.Entries()
	byKey := make(map[string][]string)
	for name, e := range existing {
		byKey[e.Key] = append(byKey[e.Key], name)
	}
	for _, names := range byKey {
		sort.Strings(names)
	}

	keys := make([]string, 0, len(desired))
	for key := range desired {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec := desired[key]
		names := byKey[key]
		if len(names) == 1 && existing[names[0]].Spec == spec {
			continue
		}
		for _, name := range names {
			s.RemoveJob(name)
		}
		if err := s.ScheduleJob(key, key, spec); err != nil {
			return err
		}
	}

	stale := make([]string, 0)
	for key, names := range byKey {
		if _, wanted := desired[key]; !wanted {
			stale = append(stale, names...)
		}
	}
	sort.Strings(stale)
	for _, name := range stale {
		s.RemoveJob(name)
	}
	return nil
}

// ScheduleSingleJob creates and dispatches a one-shot job run. The
// configure callback may set target, principal and arguments on the
// status before it is persisted. The returned status reflects the state
// at dispatch time; callers poll the store for progress.
func (k *Kernel) ScheduleSingleJob(key string, configure func(*pinsetter.JobStatus)) (*pinsetter.JobStatus, error) {
	def, err := k.registry.Resolve(key)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler: unable to schedule job %s", key)
	}
	status := pinsetter.NewJobStatus(key, def.Type, def.Group)
	if configure != nil {
		configure(status)
	}
	if err := k.store.Create(status); err != nil {
		return nil, errors.Wrapf(err, "scheduler: unable to persist job %s", key)
	}
	if err := k.async.ScheduleOneShot(status); err != nil {
		return nil, err
	}
	return k.store.Get(status.ID)
}

// RetriggerCronJob fires a named recurring job once, immediately,
// outside its regular schedule.
func (k *Kernel) RetriggerCronJob(key string) (*pinsetter.JobStatus, error) {
	def, err := k.registry.Resolve(key)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler: unable to retrigger job %s", key)
	}
	if def.Type != pinsetter.CronType && def.Type != pinsetter.UtilType {
		return nil, fmt.Errorf("scheduler: job %s is not a cron job", key)
	}
	status := pinsetter.NewJobStatus(key, def.Type, def.Group)
	status.Principal = "pinsetter"
	if err := k.store.Create(status); err != nil {
		return nil, errors.Wrapf(err, "scheduler: unable to persist job %s", key)
	}
	if err := k.cron.ScheduleOneShot(status); err != nil {
		return nil, err
	}
	return k.store.Get(status.ID)
}

// PauseScheduler suspends both realms.
func (k *Kernel) PauseScheduler() {
	k.cron.Pause()
	k.async.Pause()
}

// UnpauseScheduler resumes both realms.
func (k *Kernel) UnpauseScheduler() error {
	if err := k.cron.Unpause(); err != nil {
		return err
	}
	return k.async.Unpause()
}

// SchedulerStatus reports the state of the cron realm, which is the
// operator-visible scheduler.
func (k *Kernel) SchedulerStatus() State {
	return k.cron.Status()
}

// CronRealm exposes the recurring realm, mainly for status endpoints.
func (k *Kernel) CronRealm() *Realm { return k.cron }

// AsyncRealm exposes the one-shot realm.
func (k *Kernel) AsyncRealm() *Realm { return k.async }

// ModeChanged reacts to service mode transitions: suspend pauses the
// recurring realm, normal resumes it. One-shot dispatch stays available
// in suspend mode.
func (k *Kernel) ModeChanged(mode Mode) error {
	switch mode {
	case ModeSuspend:
		k.cron.Pause()
	case ModeNormal:
		return k.cron.Unpause()
	}
	return nil
}

// sweepJob deletes canceled jobs and their one-shot triggers across all
// realms.
type sweepJob struct {
	realms []*Realm
}

func (j *sweepJob) Execute(ctx *pinsetter.ExecutionContext) error {
	total := 0
	for _, r := range j.realms {
		n, err := r.SweepCanceled()
		if err != nil {
			return err
		}
		total += n
	}
	ctx.SetResult(fmt.Sprintf("%d canceled jobs unscheduled", total), total)
	return nil
}
