package scheduler

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/pinsetter/pinsetter"
)

// State is the lifecycle state of a scheduler realm.
type State string

const (
	// Stopped means the realm has not been started, or has been shut down.
	Stopped State = "STOPPED"
	// Started means triggers are firing.
	Started State = "STARTED"
	// Standby means the realm is paused: entries are kept but no
	// triggers fire.
	Standby State = "STANDBY"
)

// RealmConfig parametrizes a scheduler realm. The two standard realms
// differ only in their configuration: which job groups they own and
// whether they are clustering-aware.
type RealmConfig struct {
	// Name of the realm, used for logging.
	Name string
	// Groups are the job groups this realm owns.
	Groups []string
	// Clustered changes shutdown behavior: a clustered realm leaves its
	// entries intact since another node may pick them up, a
	// non-clustered one deletes them.
	Clustered bool
}

// Entry describes one scheduled trigger.
type Entry struct {
	Key  string
	Spec string
}

type realmEntry struct {
	id   cron.EntryID
	key  string
	spec string
}

// Realm is one independently configured cron scheduler. Triggers create
// a job status and dispatch it through the shared executor, converging
// on the same contract the message queue bridge uses.
type Realm struct {
	cfg      RealmConfig
	store    pinsetter.Store
	registry *pinsetter.Registry
	executor *pinsetter.Executor

	mu      sync.Mutex
	state   State
	cron    *cron.Cron
	entries map[string]*realmEntry
	parked  []string // one-shot job ids received while paused
}

// NewRealm creates a realm in state Stopped.
func NewRealm(cfg RealmConfig, store pinsetter.Store, registry *pinsetter.Registry, executor *pinsetter.Executor) *Realm {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Realm{
		cfg:      cfg,
		store:    store,
		registry: registry,
		executor: executor,
		state:    Stopped,
		cron:     cron.New(cron.WithParser(parser)),
		entries:  make(map[string]*realmEntry),
	}
}

// Status returns the current realm state.
func (r *Realm) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins trigger firing. Crash recovery is not the realm's
// business: the kernel cancels orphaned jobs once, before any realm
// starts dispatching.
func (r *Realm) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Started {
		return nil
	}
	r.cron.Start()
	r.state = Started
	log.WithField("realm", r.cfg.Name).Info("scheduler realm started")
	return nil
}

// Pause suspends trigger firing, keeping all entries.
func (r *Realm) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Started {
		return
	}
	r.cron.Stop()
	r.state = Standby
	log.WithField("realm", r.cfg.Name).Info("scheduler realm paused")
}

// Unpause resumes a paused realm. Externally canceled jobs are swept
// first: the realm could not observe cancellations while its trigger
// firing was suspended. One-shot jobs parked during the pause are
// dispatched afterwards.
func (r *Realm) Unpause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Standby {
		return nil
	}
	if _, err := r.sweepCanceledLocked(); err != nil {
		return err
	}
	r.cron.Start()
	r.state = Started

	parked := r.parked
	r.parked = nil
	for _, id := range parked {
		go r.fireStatus(id)
	}
	log.WithField("realm", r.cfg.Name).Info("scheduler realm resumed")
	return nil
}

// Shutdown puts the realm in standby, deletes its entries unless
// running clustered, then waits for in-flight trigger functions to
// complete.
func (r *Realm) Shutdown() error {
	r.mu.Lock()
	if r.state == Stopped {
		r.mu.Unlock()
		return nil
	}
	ctx := r.cron.Stop()
	r.state = Standby
	if !r.cfg.Clustered {
		for name, e := range r.entries {
			r.cron.Remove(e.id)
			delete(r.entries, name)
		}
	}
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	r.state = Stopped
	r.mu.Unlock()
	log.WithField("realm", r.cfg.Name).Info("scheduler realm stopped")
	return nil
}

// ScheduleJob registers a recurring trigger under the given name. An
// existing trigger with the same name is replaced.
func (r *Realm) ScheduleJob(name, key, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, found := r.entries[name]; found {
		r.cron.Remove(e.id)
		delete(r.entries, name)
	}
	id, err := r.cron.AddFunc(spec, func() { r.fireRecurring(key) })
	if err != nil {
		return errors.Wrapf(err, "scheduler: invalid schedule %q for job %s", spec, key)
	}
	r.entries[name] = &realmEntry{id: id, key: key, spec: spec}
	log.WithFields(log.Fields{"realm": r.cfg.Name, "key": key, "schedule": spec}).Info("job scheduled")
	return nil
}

// RemoveJob deletes the trigger with the given name, if present.
func (r *Realm) RemoveJob(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, found := r.entries[name]; found {
		r.cron.Remove(e.id)
		delete(r.entries, name)
	}
}

// Entries returns the currently scheduled triggers by name.
func (r *Realm) Entries() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make(map[string]Entry, len(r.entries))
	for name, e := range r.entries {
		entries[name] = Entry{Key: e.key, Spec: e.spec}
	}
	return entries
}

// ScheduleOneShot dispatches an already-persisted job status once,
// immediately. If the realm is paused, the job is parked in state
// Waiting and dispatched on Unpause.
func (r *Realm) ScheduleOneShot(status *pinsetter.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Started {
		go r.fireStatus(status.ID)
		return nil
	}
	status.State = pinsetter.Waiting
	if err := r.store.Merge(status); err != nil {
		return errors.Wrapf(err, "scheduler: unable to park job %s", status.ID)
	}
	r.parked = append(r.parked, status.ID)
	return nil
}

// SweepCanceled removes parked one-shots and deletes statuses that were
// externally marked Canceled in this realm's groups.
func (r *Realm) SweepCanceled() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepCanceledLocked()
}

func (r *Realm) sweepCanceledLocked() (int, error) {
	canceled, err := r.store.FindCanceled(r.cfg.Groups)
	if err != nil {
		return 0, errors.Wrapf(err, "scheduler: realm %s unable to find canceled jobs", r.cfg.Name)
	}
	for _, status := range canceled {
		// One-shot triggers are registered under the job id; recurring
		// entries are untouched since only single runs get canceled.
		if e, found := r.entries[status.ID]; found {
			r.cron.Remove(e.id)
			delete(r.entries, status.ID)
		}
		r.parked = removeID(r.parked, status.ID)
		if err := r.store.Delete(status.ID); err != nil {
			log.Warnf("scheduler: unable to delete canceled job %s: %v", status.ID, err)
		}
	}
	return len(canceled), nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// fireRecurring creates a fresh status for a cron trigger and dispatches
// it. Background jobs run under the system principal.
func (r *Realm) fireRecurring(key string) {
	def, err := r.registry.Resolve(key)
	if err != nil {
		log.Errorf("scheduler: trigger fired for unknown job key %s", key)
		return
	}
	status := pinsetter.NewJobStatus(key, def.Type, def.Group)
	status.Principal = "pinsetter"
	if err := r.store.Create(status); err != nil {
		log.Errorf("scheduler: unable to persist status for job %s: %v", key, err)
		return
	}
	r.fireStatus(status.ID)
}

// fireStatus submits one job id to the executor. A saturated rejection
// leaves the status Pending in the store; the next trigger or an
// operator re-submission picks it up.
func (r *Realm) fireStatus(id string) {
	status, err := r.store.Get(id)
	if err != nil {
		log.Warnf("scheduler: skipping vanished job %s: %v", id, err)
		return
	}
	if status.State == pinsetter.Canceled {
		return
	}
	outcome, err := r.executor.Execute(id)
	if err != nil {
		log.Errorf("scheduler: unable to execute job %s: %v", id, err)
		return
	}
	if outcome == pinsetter.RejectedSaturated {
		log.WithField("job", id).Warn("executor saturated, job left pending")
	}
}
