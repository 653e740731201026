package msgqueue

import (
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pinsetter/pinsetter"
)

// Publisher sends raw messages to a broker subject. Implemented by
// SessionPool.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Factory is the producer side of the message queue bridge. It persists
// a job status first, then publishes a lightweight message referencing
// it, so that consumer-side lookup always succeeds.
type Factory struct {
	store    pinsetter.Store
	registry *pinsetter.Registry
	pub      Publisher
	cfg      Config
}

// NewFactory creates the producer side of the bridge.
func NewFactory(store pinsetter.Store, registry *pinsetter.Registry, pub Publisher, cfg Config) *Factory {
	return &Factory{
		store:    store,
		registry: registry,
		pub:      pub,
		cfg:      cfg.withDefaults(),
	}
}

// Submit creates and persists a job status for the given key, then
// publishes its message to the broker. The configure callback can set
// target, principal, and arguments on the status before it is persisted.
//
// Ordering is persist-then-publish. If the publish fails the error is
// returned loudly: the persisted status is an orphan and the caller's
// surrounding transaction should roll the Create back.
func (f *Factory) Submit(key string, configure func(*pinsetter.JobStatus)) (*pinsetter.JobStatus, error) {
	def, err := f.registry.Resolve(key)
	if err != nil {
		return nil, errors.Wrapf(err, "msgqueue: unknown job key %s", key)
	}

	status := pinsetter.NewJobStatus(key, def.Type, def.Group)
	if configure != nil {
		configure(status)
	}

	if err := f.store.Create(status); err != nil {
		return nil, errors.Wrapf(err, "msgqueue: unable to persist status for job %s", status.ID)
	}
	if err := f.publish(status); err != nil {
		return nil, errors.Wrapf(err, "msgqueue: unable to publish message for job %s", status.ID)
	}
	return status, nil
}

// Retry re-publishes a done messaging job. The status is reset to
// Created and its prior result cleared. Jobs that are not of messaging
// type, or not yet done, are rejected with ErrNotRetriable and left
// unchanged.
func (f *Factory) Retry(id string) (*pinsetter.JobStatus, error) {
	status, err := f.store.Get(id)
	if err != nil {
		return nil, err
	}
	if status.Type != pinsetter.MessagingType {
		return nil, errors.Wrapf(pinsetter.ErrNotRetriable, "job %s is of type %s", id, status.Type)
	}
	if !status.State.Done() {
		return nil, errors.Wrapf(pinsetter.ErrNotRetriable, "job %s is still %s", id, status.State)
	}

	status.State = pinsetter.Created
	status.Result = ""
	status.ResultData = nil
	status.Failure = ""
	status.Started = 0
	status.Finished = 0
	if err := f.store.Merge(status); err != nil {
		return nil, errors.Wrapf(err, "msgqueue: unable to reset status for job %s", id)
	}
	if err := f.publish(status); err != nil {
		return nil, errors.Wrapf(err, "msgqueue: unable to publish message for job %s", id)
	}
	log.WithFields(log.Fields{"job": id, "key": status.Key}).Info("job re-published for retry")
	return status, nil
}

func (f *Factory) publish(status *pinsetter.JobStatus) error {
	data, err := json.Marshal(JobMessage{ID: status.ID, Key: status.Key})
	if err != nil {
		return err
	}
	return f.pub.Publish(subjectFor(f.cfg, status.Key), data)
}
