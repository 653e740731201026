package msgqueue

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinsetter/pinsetter"
)

type fakePublisher struct {
	published []JobMessage
	subjects  []string
	err       error
	onPublish func(msg JobMessage)
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	if p.onPublish != nil {
		p.onPublish(msg)
	}
	p.published = append(p.published, msg)
	p.subjects = append(p.subjects, subject)
	return nil
}

func newTestRegistry(t *testing.T) *pinsetter.Registry {
	t.Helper()
	registry := pinsetter.NewRegistry()
	err := registry.Register("refresh_pools", pinsetter.JobDefinition{
		Factory: func() pinsetter.Job {
			return pinsetter.JobFunc(func(*pinsetter.ExecutionContext) error { return nil })
		},
		Type:  pinsetter.MessagingType,
		Group: "async",
	})
	require.NoError(t, err)
	err = registry.Register("sweep", pinsetter.JobDefinition{
		Factory: func() pinsetter.Job {
			return pinsetter.JobFunc(func(*pinsetter.ExecutionContext) error { return nil })
		},
		Type:  pinsetter.CronType,
		Group: "cron",
	})
	require.NoError(t, err)
	return registry
}

func TestFactorySubmitPersistsBeforePublish(t *testing.T) {
	store := pinsetter.NewInMemoryStore()
	pub := &fakePublisher{}
	pub.onPublish = func(msg JobMessage) {
		// The status must already be in the store when its message hits
		// the broker.
		_, err := store.Get(msg.ID)
		assert.NoError(t, err)
	}
	f := NewFactory(store, newTestRegistry(t), pub, Config{})

	status, err := f.Submit("refresh_pools", func(s *pinsetter.JobStatus) {
		s.TargetType = "OWNER"
		s.TargetID = "acme"
		s.Principal = "admin"
		s.Args = map[string]interface{}{"lazy_regen": true}
	})
	require.NoError(t, err)
	require.NotNil(t, status)

	assert.Equal(t, pinsetter.Created, status.State)
	assert.Equal(t, "acme", status.TargetID)
	require.Len(t, pub.published, 1)
	assert.Equal(t, status.ID, pub.published[0].ID)
	assert.Equal(t, "refresh_pools", pub.published[0].Key)
	assert.Equal(t, "pinsetter.jobs.refresh_pools", pub.subjects[0])
}

func TestFactorySubmitUnknownKey(t *testing.T) {
	f := NewFactory(pinsetter.NewInMemoryStore(), newTestRegistry(t), &fakePublisher{}, Config{})
	_, err := f.Submit("bogus", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, pinsetter.ErrNotFound)
}

func TestFactorySubmitPublishFailureIsLoud(t *testing.T) {
	store := pinsetter.NewInMemoryStore()
	pub := &fakePublisher{err: errors.New("broker down")}
	f := NewFactory(store, newTestRegistry(t), pub, Config{})

	_, err := f.Submit("refresh_pools", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to publish")
}

func TestFactoryRetryResetsDoneMessagingJob(t *testing.T) {
	store := pinsetter.NewInMemoryStore()
	pub := &fakePublisher{}
	f := NewFactory(store, newTestRegistry(t), pub, Config{})

	status := pinsetter.NewJobStatus("refresh_pools", pinsetter.MessagingType, "async")
	status.State = pinsetter.Failed
	status.Failure = "boom"
	status.Result = "partial"
	status.Started = 1
	status.Finished = 2
	require.NoError(t, store.Create(status))

	retried, err := f.Retry(status.ID)
	require.NoError(t, err)
	assert.Equal(t, pinsetter.Created, retried.State)
	assert.Empty(t, retried.Failure)
	assert.Empty(t, retried.Result)
	assert.Zero(t, retried.Started)
	assert.Zero(t, retried.Finished)
	require.Len(t, pub.published, 1)
	assert.Equal(t, status.ID, pub.published[0].ID)

	stored, err := store.Get(status.ID)
	require.NoError(t, err)
	assert.Equal(t, pinsetter.Created, stored.State)
}

func TestFactoryRetryRejectsCronJob(t *testing.T) {
	store := pinsetter.NewInMemoryStore()
	pub := &fakePublisher{}
	f := NewFactory(store, newTestRegistry(t), pub, Config{})

	status := pinsetter.NewJobStatus("sweep", pinsetter.CronType, "cron")
	status.State = pinsetter.Finished
	require.NoError(t, store.Create(status))

	_, err := f.Retry(status.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, pinsetter.ErrNotRetriable)
	assert.Empty(t, pub.published)

	// The status must be left unchanged.
	stored, err := store.Get(status.ID)
	require.NoError(t, err)
	assert.Equal(t, pinsetter.Finished, stored.State)
}

func TestFactoryRetryRejectsUnfinishedJob(t *testing.T) {
	store := pinsetter.NewInMemoryStore()
	f := NewFactory(store, newTestRegistry(t), &fakePublisher{}, Config{})

	status := pinsetter.NewJobStatus("refresh_pools", pinsetter.MessagingType, "async")
	status.State = pinsetter.Running
	require.NoError(t, store.Create(status))

	_, err := f.Retry(status.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, pinsetter.ErrNotRetriable)
}

func TestFactoryRetryUnknownJob(t *testing.T) {
	f := NewFactory(pinsetter.NewInMemoryStore(), newTestRegistry(t), &fakePublisher{}, Config{})
	_, err := f.Retry("bogus")
	assert.ErrorIs(t, err, pinsetter.ErrNotFound)
}
