package msgqueue

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinsetter/pinsetter"
)

func TestQueueInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/streaming/channelsz", r.URL.Path)
		channel := r.URL.Query().Get("channel")
		fmt.Fprintf(w, `{"name":%q,"msgs":42}`, channel)
	}))
	defer srv.Close()

	f := NewFactory(pinsetter.NewInMemoryStore(), newTestRegistry(t), &fakePublisher{}, Config{
		MonitorURL: srv.URL,
	})

	infos := f.QueueInfo()
	// Only messaging jobs have broker channels; the cron job is skipped.
	require.Len(t, infos, 1)
	assert.Equal(t, "pinsetter.jobs.refresh_pools", infos[0].Queue)
	assert.Equal(t, int64(42), infos[0].Pending)
}

func TestQueueInfoDegradesOnMonitoringFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFactory(pinsetter.NewInMemoryStore(), newTestRegistry(t), &fakePublisher{}, Config{
		MonitorURL: srv.URL,
	})

	assert.Empty(t, f.QueueInfo())
}

func TestQueueInfoWithoutMonitorURL(t *testing.T) {
	f := NewFactory(pinsetter.NewInMemoryStore(), newTestRegistry(t), &fakePublisher{}, Config{})
	assert.Nil(t, f.QueueInfo())
}
