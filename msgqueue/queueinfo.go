package msgqueue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pinsetter/pinsetter"
)

// QueueStatus reports the depth of one broker channel.
type QueueStatus struct {
	Queue   string `json:"queue"`
	Pending int64  `json:"pending"`
}

var queueInfoClient = &http.Client{Timeout: 5 * time.Second}

// QueueInfo returns pending message counts for the channels of all
// registered messaging jobs, using the streaming server's monitoring
// endpoint. Introspection is diagnostic only: failures are logged and
// degrade to empty or partial results instead of propagating.
func (f *Factory) QueueInfo() []QueueStatus {
	if f.cfg.MonitorURL == "" {
		return nil
	}
	base := strings.TrimRight(f.cfg.MonitorURL, "/")

	var infos []QueueStatus
	for _, key := range f.registry.Keys() {
		def, err := f.registry.Resolve(key)
		if err != nil || def.Type != pinsetter.MessagingType {
			continue
		}
		channel := subjectFor(f.cfg, key)
		depth, err := channelDepth(base, channel)
		if err != nil {
			log.Warnf("msgqueue: unable to inspect channel %s: %v", channel, err)
			continue
		}
		infos = append(infos, QueueStatus{Queue: channel, Pending: depth})
	}
	return infos
}

func channelDepth(base, channel string) (int64, error) {
	rsp, err := queueInfoClient.Get(base + "/streaming/channelsz?channel=" + url.QueryEscape(channel))
	if err != nil {
		return 0, err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("monitoring endpoint returned %s", rsp.Status)
	}
	var cz struct {
		Msgs int64 `json:"msgs"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&cz); err != nil {
		return 0, err
	}
	return cz.Msgs, nil
}
