package msgqueue

import (
	"strings"
	"time"
)

const (
	defaultSubject    = "pinsetter.jobs"
	defaultQueueGroup = "pinsetter-workers"
	defaultSessions   = 4

	defaultRedeliveryDelay      = 10 * time.Second
	defaultRedeliveryMultiplier = 2.0
	defaultMaxRedeliveryDelay   = 5 * time.Minute
)

// Config holds the broker settings for the message queue bridge.
//
// Redelivery is deliberately unbounded: a message is never routed to a
// dead-letter queue and never dropped. It either eventually succeeds or
// remains queued.
type Config struct {
	// ClusterID is the NATS Streaming cluster to connect to.
	ClusterID string
	// ClientID is the base client identifier; each session appends a
	// unique suffix since the broker requires distinct client ids.
	ClientID string
	// URL is the NATS server URL.
	URL string
	// MonitorURL is the HTTP monitoring endpoint of the streaming
	// server, used for queue-depth introspection. Optional.
	MonitorURL string
	// Subject is the base broker address; per-job-key channels are
	// derived as "<Subject>.<key>".
	Subject string
	// QueueGroup is the consumer queue group shared by all receivers of
	// one job key across processes.
	QueueGroup string
	// DurableName makes subscriptions survive consumer restarts.
	DurableName string
	// Sessions is the size of the broker session pool.
	Sessions int
	// RedeliveryDelay is the time the broker waits for an ack before
	// redelivering a message. Also the initial reconnect backoff.
	RedeliveryDelay time.Duration
	// RedeliveryMultiplier grows the reconnect backoff between attempts.
	RedeliveryMultiplier float64
	// MaxRedeliveryDelay caps the reconnect backoff.
	MaxRedeliveryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = defaultSubject
	}
	if c.QueueGroup == "" {
		c.QueueGroup = defaultQueueGroup
	}
	if c.DurableName == "" {
		c.DurableName = c.QueueGroup
	}
	if c.Sessions < 1 {
		c.Sessions = defaultSessions
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = defaultRedeliveryDelay
	}
	if c.RedeliveryMultiplier <= 1 {
		c.RedeliveryMultiplier = defaultRedeliveryMultiplier
	}
	if c.MaxRedeliveryDelay <= 0 {
		c.MaxRedeliveryDelay = defaultMaxRedeliveryDelay
	}
	return c
}

// subjectFor derives the broker channel for a job key.
func subjectFor(cfg Config, key string) string {
	return strings.TrimSuffix(cfg.Subject, ".") + "." + key
}
