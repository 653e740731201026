package msgqueue

import (
	"encoding/json"

	stan "github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pinsetter/pinsetter"
)

// Dispatcher hands a job id to the executor. Satisfied by
// *pinsetter.Executor.
type Dispatcher interface {
	Execute(id string) (pinsetter.Outcome, error)
}

// Receiver is the consumer side of the bridge for one job key. It holds
// a durable queue subscription with manual acknowledgment and at most
// one message in flight, keeping the duplicate-redelivery window on
// crash as small as possible.
//
// Acknowledgment is the commit: a message is acked only when it was
// dispatched, or when it can never succeed (unknown job id, malformed
// payload). Everything else is left unacked so the broker redelivers it
// after the ack-wait. That is the at-least-once guarantee.
type Receiver struct {
	key        string
	dispatcher Dispatcher
	pool       *SessionPool
	session    *Session
	sub        stan.Subscription
	cfg        Config
}

// NewReceiver subscribes to the channel of the given job key and starts
// dispatching its messages.
func NewReceiver(key string, d Dispatcher, pool *SessionPool, cfg Config) (*Receiver, error) {
	cfg = cfg.withDefaults()
	session, err := pool.Acquire()
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		key:        key,
		dispatcher: d,
		pool:       pool,
		session:    session,
		cfg:        cfg,
	}
	sub, err := session.conn.QueueSubscribe(
		subjectFor(cfg, key),
		cfg.QueueGroup,
		func(m *stan.Msg) { r.dispatch(m.Data, m.Ack) },
		stan.SetManualAckMode(),
		stan.MaxInflight(1),
		stan.AckWait(cfg.RedeliveryDelay),
		stan.DurableName(cfg.DurableName),
	)
	if err != nil {
		pool.Release(session)
		return nil, errors.Wrapf(err, "msgqueue: unable to subscribe for job key %s", key)
	}
	r.sub = sub
	return r, nil
}

// dispatch processes one broker message. The ack callback commits the
// message; not calling it leaves the message queued for redelivery.
func (r *Receiver) dispatch(data []byte, ack func() error) {
	logger := log.WithField("key", r.key)

	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// A malformed message can never succeed; discard it.
		logger.Errorf("discarding malformed job message: %v", err)
		r.ack(ack, logger)
		return
	}
	logger = logger.WithField("job", msg.ID)

	outcome, err := r.dispatcher.Execute(msg.ID)
	if err != nil {
		logger.Errorf("job dispatch failed, leaving message for redelivery: %v", err)
		return
	}
	switch outcome {
	case pinsetter.Accepted:
		r.ack(ack, logger)
	case pinsetter.RejectedNotFound:
		// Presumed already processed or purged; retrying cannot succeed.
		logger.Info("discarding message for unknown job")
		r.ack(ack, logger)
	case pinsetter.RejectedSaturated:
		logger.Warn("executor saturated, leaving message for redelivery")
	default:
		logger.Warnf("unexpected dispatch outcome %v, leaving message for redelivery", outcome)
	}
}

func (r *Receiver) ack(ack func() error, logger *log.Entry) {
	if err := ack(); err != nil {
		logger.Errorf("unable to ack job message: %v", err)
	}
}

// Close stops the subscription and returns the session. Both steps are
// attempted independently so a failure in one does not prevent the
// other. The durable subscription state survives on the broker.
func (r *Receiver) Close() error {
	var closeErr error
	if r.sub != nil {
		if err := r.sub.Close(); err != nil {
			closeErr = errors.Wrapf(err, "msgqueue: unable to close subscription for job key %s", r.key)
		}
		r.sub = nil
	}
	if r.session != nil {
		r.pool.Release(r.session)
		r.session = nil
	}
	return closeErr
}
