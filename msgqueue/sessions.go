package msgqueue

import (
	"fmt"

	"sync"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	stan "github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Session wraps a single broker connection. The underlying client
// connection is not safe for concurrent use, which is why sessions are
// handed out exclusively through the pool.
type Session struct {
	conn stan.Conn
}

// Publish sends data to the given broker subject.
func (s *Session) Publish(subject string, data []byte) error {
	return s.conn.Publish(subject, data)
}

func (s *Session) alive() bool {
	nc := s.conn.NatsConn()
	return nc != nil && nc.IsConnected()
}

func (s *Session) close() {
	nc := s.conn.NatsConn()
	if err := s.conn.Close(); err != nil {
		log.Warnf("msgqueue: error closing broker session: %v", err)
	}
	// The streaming client does not own the underlying connection we
	// dialed for it.
	if nc != nil {
		nc.Close()
	}
}

// SessionPool hands out broker sessions with explicit acquire/release
// lifecycle. Sessions are created lazily, and a session found dead on
// acquisition is discarded and replaced.
type SessionPool struct {
	cfg Config

	mu     sync.Mutex
	closed bool
	idle   chan *Session

	dial func() (stan.Conn, error)
}

// NewSessionPool creates a pool for the given broker configuration. No
// connection is made until the first Acquire.
func NewSessionPool(cfg Config) *SessionPool {
	cfg = cfg.withDefaults()
	p := &SessionPool{
		cfg:  cfg,
		idle: make(chan *Session, cfg.Sessions),
	}
	p.dial = p.connect
	return p
}

// Acquire returns a session for exclusive use by the caller. Return it
// with Release when done.
func (p *SessionPool) Acquire() (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("msgqueue: session pool closed")
	}
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			if !s.alive() {
				s.close()
				continue
			}
			return s, nil
		default:
			conn, err := p.dial()
			if err != nil {
				return nil, errors.Wrap(err, "msgqueue: unable to connect to broker")
			}
			return &Session{conn: conn}, nil
		}
	}
}

// Release returns a session to the pool. If the pool is full or closed,
// the session is closed instead.
func (p *SessionPool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || !s.alive() {
		s.close()
		return
	}
	select {
	case p.idle <- s:
	default:
		s.close()
	}
}

// Publish acquires a session, publishes, and releases the session again.
func (p *SessionPool) Publish(subject string, data []byte) error {
	s, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(s)
	return s.Publish(subject, data)
}

// Close shuts the pool down and closes all idle sessions. Sessions still
// checked out are closed on Release.
func (p *SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.idle:
			s.close()
		default:
			return nil
		}
	}
}

// connect dials the broker with exponential backoff, using the
// redelivery pacing from the config.
func (p *SessionPool) connect() (stan.Conn, error) {
	clientID := fmt.Sprintf("%s-%s", p.cfg.ClientID, uuid.New())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RedeliveryDelay
	b.Multiplier = p.cfg.RedeliveryMultiplier
	b.MaxInterval = p.cfg.MaxRedeliveryDelay
	b.MaxElapsedTime = 2 * p.cfg.MaxRedeliveryDelay

	var conn stan.Conn
	op := func() error {
		// Dial the core connection ourselves so we control its name and
		// reconnect behavior; the streaming client rides on top of it.
		nc, err := nats.Connect(p.cfg.URL,
			nats.Name(clientID),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.Warnf("msgqueue: broker connect failed, retrying: %v", err)
			return err
		}
		c, err := stan.Connect(p.cfg.ClusterID, clientID, stan.NatsConn(nc))
		if err != nil {
			nc.Close()
			log.Warnf("msgqueue: broker connect failed, retrying: %v", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return conn, nil
}
