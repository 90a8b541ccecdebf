package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when a channel is requested while the
// manager has no live connection.
var ErrNotConnected = errors.New("amqp: not connected")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ConnectionManager owns one broker connection. It declares the topology on
// every successful connect and reconnects in the background when the
// broker drops the connection. Channels are cheap and handed out per user;
// a channel error never tears down the connection.
type ConnectionManager struct {
	url      string
	dial     Dialer
	topology Topology
	policy   RetryPolicy

	mu     sync.RWMutex
	conn   Connection
	state  State
	ready  chan struct{}
	closed bool
	ctx    context.Context
}

func NewConnectionManager(url string, dial Dialer, topology Topology, policy RetryPolicy) *ConnectionManager {
	if dial == nil {
		dial = DialAMQP
	}
	return &ConnectionManager{
		url:      url,
		dial:     dial,
		topology: topology,
		policy:   policy,
		ready:    make(chan struct{}),
		ctx:      context.Background(),
	}
}

func (m *ConnectionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *ConnectionManager) Topology() Topology { return m.topology }

// Connect dials until it succeeds, the retry budget runs out or ctx is
// done. ctx also bounds the background reconnect loop.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; ; attempt++ {
		m.setState(StateConnecting)
		lastErr = m.connectOnce()
		if lastErr == nil {
			return nil
		}
		m.setState(StateDisconnected)
		log.Printf("[amqp] WARNING: connect attempt %d failed: %v", attempt+1, lastErr)

		if m.policy.Exhausted(attempt + 1) {
			return fmt.Errorf("connect after %d attempts: %w", attempt+1, lastErr)
		}
		if err := sleepCtx(ctx, m.policy.Backoff(attempt)); err != nil {
			return err
		}
	}
}

func (m *ConnectionManager) connectOnce() error {
	conn, err := m.dial(m.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := m.topology.Declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	ch.Close()

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	m.conn = conn
	if m.state != StateConnected {
		close(m.ready)
	}
	m.state = StateConnected
	m.mu.Unlock()

	log.Printf("[amqp] connected, topology declared (%d exchanges, %d stages)",
		len(m.topology.Exchanges), len(m.topology.Stages))

	go m.watch(closes)
	return nil
}

func (m *ConnectionManager) watch(closes chan *amqp.Error) {
	amqpErr := <-closes

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.ready = make(chan struct{})
	ctx := m.ctx
	m.mu.Unlock()

	log.Printf("[amqp] WARNING: connection lost: %v", amqpErr)

	for attempt := 0; ctx.Err() == nil; attempt++ {
		if err := m.Connect(ctx); err == nil {
			log.Printf("[amqp] reconnected")
			return
		}
		if sleepCtx(ctx, m.policy.MaxInterval) != nil {
			return
		}
	}
}

func (m *ConnectionManager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected && s != StateConnected {
		m.ready = make(chan struct{})
	}
	m.state = s
}

// Channel opens a new channel on the live connection.
func (m *ConnectionManager) Channel() (Channel, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

// WaitConnected blocks until a connection is up or ctx is done.
func (m *ConnectionManager) WaitConnected(ctx context.Context) error {
	m.mu.RLock()
	ready := m.ready
	m.mu.RUnlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.state == StateConnected {
		m.ready = make(chan struct{})
	}
	m.state = StateDisconnected
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
