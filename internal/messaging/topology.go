package messaging

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wakala/paysettle/internal/domain"
)

// Exchange names. These strings are part of the wire contract.
const (
	ExchangeInbound = "payments.inbound"
	ExchangeSaga    = "payments.saga"
	ExchangeEvents  = "payments.events"
	ExchangeDLQ     = "payments.dlq"
)

// Stage queue names.
const (
	QueueInbound     = "q.payments.inbound"
	QueueCollections = "q.remittance.collections"
)

type Exchange struct {
	Name string
	Kind string
}

type Binding struct {
	Exchange string
	Key      string
}

// Stage is one processing step: a main queue, its retry queue and its
// dead-letter queue.
type Stage struct {
	Queue      string
	Bindings   []Binding
	RetryTTL   time.Duration
	MaxRetries int
	Prefetch   int
}

// RetryQueue holds failed messages for RetryTTL, then dead-letters them
// back into the main queue.
func (s Stage) RetryQueue() string { return s.Queue + ".retry" }

// DeadLetterQueue receives messages that exhausted their retry budget.
func (s Stage) DeadLetterQueue() string { return s.Queue + ".dlq" }

type Topology struct {
	Exchanges []Exchange
	Stages    []Stage
	Quorum    bool
}

// TopologyOptions tunes the stages of DefaultTopology.
type TopologyOptions struct {
	Quorum     bool
	RetryTTL   time.Duration
	MaxRetries int
	Prefetch   int
}

// DefaultTopology is the pipeline's exchanges and stages.
func DefaultTopology(o TopologyOptions) Topology {
	if o.RetryTTL <= 0 {
		o.RetryTTL = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 5
	}

	inbound := make([]Binding, 0, len(domain.Methods))
	for _, m := range domain.Methods {
		inbound = append(inbound, Binding{Exchange: ExchangeInbound, Key: string(m)})
	}

	return Topology{
		Quorum: o.Quorum,
		Exchanges: []Exchange{
			{Name: ExchangeInbound, Kind: amqp.ExchangeDirect},
			{Name: ExchangeSaga, Kind: amqp.ExchangeTopic},
			{Name: ExchangeEvents, Kind: amqp.ExchangeTopic},
			{Name: ExchangeDLQ, Kind: amqp.ExchangeDirect},
		},
		Stages: []Stage{
			{
				Queue:      QueueInbound,
				Bindings:   inbound,
				RetryTTL:   o.RetryTTL,
				MaxRetries: o.MaxRetries,
				Prefetch:   o.Prefetch,
			},
			{
				Queue:      QueueCollections,
				Bindings:   []Binding{{Exchange: ExchangeEvents, Key: domain.EventLedgerPosted}},
				RetryTTL:   o.RetryTTL,
				MaxRetries: o.MaxRetries,
				Prefetch:   o.Prefetch,
			},
		},
	}
}

// Stage looks up a stage by its main queue name.
func (t Topology) Stage(queue string) (Stage, bool) {
	for _, s := range t.Stages {
		if s.Queue == queue {
			return s, true
		}
	}
	return Stage{}, false
}

// Declare asserts every exchange, queue and binding. It is idempotent and
// runs on every (re)connect.
func (t Topology) Declare(ch Channel) error {
	for _, ex := range t.Exchanges {
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, err)
		}
	}

	for _, s := range t.Stages {
		mainArgs := amqp.Table{
			"x-dead-letter-exchange":    ExchangeDLQ,
			"x-dead-letter-routing-key": s.DeadLetterQueue(),
		}
		if t.Quorum {
			mainArgs["x-queue-type"] = "quorum"
		}
		if _, err := ch.QueueDeclare(s.Queue, true, false, false, false, mainArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", s.Queue, err)
		}
		for _, b := range s.Bindings {
			if err := ch.QueueBind(s.Queue, b.Key, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s/%s: %w", s.Queue, b.Exchange, b.Key, err)
			}
		}

		// Expired retries go back through the default exchange, which routes
		// by queue name, so a queue bound under many keys still gets them.
		retryArgs := amqp.Table{
			"x-message-ttl":             s.RetryTTL.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": s.Queue,
		}
		if _, err := ch.QueueDeclare(s.RetryQueue(), true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", s.RetryQueue(), err)
		}

		dlqArgs := amqp.Table{}
		if t.Quorum {
			dlqArgs["x-queue-type"] = "quorum"
		}
		if _, err := ch.QueueDeclare(s.DeadLetterQueue(), true, false, false, false, dlqArgs); err != nil {
			return fmt.Errorf("declare queue %s: %w", s.DeadLetterQueue(), err)
		}
		if err := ch.QueueBind(s.DeadLetterQueue(), s.DeadLetterQueue(), ExchangeDLQ, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", s.DeadLetterQueue(), err)
		}
	}
	return nil
}
