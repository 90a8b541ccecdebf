package pipeline

import (
	"context"
	"log"
	"sync"

	"github.com/wakala/paysettle/internal/messaging"
)

// Consumers builds one consumer per stage plus one per dead-letter queue.
// Stage consumers are deduplicated on message id; dead-letter consumers
// requeue on failure since their queues have nowhere further to go.
func Consumers(t messaging.Topology, broker messaging.Broker, router messaging.Router, h *Handlers, dedupe messaging.Deduper, workers int) []*messaging.Consumer {
	handlers := map[string]messaging.Handler{
		messaging.QueueInbound:     h.Ingest,
		messaging.QueueCollections: h.Collections,
	}
	names := map[string]string{
		messaging.QueueInbound:     "ingest",
		messaging.QueueCollections: "collections",
	}

	var out []*messaging.Consumer
	for _, s := range t.Stages {
		handler, ok := handlers[s.Queue]
		if !ok {
			log.Printf("[pipeline] WARNING: no handler for stage %s", s.Queue)
			continue
		}
		opts := []messaging.ConsumerOption{messaging.WithWorkers(workers)}
		if dedupe != nil {
			opts = append(opts, messaging.WithDeduper(dedupe))
		}
		out = append(out, messaging.NewConsumer(names[s.Queue], s, broker, router, handler, opts...))

		dlq := messaging.Stage{Queue: s.DeadLetterQueue(), Prefetch: s.Prefetch}
		out = append(out, messaging.NewConsumer(names[s.Queue]+"-dlq", dlq, broker, router, h.DeadLetters,
			messaging.WithRequeueOnFailure()))
	}
	return out
}

// RunAll runs consumers until ctx is done.
func RunAll(ctx context.Context, consumers []*messaging.Consumer) {
	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *messaging.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil {
				log.Printf("[pipeline] consumer %s exited: %v", c.Name, err)
			}
		}(c)
	}
	wg.Wait()
}
