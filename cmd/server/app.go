package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/wakala/paysettle/internal/config"
	"github.com/wakala/paysettle/internal/exceptions"
	"github.com/wakala/paysettle/internal/messaging"
	"github.com/wakala/paysettle/internal/outbox"
	"github.com/wakala/paysettle/internal/pipeline"
	"github.com/wakala/paysettle/internal/poster"
	"github.com/wakala/paysettle/internal/remittance"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/seed"
)

// app holds the services every command shares. broker and publisher are
// nil for commands that only touch the store.
type app struct {
	cfg        *config.Config
	db         *sql.DB
	broker     *messaging.ConnectionManager
	publisher  *messaging.Publisher
	exceptions *exceptions.Service
	poster     *poster.Service
	remittance *remittance.Engine
}

// openApp loads config and the store. With withBroker it also connects to
// the broker, declaring the topology, before building the services.
func openApp(ctx context.Context, configPath string, withBroker bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Printf("Initializing database at %s", cfg.Database.Path)
	db, err := repository.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	a := &app{cfg: cfg, db: db}

	if err := a.seedIfEmpty(ctx); err != nil {
		log.Printf("WARNING: Failed to seed contracts and loans: %v", err)
	}

	// Left nil without a broker so replays fail with ErrNotReplayable
	// instead of dereferencing a nil publisher.
	var replay exceptions.Publisher
	if withBroker {
		topology := messaging.DefaultTopology(messaging.TopologyOptions{
			Quorum:     cfg.AMQP.QuorumQueues,
			RetryTTL:   cfg.AMQP.RetryTTL,
			MaxRetries: cfg.AMQP.MaxRetries,
			Prefetch:   cfg.AMQP.Prefetch,
		})
		reconnect := messaging.RetryPolicy{
			InitialInterval: cfg.AMQP.Reconnect.InitialInterval,
			MaxInterval:     cfg.AMQP.Reconnect.MaxInterval,
			MaxAttempts:     cfg.AMQP.Reconnect.MaxAttempts,
		}
		a.broker = messaging.NewConnectionManager(cfg.AMQP.URL, nil, topology, reconnect)
		if err := a.broker.Connect(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect broker: %w", err)
		}

		publish := reconnect
		publish.MaxAttempts = cfg.AMQP.PublishAttempts
		a.publisher = messaging.NewPublisher(a.broker, publish, cfg.AMQP.ConfirmTimeout)
		replay = a.publisher
	}

	a.exceptions = exceptions.NewService(repository.NewExceptionRepo(db), repository.NewPaymentRepo(db), replay)
	a.poster = poster.NewService(db, a.exceptions)
	a.remittance = remittance.NewEngine(db, a.exceptions, cfg.Remittance.Currency)
	return a, nil
}

func (a *app) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			log.Printf("WARNING: close broker: %v", err)
		}
	}
	if err := a.db.Close(); err != nil {
		log.Printf("WARNING: close db: %v", err)
	}
}

func (a *app) seedIfEmpty(ctx context.Context) error {
	ids, err := repository.NewContractRepo(a.db).ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list contracts: %w", err)
	}
	if len(ids) > 0 {
		log.Printf("Database already has %d investor contracts, skipping seed", len(ids))
		return nil
	}
	log.Printf("Database is empty, seeding contracts and loans from %s...", a.cfg.Seed.Path)
	_, err = seed.LoadFile(ctx, a.db, a.cfg.Seed.Path)
	return err
}

// runWorkers runs the stage consumers, the outbox dispatcher and the
// pending sweeper until ctx is done.
func (a *app) runWorkers(ctx context.Context) error {
	dedupe, err := messaging.NewCachedDeduper(repository.NewProcessedMessageRepo(a.db), a.cfg.AMQP.DedupeCacheSize)
	if err != nil {
		return fmt.Errorf("dedupe cache: %w", err)
	}

	handlers := pipeline.NewHandlers(repository.NewLoanRepo(a.db), a.poster, a.remittance, a.exceptions, a.cfg.Remittance.Currency)
	consumers := pipeline.Consumers(a.broker.Topology(), a.broker, a.publisher, handlers, dedupe, a.cfg.AMQP.Workers)

	dispatcher := outbox.NewDispatcher(repository.NewOutboxRepo(a.db), a.publisher, a.exceptions, outbox.Config{
		PollInterval: a.cfg.Outbox.PollInterval,
		BatchSize:    a.cfg.Outbox.BatchSize,
		MaxAttempts:  a.cfg.Outbox.MaxAttempts,
	})

	go dispatcher.Run(ctx)
	go a.exceptions.RunSweeper(ctx, a.cfg.Exceptions.PendingSweepInterval)

	log.Printf("Started %d consumers (%d workers per stage)", len(consumers), a.cfg.AMQP.Workers)
	pipeline.RunAll(ctx, consumers)
	return nil
}
