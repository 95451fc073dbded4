package relay

import (
	"database/sql"

	"github.com/petrijr/relay/internal/engine"
	"github.com/petrijr/relay/internal/persistence"
	"github.com/petrijr/relay/internal/taskqueue"
	workerpkg "github.com/petrijr/relay/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes tasks from that queue. The engine schedules every delayed
// sequence step onto the queue.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:relay.db?_journal=WAL")
//	bundle, err := relay.NewSQLiteBundle(db, messenger, worker.Config{})
//	// register rules and sequences on bundle.Engine
//	go bundle.Worker.Run(ctx)
func NewSQLiteBundle(db *sql.DB, m Messenger, cfg workerpkg.Config) (*WorkerBundle, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}

	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	eng := engine.NewEngine(engine.Config{
		Persistence: p,
		Messenger:   m,
		Scheduler:   workerpkg.NewQueueScheduler(q),
		Options:     engine.DefaultOptions(),
	})

	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}, nil
}
