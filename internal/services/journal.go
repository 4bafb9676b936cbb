package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/arzan03/EasyTransfer/internal/models"
)

const (
	journalBuffer = 256
	insertTimeout = 5 * time.Second
)

// Journal records what happened to shared resources. Record must not block
// the request path.
type Journal interface {
	Record(ctx context.Context, ev models.Event)
	Close(ctx context.Context) error
}

// NewInstanceID names this process in journal events.
func NewInstanceID() string {
	return uuid.NewString()
}

// LogJournal writes events to the process logger. It is used when no
// database is configured.
type LogJournal struct {
	instance string
	logger   *slog.Logger
}

// NewLogJournal returns a journal backed by logger.
func NewLogJournal(instance string, logger *slog.Logger) *LogJournal {
	return &LogJournal{
		instance: instance,
		logger:   logger.With(slog.String("component", "journal")),
	}
}

// Record logs ev at debug level.
func (j *LogJournal) Record(ctx context.Context, ev models.Event) {
	stamp(&ev, j.instance)
	j.logger.DebugContext(ctx, "event",
		slog.String("kind", string(ev.Kind)),
		slog.Int64("resource_id", ev.ResourceID),
		slog.String("remote", ev.Remote),
		slog.Int("status", ev.Status),
	)
}

// Close is a no-op.
func (j *LogJournal) Close(context.Context) error { return nil }

// eventStore is the part of *mongo.Collection the journal needs.
type eventStore interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoJournal inserts events into a collection from a background writer.
// When the buffer is full events are dropped and logged rather than
// delaying the caller.
type MongoJournal struct {
	instance string
	store    eventStore
	logger   *slog.Logger

	events chan models.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewMongoJournal starts the writer for coll.
func NewMongoJournal(coll *mongo.Collection, instance string, logger *slog.Logger) *MongoJournal {
	return newMongoJournal(coll, instance, logger)
}

func newMongoJournal(store eventStore, instance string, logger *slog.Logger) *MongoJournal {
	j := &MongoJournal{
		instance: instance,
		store:    store,
		logger:   logger.With(slog.String("component", "journal")),
		events:   make(chan models.Event, journalBuffer),
		done:     make(chan struct{}),
	}
	go j.run()
	return j
}

// Record queues ev for insertion.
func (j *MongoJournal) Record(_ context.Context, ev models.Event) {
	stamp(&ev, j.instance)

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.events <- ev:
	default:
		j.logger.Warn("journal buffer full, dropping event",
			slog.String("kind", string(ev.Kind)),
			slog.Int64("resource_id", ev.ResourceID),
		)
	}
}

func (j *MongoJournal) run() {
	defer close(j.done)
	for ev := range j.events {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if _, err := j.store.InsertOne(ctx, ev); err != nil {
			j.logger.Error("failed to insert event",
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queued ones are written
// or ctx ends.
func (j *MongoJournal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain journal: %w", ctx.Err())
	}
}

func stamp(ev *models.Event, instance string) {
	ev.Instance = instance
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
}
