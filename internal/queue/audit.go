package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FileAudit appends one human-readable line per event to a log file.
type FileAudit struct {
	mu   sync.Mutex
	path string
}

// NewFileAudit returns an auditor writing to path, creating its directory
// if needed.
func NewFileAudit(path string) (*FileAudit, error) {
	if path == "" {
		path = filepath.Join("logs", "ticket-events.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return &FileAudit{path: path}, nil
}

func (a *FileAudit) Record(_ context.Context, ev TicketEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(auditLine(ev)); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func auditLine(ev TicketEvent) string {
	action := "Ticket confirmed"
	if ev.Type == TicketCancelled {
		action = "Ticket cancelled"
	}
	qty := ev.Payload["quantity"]
	if qty == nil {
		qty = "?"
	}
	return fmt.Sprintf("[%s] %s | event_id=%s | ticket_id=%s | event=%s | user_id=%s | quantity=%v | total=%d cents\n",
		ev.OccurredAt.UTC().Format(time.RFC3339), action, ev.EventID, ev.TicketID, ev.EventIDRef, ev.UserID, qty, ev.Amount)
}

// MongoAudit stores each event as a document keyed by its event id, so a
// redelivered event is written at most once even across consumer restarts.
type MongoAudit struct {
	coll *mongo.Collection
}

// NewMongoAudit returns an auditor writing to coll.
func NewMongoAudit(coll *mongo.Collection) *MongoAudit {
	return &MongoAudit{coll: coll}
}

func (a *MongoAudit) Record(ctx context.Context, ev TicketEvent) error {
	doc := bson.M{
		"type":        string(ev.Type),
		"ticket_id":   ev.TicketID,
		"event_ref":   ev.EventIDRef,
		"user_id":     ev.UserID,
		"amount":      ev.Amount,
		"occurred_at": ev.OccurredAt,
		"payload":     ev.Payload,
		"recorded_at": time.Now().UTC(),
	}
	_, err := a.coll.UpdateOne(ctx,
		bson.M{"_id": ev.EventID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo upsert %s: %w", ev.EventID, err)
	}
	return nil
}
