package store

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lvonguyen/secmon/internal/security"
)

const (
	eventsCollection      = "security_events"
	alertsCollection      = "security_alerts"
	blocksCollection      = "security_blocks"
	escalationsCollection = "security_escalations"
)

// FirestoreStore persists records as Firestore documents, one collection per
// record kind. Events are keyed by event ID and blocks by actor ID.
type FirestoreStore struct {
	client *firestore.Client
	prefix string
}

// NewFirestoreStore opens a Firestore client for projectID. Collection names
// are prefixed with prefix so several deployments can share a project.
func NewFirestoreStore(ctx context.Context, projectID, prefix string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreStoreFromClient(client, prefix), nil
}

// NewFirestoreStoreFromClient wraps an existing client.
func NewFirestoreStoreFromClient(client *firestore.Client, prefix string) *FirestoreStore {
	return &FirestoreStore{client: client, prefix: prefix}
}

func (s *FirestoreStore) col(name string) *firestore.CollectionRef {
	return s.client.Collection(s.prefix + name)
}

func (s *FirestoreStore) AppendEvent(ctx context.Context, ev *security.Event) (string, error) {
	if err := validateEvent(ev); err != nil {
		return "", err
	}
	if _, err := s.col(eventsCollection).Doc(ev.ID).Set(ctx, ev); err != nil {
		return "", fmt.Errorf("failed to write event: %w", err)
	}
	return ev.ID, nil
}

func (s *FirestoreStore) QueryEvents(ctx context.Context, f EventFilter) ([]*security.Event, error) {
	q := s.col(eventsCollection).Query
	if f.ActorID != "" {
		q = q.Where("actor_id", "==", f.ActorID)
	}
	if len(f.Types) == 1 {
		q = q.Where("type", "==", string(f.Types[0]))
	} else if len(f.Types) > 1 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q = q.Where("type", "in", types)
	}
	if !f.Start.IsZero() {
		q = q.Where("timestamp", ">=", f.Start)
	}
	if !f.End.IsZero() {
		q = q.Where("timestamp", "<=", f.End)
	}
	q = q.OrderBy("timestamp", firestore.Desc)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*security.Event
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query events: %w", err)
		}
		var ev security.Event
		if err := doc.DataTo(&ev); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (s *FirestoreStore) ResolveEvent(ctx context.Context, id string, res security.Resolution) error {
	_, err := s.col(eventsCollection).Doc(id).Update(ctx, []firestore.Update{
		{Path: "resolution.resolved", Value: res.Resolved},
		{Path: "resolution.resolved_by", Value: res.ResolvedBy},
		{Path: "resolution.resolved_at", Value: res.ResolvedAt},
		{Path: "resolution.notes", Value: res.Notes},
	})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve event: %w", err)
	}
	return nil
}

func (s *FirestoreStore) SaveAlert(ctx context.Context, a *security.AlertRecord) error {
	if _, err := s.col(alertsCollection).Doc(a.ID).Set(ctx, a); err != nil {
		return fmt.Errorf("failed to write alert: %w", err)
	}
	return nil
}

func (s *FirestoreStore) SaveBlock(ctx context.Context, b *security.BlockRecord) error {
	if _, err := s.col(blocksCollection).Doc(b.ActorID).Set(ctx, b); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetBlock(ctx context.Context, actorID string) (*security.BlockRecord, error) {
	doc, err := s.col(blocksCollection).Doc(actorID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	var b security.BlockRecord
	if err := doc.DataTo(&b); err != nil {
		return nil, fmt.Errorf("failed to decode block: %w", err)
	}
	return &b, nil
}

func (s *FirestoreStore) SaveEscalation(ctx context.Context, e *security.EscalationRecord) error {
	if _, err := s.col(escalationsCollection).Doc(e.ID).Set(ctx, e); err != nil {
		return fmt.Errorf("failed to write escalation: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListEscalations(ctx context.Context, st security.EscalationStatus, limit int) ([]*security.EscalationRecord, error) {
	q := s.col(escalationsCollection).Query
	if st != "" {
		q = q.Where("status", "==", string(st))
	}
	q = q.OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*security.EscalationRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list escalations: %w", err)
		}
		var e security.EscalationRecord
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("failed to decode escalation %s: %w", doc.Ref.ID, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
