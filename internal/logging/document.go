package logging

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	"llm_flow/internal/models"
	"llm_flow/internal/utils"
)

// DefaultCollection is the collection entries are written to.
const DefaultCollection = "log-entries"

var errMissingRequestID = errors.New("entry has no request id")

// DocumentStore writes one document keyed by id into a collection,
// replacing any previous document with that id.
type DocumentStore interface {
	Put(ctx context.Context, collection, id string, doc map[string]any) error
}

// FirestoreStore is a DocumentStore backed by Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore connects using application default credentials.
func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func NewFirestoreStoreWithClient(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) Put(ctx context.Context, collection, id string, doc map[string]any) error {
	if _, err := s.client.Collection(collection).Doc(id).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore set %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Document stores each entry as a document whose id is the request id.
// Unset optional fields are written as null.
type Document struct {
	store      DocumentStore
	collection string
	logger     *utils.Logger
}

func NewDocument(store DocumentStore, collection string) *Document {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Document{store: store, collection: collection, logger: utils.NewLogger("document-transport")}
}

func (d *Document) Name() string { return "document" }

func (d *Document) Send(ctx context.Context, entry *models.LogEntry) {
	if entry.RequestID == "" {
		report(d.logger, d.Name(), entry, errMissingRequestID)
		return
	}
	report(d.logger, d.Name(), entry, d.store.Put(ctx, d.collection, entry.RequestID, entry.Document()))
}
