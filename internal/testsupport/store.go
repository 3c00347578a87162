package testsupport

import (
	"context"
	"testing"

	"docflow/internal/config"
	"docflow/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewDocument inserts a pending document for tests using the provided store.
func NewDocument(t testing.TB, store *queue.Store, sourcePath string) *queue.Document {
	t.Helper()

	doc, err := store.NewDocument(context.Background(), sourcePath, queue.DefaultPriority)
	if err != nil {
		t.Fatalf("store.NewDocument: %v", err)
	}
	return doc
}
