// Package docstore provides the key-value document store holding pod
// content configuration blobs.
//
// Items are addressed by a partition key and sort key (pk, sk). The
// engine reads a prompt pod's configuration with a single Get; editors
// write it with Put. Two implementations are bundled: a SQLite-backed
// store and an in-memory store for tests.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the item does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("document store is closed")
)

// Key addresses one document.
type Key struct {
	PK string
	SK string
}

// Item is one stored document.
type Item struct {
	PK   string
	SK   string
	Body json.RawMessage
}

// Store is the key-value document store contract.
type Store interface {
	// Get returns the item at (pk, sk), or ErrNotFound.
	Get(ctx context.Context, pk, sk string) (*Item, error)

	// BatchGet returns the existing items among keys, in one lookup.
	// Missing keys are silently absent from the result.
	BatchGet(ctx context.Context, keys []Key) ([]Item, error)

	// Put inserts or replaces an item.
	Put(ctx context.Context, item *Item) error

	// Delete removes the item at (pk, sk). Deleting a missing item is
	// not an error.
	Delete(ctx context.Context, pk, sk string) error

	// Close releases underlying resources.
	Close() error
}
