package accounts

import (
	"context"
	"sync"
)

// Document is an account record as read from the store. StripeCustomer is
// kept as decoded JSON because its shape is owned by the billing provider.
type Document struct {
	ID             string           `bson:"_id" json:"_id"`
	JWTSecret      string           `bson:"jwtSecret,omitempty" json:"jwtSecret,omitempty"`
	Free           bool             `bson:"free,omitempty" json:"free,omitempty"`
	StripeCustomer map[string]any   `bson:"stripeCustomer,omitempty" json:"stripeCustomer,omitempty"`
	CapUsage       map[string]int64 `bson:"cap_usage,omitempty" json:"cap_usage,omitempty"`
}

// Store is the account document store.
type Store interface {
	// LoadAll returns all account documents.
	LoadAll(ctx context.Context) ([]Document, error)

	// SaveUsage upserts the account's cap_usage field.
	SaveUsage(ctx context.Context, id string, usage map[string]int64) error
}

// MemStore is an in-memory Store for tests and local development.
type MemStore struct {
	mu    sync.Mutex
	docs  map[string]Document
	Saved map[string]map[string]int64 // last usage written per account
	Err   error                       // forced error for failure tests
}

// NewMemStore creates a MemStore holding the given documents.
func NewMemStore(docs ...Document) *MemStore {
	s := &MemStore{
		docs:  make(map[string]Document),
		Saved: make(map[string]map[string]int64),
	}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s
}

// Put stores or replaces a document.
func (s *MemStore) Put(d Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.ID] = d
}

// LoadAll implements Store.
func (s *MemStore) LoadAll(context.Context) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	docs := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	return docs, nil
}

// SaveUsage implements Store.
func (s *MemStore) SaveUsage(_ context.Context, id string, usage map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Saved[id] = usage
	return nil
}
