package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/otero/cachefabric/pkg/errs"
)

// APIKeyRecord is one registered API key and the identity it resolves to.
type APIKeyRecord struct {
	Key         string
	UserID      string
	Username    string
	Roles       []string
	Permissions []string
	LastUsedAt  time.Time
}

// APIKeyStore is the lookup backing an APIKeyProvider. A simple in-memory
// implementation is provided below; a remote-backed store can satisfy
// this interface just as well.
type APIKeyStore interface {
	Lookup(key string) (APIKeyRecord, bool)
	Touch(key string, at time.Time)
}

// MemoryAPIKeyStore is a concurrency-safe in-memory APIKeyStore, the
// default wiring for deployments that don't need a shared key store.
type MemoryAPIKeyStore struct {
	mu      sync.RWMutex
	records map[string]APIKeyRecord
}

// NewMemoryAPIKeyStore builds a store seeded with the given records.
func NewMemoryAPIKeyStore(records ...APIKeyRecord) *MemoryAPIKeyStore {
	s := &MemoryAPIKeyStore{records: make(map[string]APIKeyRecord, len(records))}
	for _, r := range records {
		s.records[r.Key] = r
	}
	return s
}

// Lookup implements APIKeyStore.
func (s *MemoryAPIKeyStore) Lookup(key string) (APIKeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	return r, ok
}

// Touch implements APIKeyStore, updating the record's last-used timestamp.
func (s *MemoryAPIKeyStore) Touch(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[key]; ok {
		r.LastUsedAt = at
		s.records[key] = r
	}
}

// APIKeyConfig configures where the key is looked for in a request.
type APIKeyConfig struct {
	HeaderName string // default X-API-Key
	QueryParam string // default api_key
}

func (c APIKeyConfig) withDefaults() APIKeyConfig {
	if c.HeaderName == "" {
		c.HeaderName = "X-API-Key"
	}
	if c.QueryParam == "" {
		c.QueryParam = "api_key"
	}
	return c
}

// APIKeyProvider authenticates requests carrying a pre-shared API key.
type APIKeyProvider struct {
	cfg   APIKeyConfig
	store APIKeyStore
}

// NewAPIKeyProvider builds an APIKeyProvider backed by store.
func NewAPIKeyProvider(cfg APIKeyConfig, store APIKeyStore) *APIKeyProvider {
	return &APIKeyProvider{cfg: cfg.withDefaults(), store: store}
}

// Authenticate implements Provider.
func (p *APIKeyProvider) Authenticate(r *Request) (*AuthenticationContext, error) {
	key := r.Header(p.cfg.HeaderName)
	if key == "" && r.Query != nil {
		if values := r.Query[p.cfg.QueryParam]; len(values) > 0 {
			key = values[0]
		}
	}
	if key == "" {
		return nil, errNoCredentials
	}

	record, ok := p.store.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: unknown api key", errs.ErrUnauthenticated)
	}
	p.store.Touch(key, time.Now())

	return &AuthenticationContext{
		Authenticated: true,
		Provider:      "api_key",
		UserID:        record.UserID,
		Username:      record.Username,
		Roles:         record.Roles,
		Permissions:   record.Permissions,
	}, nil
}

// Name implements Provider.
func (p *APIKeyProvider) Name() string { return "api_key" }
