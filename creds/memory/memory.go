// Package memory provides an in-process implementation of creds.Store.
// Credentials held here do not survive a restart; it exists for tests and
// for deployments that deliberately want ephemeral sessions.
package memory

import (
	"context"
	"sync"

	"github.com/everyst-io/everyst-client-go/creds"
)

// Store implements creds.Store backed by process memory.
type Store struct {
	mu   sync.RWMutex
	cred creds.Credential
	set  bool
}

// New creates an empty in-memory credential store.
func New() *Store {
	return &Store{}
}

func (s *Store) Load(ctx context.Context) (creds.Credential, error) {
	if ctx.Err() != nil {
		return creds.Credential{}, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set || s.cred.Access == "" {
		return creds.Credential{}, creds.ErrNotFound
	}
	return s.cred, nil
}

func (s *Store) Save(ctx context.Context, cred creds.Credential) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	s.set = true
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = creds.Credential{}
	s.set = false
	return nil
}

var _ creds.Store = (*Store)(nil)
