// Package file provides a creds.Store persisted as a JSON document on
// disk. The file is the one resource shared between concurrently running
// clients; there is no locking, so the last writer wins and every client
// re-validates on startup. A Watch helper built on fsnotify lets a
// running client observe external writes (another process logging in or
// out) without polling.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/everyst-io/everyst-client-go/creds"
)

// document is the on-disk shape. The legacy alias duplicates the access
// token for older tooling that still reads the "token" key.
type document struct {
	Access      string `json:"everyst_access_token,omitempty"`
	Refresh     string `json:"everyst_refresh_token,omitempty"`
	LegacyAlias string `json:"token,omitempty"`
}

// Store implements creds.Store backed by a single JSON file.
type Store struct {
	path string

	mu sync.Mutex
}

// New creates a file-backed store at path. The file is created lazily on
// first Save; a missing file reads as "no stored credential".
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load(ctx context.Context) (creds.Credential, error) {
	if ctx.Err() != nil {
		return creds.Credential{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return creds.Credential{}, creds.ErrNotFound
	}
	if err != nil {
		return creds.Credential{}, fmt.Errorf("read credential file: %w", err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return creds.Credential{}, fmt.Errorf("decode credential file: %w", err)
	}
	access := doc.Access
	if access == "" {
		// Pre-rename files carried only the alias slot.
		access = doc.LegacyAlias
	}
	if access == "" {
		return creds.Credential{}, creds.ErrNotFound
	}
	return creds.Credential{Access: access, Refresh: doc.Refresh}, nil
}

func (s *Store) Save(ctx context.Context, cred creds.Credential) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{
		Access:      cred.Access,
		Refresh:     cred.Refresh,
		LegacyAlias: cred.Access,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	// Write-then-rename so readers never observe a torn document.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// Watch reports external changes to the credential file until ctx is
// cancelled. Each write or removal by another process delivers one signal
// on the returned channel; coalescing is best-effort. The caller is
// expected to re-Load and re-validate on every signal.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors and our own rename-into-place replace
	// the file node, which a direct file watch would lose.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch credential dir: %w", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove) {
					continue
				}
				select {
				case ch <- struct{}{}:
				default:
					// Signal already pending; coalesce.
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return ch, nil
}

var _ creds.Store = (*Store)(nil)
