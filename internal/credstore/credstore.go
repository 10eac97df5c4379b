// Package credstore holds the in-memory credential directory and its derived
// Basic-auth token index. The backing file is an encrypted CSV shared with the
// onboarding service; this side only reloads it wholesale and writes it back
// after admin mutations.
package credstore

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/wicket/internal/secrets"
)

// Credential is one username/password pair, both lower-cased at ingestion.
type Credential struct {
	Username string
	Password string
}

// Store maps usernames to passwords and Basic tokens back to usernames.
// Every reload swaps complete maps under the lock so readers observe either
// the fully-old or fully-new view, never a partial one.
type Store struct {
	path   string
	cipher *secrets.Cipher
	log    *slog.Logger

	mu      sync.RWMutex
	users   map[string]string
	tokens  map[string]string
	lastMod time.Time
}

// New creates an empty store backed by the encrypted CSV at path.
func New(path string, cipher *secrets.Cipher, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		cipher: cipher,
		log:    logger,
		users:  map[string]string{},
		tokens: map[string]string{},
	}
}

// Load replaces the whole credential mapping from the backing file and
// rebuilds the token index. Rows that fail to decrypt are skipped.
// Returns the number of credentials loaded.
func (s *Store) Load() (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return 0, err
	}

	users := map[string]string{}
	for i, rec := range records {
		if i == 0 || len(rec) < 2 {
			continue // header or short row
		}
		password, err := s.cipher.Decrypt(rec[1])
		if err != nil {
			s.log.Warn("skipping credential row with undecryptable password", "row", i)
			continue
		}
		users[strings.ToLower(rec[0])] = strings.ToLower(password)
	}

	mod := time.Time{}
	if info, err := f.Stat(); err == nil {
		mod = info.ModTime()
	}

	s.mu.Lock()
	s.users = users
	s.tokens = buildTokens(users)
	s.lastMod = mod
	s.mu.Unlock()
	return len(users), nil
}

// Save writes the current mapping back to the backing file, encrypting
// passwords. The row set is copied under the lock and written outside it.
func (s *Store) Save() error {
	s.mu.RLock()
	creds := make([]Credential, 0, len(s.users))
	for u, p := range s.users {
		creds = append(creds, Credential{Username: u, Password: p})
	}
	s.mu.RUnlock()
	sort.Slice(creds, func(i, j int) bool { return creds[i].Username < creds[j].Username })

	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write([]string{"username", "password_encrypted"})
	for _, c := range creds {
		encrypted, err := s.cipher.Encrypt(c.Password)
		if err != nil {
			return err
		}
		_ = w.Write([]string{c.Username, encrypted})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, []byte(b.String()), 0o600); err != nil {
		return err
	}

	// Remember our own write so the watcher does not reload it.
	if info, err := os.Stat(s.path); err == nil {
		s.mu.Lock()
		s.lastMod = info.ModTime()
		s.mu.Unlock()
	}
	return nil
}

// Watch polls the backing file's modification time and reloads on change.
// It blocks until ctx is done and is intended to run as its own goroutine.
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					s.log.Warn("users file stat failed", "path", s.path, "err", err)
				}
				continue
			}
			s.mu.RLock()
			changed := info.ModTime().After(s.lastMod)
			s.mu.RUnlock()
			if !changed {
				continue
			}
			count, err := s.Load()
			if err != nil {
				s.log.Error("users file reload failed", "path", s.path, "err", err)
				continue
			}
			s.log.Info("users file reloaded", "count", count)
		}
	}
}

// Authenticate resolves a Basic token to a username.
func (s *Store) Authenticate(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.tokens[token]
	return user, ok
}

// Exists reports whether username is currently a valid credential.
// The tunnel relay polls this mid-session to enforce live deletion.
func (s *Store) Exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[strings.ToLower(username)]
	return ok
}

// Add inserts a credential and rebuilds the token index.
// Returns false when the username already exists.
func (s *Store) Add(username, password string) bool {
	username = strings.ToLower(strings.TrimSpace(username))
	password = strings.ToLower(strings.TrimSpace(password))
	if username == "" || password == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return false
	}
	s.users[username] = password
	s.tokens = buildTokens(s.users)
	return true
}

// Remove deletes a credential and rebuilds the token index.
// Returns false when the username does not exist.
func (s *Store) Remove(username string) bool {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; !exists {
		return false
	}
	delete(s.users, username)
	s.tokens = buildTokens(s.users)
	return true
}

// List returns all credentials sorted by username.
func (s *Store) List() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, 0, len(s.users))
	for u, p := range s.users {
		out = append(out, Credential{Username: u, Password: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Count returns the number of credentials.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Token derives the Basic-auth token for a username/password pair.
func Token(username, password string) string {
	username = strings.ToLower(username)
	password = strings.ToLower(password)
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// buildTokens rebuilds the full token index; tokens are never patched
// incrementally so a removed credential cannot leave a stale token behind.
func buildTokens(users map[string]string) map[string]string {
	tokens := make(map[string]string, len(users))
	for u, p := range users {
		tokens[Token(u, p)] = u
	}
	return tokens
}
