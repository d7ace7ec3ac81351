// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// Store is a transactional in-memory implementation of every crawl store.
// Transactions are serialized and operate on a copy of the state that
// replaces the committed state only when the callback returns nil.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	users    map[string]crawler.User
	sources  map[string]crawler.Source
	attempts map[string]crawler.Attempt
	items    map[string]crawler.Item
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{state: &state{
		users:    make(map[string]crawler.User),
		sources:  make(map[string]crawler.Source),
		attempts: make(map[string]crawler.Attempt),
		items:    make(map[string]crawler.Item),
	}}
}

// InTx runs fn against a snapshot of the store and commits it on success.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (st *state) clone() *state {
	out := &state{
		users:    make(map[string]crawler.User, len(st.users)),
		sources:  make(map[string]crawler.Source, len(st.sources)),
		attempts: make(map[string]crawler.Attempt, len(st.attempts)),
		items:    make(map[string]crawler.Item, len(st.items)),
	}
	for k, v := range st.users {
		out.users[k] = v
	}
	for k, v := range st.sources {
		out.sources[k] = v
	}
	for k, v := range st.attempts {
		out.attempts[k] = v
	}
	for k, v := range st.items {
		out.items[k] = v
	}
	return out
}

type tx struct {
	st *state
}

func (t *tx) Sources() crawler.SourceStore   { return sourceStore{t.st} }
func (t *tx) Users() crawler.UserDirectory   { return userDirectory{t.st} }
func (t *tx) Attempts() crawler.AttemptStore { return attemptStore{t.st} }
func (t *tx) Items() crawler.ItemStore       { return itemStore{t.st} }

type userDirectory struct{ st *state }

func (d userDirectory) GetUser(_ context.Context, username string) (crawler.User, error) {
	user, ok := d.st.users[crawler.NormalizeUsername(username)]
	if !ok {
		return crawler.User{}, fmt.Errorf("user %q: %w", username, crawler.ErrNotFound)
	}
	user.Roles = append([]string(nil), user.Roles...)
	return user, nil
}

func (d userDirectory) UpsertUser(_ context.Context, user crawler.User) error {
	user.Username = crawler.NormalizeUsername(user.Username)
	if user.Username == "" {
		return fmt.Errorf("username is required: %w", crawler.ErrInvalidInput)
	}
	if existing, ok := d.st.users[user.Username]; ok && user.CreatedAt.IsZero() {
		user.CreatedAt = existing.CreatedAt
	}
	user.Roles = append([]string(nil), user.Roles...)
	d.st.users[user.Username] = user
	return nil
}

type sourceStore struct{ st *state }

func (s sourceStore) GetSource(_ context.Context, id string) (crawler.Source, error) {
	src, ok := s.st.sources[id]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %q: %w", id, crawler.ErrNotFound)
	}
	return src, nil
}

func (s sourceStore) CreateSource(_ context.Context, src crawler.Source) error {
	if _, ok := s.st.sources[src.ID]; ok {
		return fmt.Errorf("source %q already exists: %w", src.ID, crawler.ErrConflict)
	}
	if _, ok := s.st.users[crawler.NormalizeUsername(src.Owner)]; !ok {
		return fmt.Errorf("owner %q: %w", src.Owner, crawler.ErrNotFound)
	}
	s.st.sources[src.ID] = src
	return nil
}

func (s sourceStore) UpdateSource(_ context.Context, src crawler.Source) error {
	if _, ok := s.st.sources[src.ID]; !ok {
		return fmt.Errorf("source %q: %w", src.ID, crawler.ErrNotFound)
	}
	s.st.sources[src.ID] = src
	return nil
}

// DeleteSource removes the source and cascades to its attempts and items.
func (s sourceStore) DeleteSource(_ context.Context, id string) error {
	if _, ok := s.st.sources[id]; !ok {
		return fmt.Errorf("source %q: %w", id, crawler.ErrNotFound)
	}
	for itemID, item := range s.st.items {
		if item.SourceID == id {
			delete(s.st.items, itemID)
		}
	}
	for attemptID, attempt := range s.st.attempts {
		if attempt.SourceID == id {
			delete(s.st.attempts, attemptID)
		}
	}
	delete(s.st.sources, id)
	return nil
}

func (s sourceStore) SourceNameExists(_ context.Context, owner, name string) (bool, error) {
	for _, src := range s.st.sources {
		if src.OwnedBy(owner) && strings.EqualFold(strings.TrimSpace(src.Name), strings.TrimSpace(name)) {
			return true, nil
		}
	}
	return false, nil
}

func (s sourceStore) ListSourcesByOwner(_ context.Context, owner string) ([]crawler.Source, error) {
	var out []crawler.Source
	for _, src := range s.st.sources {
		if src.OwnedBy(owner) {
			out = append(out, src)
		}
	}
	sortSources(out)
	return out, nil
}

func (s sourceStore) ListPublicSources(_ context.Context) ([]crawler.Source, error) {
	var out []crawler.Source
	for _, src := range s.st.sources {
		if src.PublicReadable && src.Enabled {
			out = append(out, src)
		}
	}
	sortSources(out)
	return out, nil
}

func sortSources(sources []crawler.Source) {
	sort.Slice(sources, func(i, j int) bool {
		if !sources[i].CreatedAt.Equal(sources[j].CreatedAt) {
			return sources[i].CreatedAt.After(sources[j].CreatedAt)
		}
		return sources[i].ID > sources[j].ID
	})
}

type attemptStore struct{ st *state }

func (a attemptStore) CreateAttempt(_ context.Context, attempt crawler.Attempt) error {
	if _, ok := a.st.attempts[attempt.ID]; ok {
		return fmt.Errorf("attempt %q already exists: %w", attempt.ID, crawler.ErrConflict)
	}
	if _, ok := a.st.sources[attempt.SourceID]; !ok {
		return fmt.Errorf("source %q: %w", attempt.SourceID, crawler.ErrNotFound)
	}
	a.st.attempts[attempt.ID] = attempt
	return nil
}

func (a attemptStore) GetAttempt(_ context.Context, id string) (crawler.Attempt, error) {
	attempt, ok := a.st.attempts[id]
	if !ok {
		return crawler.Attempt{}, fmt.Errorf("attempt %q: %w", id, crawler.ErrNotFound)
	}
	return attempt, nil
}

func (a attemptStore) FinishAttempt(
	_ context.Context,
	id string,
	status crawler.AttemptStatus,
	errMsg *string,
	counters crawler.AttemptCounters,
	finishedAt time.Time,
) error {
	attempt, ok := a.st.attempts[id]
	if !ok {
		return fmt.Errorf("attempt %q: %w", id, crawler.ErrNotFound)
	}
	attempt.Status = status
	attempt.Error = nil
	if errMsg != nil {
		msg := *errMsg
		attempt.Error = &msg
	}
	attempt.Counters = counters
	ts := finishedAt
	attempt.FinishedAt = &ts
	a.st.attempts[id] = attempt
	return nil
}

func (a attemptStore) ListAttempts(_ context.Context, sourceID string) ([]crawler.Attempt, error) {
	var out []crawler.Attempt
	for _, attempt := range a.st.attempts {
		if attempt.SourceID == sourceID {
			out = append(out, attempt)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

type itemStore struct{ st *state }

func (s itemStore) ItemExists(_ context.Context, sourceID, fingerprint string) (bool, error) {
	for _, item := range s.st.items {
		if item.SourceID == sourceID && item.Fingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (s itemStore) CreateItem(_ context.Context, item crawler.Item) error {
	if _, ok := s.st.items[item.ID]; ok {
		return fmt.Errorf("item %q already exists: %w", item.ID, crawler.ErrConflict)
	}
	if _, ok := s.st.attempts[item.AttemptID]; !ok {
		return fmt.Errorf("attempt %q: %w", item.AttemptID, crawler.ErrNotFound)
	}
	item.Payload = append([]byte(nil), item.Payload...)
	s.st.items[item.ID] = item
	return nil
}

func (s itemStore) ListItems(_ context.Context, attemptID string) ([]crawler.Item, error) {
	var out []crawler.Item
	for _, item := range s.st.items {
		if item.AttemptID == attemptID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s itemStore) CountItems(_ context.Context, sourceID string) (int, error) {
	count := 0
	for _, item := range s.st.items {
		if item.SourceID == sourceID {
			count++
		}
	}
	return count, nil
}
