package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/engine/sidecar"
	"github.com/JakeFAU/source-crawler/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/source-crawler/internal/publisher/memory"
	"github.com/JakeFAU/source-crawler/internal/storage/memory"
)

const testTopic = "attempts"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%04d", s.n), nil
}

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	result crawler.RawResult
	err    error
	hook   func(ctx context.Context) error
}

func (f *fakeEngine) Crawl(ctx context.Context, _ string, _ json.RawMessage) (crawler.RawResult, error) {
	f.mu.Lock()
	f.calls++
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return crawler.RawResult{}, err
		}
	}
	return f.result, f.err
}

func (f *fakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func rawItems(t *testing.T, body string) crawler.RawResult {
	t.Helper()
	var decoded struct {
		Extracted struct {
			Items []json.RawMessage `json:"items"`
		} `json:"extracted"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	return crawler.RawResult{Items: decoded.Extracted.Items, Body: []byte(body)}
}

type harness struct {
	store *memory.Store
	blobs *memory.BlobStore
	pub   *pubmemory.Publisher
	orch  *Orchestrator
}

func newHarness(t *testing.T, engine crawler.ScrapeEngine, cfg Config) *harness {
	t.Helper()
	store := memory.NewStore()
	seedSources(t, store)
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	if cfg.Topic == "" {
		cfg.Topic = testTopic
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	orch := New(
		store,
		engine,
		sha256.New(),
		fixedClock{now: time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)},
		&seqIDs{},
		blobs,
		pub,
		cfg,
		zap.NewNop(),
	)
	return &harness{store: store, blobs: blobs, pub: pub, orch: orch}
}

func seedSources(t *testing.T, store *memory.Store) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context, tx crawler.Tx) error {
		for _, u := range []crawler.User{
			{Username: "alice", Roles: []string{"user"}},
			{Username: "bob", Roles: []string{"user"}},
			{Username: "root", Roles: []string{"Admin"}},
		} {
			if err := tx.Users().UpsertUser(ctx, u); err != nil {
				return err
			}
		}
		for _, src := range []crawler.Source{
			{
				ID:        "src-shop",
				Owner:     "alice",
				Name:      "Shop",
				BaseURL:   "https://shop.test/products",
				Selectors: json.RawMessage(`{"list":".card"}`),
				Enabled:   true,
			},
			{
				ID:        "src-null",
				Owner:     "alice",
				Name:      "Broken",
				BaseURL:   "https://shop.test/broken",
				Selectors: json.RawMessage(`null`),
				Enabled:   true,
			},
		} {
			if err := tx.Sources().CreateSource(ctx, src); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func (h *harness) attempt(t *testing.T, id string) crawler.Attempt {
	t.Helper()
	var out crawler.Attempt
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx crawler.Tx) error {
		var err error
		out, err = tx.Attempts().GetAttempt(ctx, id)
		return err
	}))
	return out
}

func (h *harness) items(t *testing.T, attemptID string) []crawler.Item {
	t.Helper()
	var out []crawler.Item
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx crawler.Tx) error {
		var err error
		out, err = tx.Items().ListItems(ctx, attemptID)
		return err
	}))
	return out
}

func (h *harness) countItems(t *testing.T, sourceID string) int {
	t.Helper()
	var n int
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx crawler.Tx) error {
		var err error
		n, err = tx.Items().CountItems(ctx, sourceID)
		return err
	}))
	return n
}

func (h *harness) attempts(t *testing.T, sourceID string) []crawler.Attempt {
	t.Helper()
	var out []crawler.Attempt
	require.NoError(t, h.store.InTx(context.Background(), func(ctx context.Context, tx crawler.Tx) error {
		var err error
		out, err = tx.Attempts().ListAttempts(ctx, sourceID)
		return err
	}))
	return out
}

func TestStartAttemptByOwnerAndAdmin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeEngine{}, Config{})
	ctx := context.Background()

	ownerAttempt, err := h.orch.StartAttempt(ctx, "src-shop", "Alice")
	require.NoError(t, err)
	adminAttempt, err := h.orch.StartAttempt(ctx, "src-shop", "root")
	require.NoError(t, err)

	got := h.attempt(t, ownerAttempt)
	require.Equal(t, crawler.AttemptRunning, got.Status)
	require.Equal(t, "src-shop", got.SourceID)
	require.Equal(t, "alice", got.RequestedBy)
	require.Nil(t, got.Error)
	require.Nil(t, got.FinishedAt)
	require.Equal(t, crawler.AttemptRunning, h.attempt(t, adminAttempt).Status)
}

func TestStartAttemptRejectionsLeaveNoRow(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		sourceID string
		user     string
		want     error
	}{
		{"unknown source", "src-missing", "alice", crawler.ErrNotFound},
		{"unknown user", "src-shop", "mallory", crawler.ErrNotFound},
		{"not owner nor admin", "src-shop", "bob", crawler.ErrForbidden},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &fakeEngine{}, Config{})

			id, err := h.orch.StartAttempt(context.Background(), tc.sourceID, tc.user)
			require.ErrorIs(t, err, tc.want)
			require.Empty(t, id)
			require.Empty(t, h.attempts(t, "src-shop"))
		})
	}
}

func TestExecuteDedupsWithinBatch(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: rawItems(t,
		`{"extracted":{"items":[{"link":"/p1","price":"10"},{"link":"/p1","price":"10"}]}}`)}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, id))

	got := h.attempt(t, id)
	require.Equal(t, crawler.AttemptSuccess, got.Status)
	require.Nil(t, got.Error)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, crawler.AttemptCounters{RecordsFound: 2, ItemsIngested: 1, Duplicates: 1}, got.Counters)

	items := h.items(t, id)
	require.Len(t, items, 1)
	require.Equal(t, "https://shop.test/p1", items[0].URL)
	require.Equal(t, "src-shop", items[0].SourceID)
	require.Len(t, items[0].Fingerprint, 64)
	require.JSONEq(t, `{"link":"/p1","price":"10"}`, string(items[0].Payload))

	archived, ok := h.blobs.Object("raw/src-shop/" + id + ".json")
	require.True(t, ok)
	require.Contains(t, string(archived), `"extracted"`)

	events := h.pub.Events(testTopic)
	require.Len(t, events, 1)
	require.Equal(t, crawler.AttemptSuccess, events[0].Status)
	require.Equal(t, 1, events[0].ItemsIngested)
}

func TestExecuteIsIdempotentAcrossAttempts(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: rawItems(t,
		`{"extracted":{"items":[{"price":"10","link":"/p1"},{"link":"/p2","price":"12"}]}}`)}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	first, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, first))
	require.Equal(t, 2, h.countItems(t, "src-shop"))

	engine.result = rawItems(t, `{"extracted":{"items":[{"link":"/p2","price":"12"},{"link":"/p1","price":"10"}]}}`)
	second, err := h.orch.StartAttempt(ctx, "src-shop", "root")
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, second))

	require.Equal(t, 2, h.countItems(t, "src-shop"))
	got := h.attempt(t, second)
	require.Equal(t, crawler.AttemptSuccess, got.Status)
	require.Equal(t, 0, got.Counters.ItemsIngested)
	require.Equal(t, 2, got.Counters.Duplicates)
	require.Empty(t, h.items(t, second))
}

func TestExecuteZeroRecordsSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeEngine{result: rawItems(t, `{"extracted":{"items":[]}}`)}, Config{})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, id))
	require.Equal(t, crawler.AttemptSuccess, h.attempt(t, id).Status)
	require.Zero(t, h.countItems(t, "src-shop"))
}

func TestExecuteSkipsInvalidRecords(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: rawItems(t,
		`{"extracted":{"items":["just text",[1,2],{"link":"/ok","name":"kept"},null]}}`)}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, id))

	got := h.attempt(t, id)
	require.Equal(t, crawler.AttemptSuccess, got.Status)
	require.Equal(t, crawler.AttemptCounters{RecordsFound: 4, ItemsIngested: 1, RecordsInvalid: 3}, got.Counters)
	require.Len(t, h.items(t, id), 1)
}

func TestExecuteEngine503MarksFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	engine := sidecar.New(sidecar.Config{BaseURL: srv.URL}, srv.Client(), nil)
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)

	err = h.orch.Execute(ctx, id)
	require.ErrorIs(t, err, crawler.ErrCrawlFailed)
	require.ErrorIs(t, err, crawler.ErrEngineFailed)

	got := h.attempt(t, id)
	require.Equal(t, crawler.AttemptFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "503")
	require.NotNil(t, got.FinishedAt)
	require.Empty(t, h.items(t, id))
	require.Zero(t, h.countItems(t, "src-shop"))

	events := h.pub.Events(testTopic)
	require.Len(t, events, 1)
	require.Equal(t, crawler.AttemptFailed, events[0].Status)
	require.Contains(t, events[0].Error, "503")
}

// failingItemsTx hands out an ItemStore whose CreateItem fails once
// failAfter inserts have gone through.
type failingItemsTx struct {
	store     *memory.Store
	failAfter int
	err       error

	mu      sync.Mutex
	created int
}

func (f *failingItemsTx) InTx(ctx context.Context, fn func(ctx context.Context, tx crawler.Tx) error) error {
	return f.store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		return fn(ctx, failingTx{Tx: tx, parent: f})
	})
}

type failingTx struct {
	crawler.Tx
	parent *failingItemsTx
}

func (t failingTx) Items() crawler.ItemStore {
	return failingItems{ItemStore: t.Tx.Items(), parent: t.parent}
}

type failingItems struct {
	crawler.ItemStore
	parent *failingItemsTx
}

func (f failingItems) CreateItem(ctx context.Context, item crawler.Item) error {
	f.parent.mu.Lock()
	defer f.parent.mu.Unlock()
	if f.parent.created >= f.parent.failAfter {
		return f.parent.err
	}
	f.parent.created++
	return f.ItemStore.CreateItem(ctx, item)
}

func TestExecuteStoreFailureRollsBackIngest(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: rawItems(t,
		`{"extracted":{"items":[{"link":"/p1","price":"10"},{"link":"/p2","price":"12"}]}}`)}
	h := newHarness(t, engine, Config{})
	dbDown := errors.New("db down")
	orch := New(
		&failingItemsTx{store: h.store, failAfter: 1, err: dbDown},
		engine,
		sha256.New(),
		fixedClock{now: time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)},
		&seqIDs{},
		h.blobs,
		h.pub,
		Config{Topic: testTopic, ArchivePrefix: "raw"},
		zap.NewNop(),
	)
	ctx := context.Background()

	id, err := orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)

	err = orch.Execute(ctx, id)
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrCrawlFailed)
	require.ErrorIs(t, err, dbDown)

	got := h.attempt(t, id)
	require.Equal(t, crawler.AttemptFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "db down")
	require.NotNil(t, got.FinishedAt)
	require.Empty(t, h.items(t, id))
	require.Zero(t, h.countItems(t, "src-shop"))

	events := h.pub.Events(testTopic)
	require.Len(t, events, 1)
	require.Equal(t, crawler.AttemptFailed, events[0].Status)
}

func TestExecuteNullSelectorsNeverCallsEngine(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-null", "alice")
	require.NoError(t, err)

	err = h.orch.Execute(ctx, id)
	require.ErrorIs(t, err, crawler.ErrCrawlFailed)
	require.ErrorIs(t, err, crawler.ErrInvalidConfig)
	require.Zero(t, engine.Calls())

	got := h.attempt(t, id)
	require.Equal(t, crawler.AttemptFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "selector")
}

func TestExecuteEngineTimeoutMarksFailed(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{hook: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, engine, Config{EngineTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)

	err = h.orch.Execute(ctx, id)
	require.ErrorIs(t, err, crawler.ErrEngineFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := h.attempt(t, id)
	require.Equal(t, crawler.AttemptFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Empty(t, h.items(t, id))
}

func TestExecuteCanceledCallerStillFinalizes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeEngine{hook: func(engineCtx context.Context) error {
		cancel()
		<-engineCtx.Done()
		return engineCtx.Err()
	}}
	h := newHarness(t, engine, Config{})

	id, err := h.orch.StartAttempt(context.Background(), "src-shop", "alice")
	require.NoError(t, err)

	err = h.orch.Execute(ctx, id)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, crawler.AttemptFailed, h.attempt(t, id).Status)
}

func TestExecuteTerminalAttemptIsUnchanged(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: rawItems(t, `{"extracted":{"items":[{"link":"/p1"}]}}`)}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)
	require.NoError(t, h.orch.Execute(ctx, id))
	before := h.attempt(t, id)

	engine.err = &crawler.EngineCallError{StatusCode: http.StatusBadGateway}
	err = h.orch.Execute(ctx, id)
	require.ErrorIs(t, err, crawler.ErrAttemptFinalized)
	require.Equal(t, 1, engine.Calls())
	require.Equal(t, before, h.attempt(t, id))
}

func TestExecuteUnknownAttempt(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h := newHarness(t, engine, Config{})

	err := h.orch.Execute(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Zero(t, engine.Calls())
}

func TestExecuteAttemptDeletedDuringCrawl(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h := newHarness(t, engine, Config{})
	engine.hook = func(ctx context.Context) error {
		if err := h.store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
			return tx.Sources().DeleteSource(ctx, "src-shop")
		}); err != nil {
			return err
		}
		return &crawler.EngineCallError{StatusCode: http.StatusInternalServerError}
	}
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)

	err = h.orch.Execute(ctx, id)
	require.ErrorIs(t, err, crawler.ErrCrawlFailed)
	require.ErrorIs(t, err, crawler.ErrEngineFailed)
	require.Empty(t, h.pub.Events(testTopic))
}

func TestExecuteTruncatesFailureMessage(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{err: errors.New("connection reset by peer while reading the response")}
	h := newHarness(t, engine, Config{MaxErrorLength: 16})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)

	err = h.orch.Execute(ctx, id)
	require.ErrorIs(t, err, crawler.ErrEngineFailed)
	require.Contains(t, err.Error(), "connection reset by peer")

	got := h.attempt(t, id)
	require.NotNil(t, got.Error)
	require.Equal(t, 16, utf8.RuneCountInString(*got.Error))
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{cfg: Config{ArchivePrefix: "/raw/"}}
	require.Equal(t, "raw/s1/a1.json", o.archivePath("s1", "a1"))
	o.cfg.ArchivePrefix = ""
	require.Equal(t, "s1/a1.json", o.archivePath("s1", "a1"))
}

func TestAbandonMarksQueuedAttemptFailed(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	id, err := h.orch.StartAttempt(ctx, "src-shop", "alice")
	require.NoError(t, err)

	h.orch.Abandon(ctx, crawler.QueueItem{AttemptID: id, SourceID: "src-shop"}, "queue full")

	got := h.attempt(t, id)
	require.Equal(t, crawler.AttemptFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "queue full", *got.Error)
	require.Zero(t, engine.Calls())

	events := h.pub.Events(testTopic)
	require.Len(t, events, 1)
	require.Equal(t, crawler.AttemptFailed, events[0].Status)

	// A second abandon leaves the terminal attempt alone.
	h.orch.Abandon(ctx, crawler.QueueItem{AttemptID: id, SourceID: "src-shop"}, "again")
	require.Equal(t, "queue full", *h.attempt(t, id).Error)
	require.Len(t, h.pub.Events(testTopic), 1)
}
