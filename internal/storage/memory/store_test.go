package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

var errBoom = errors.New("boom")

func seed(t *testing.T, store *Store) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context, tx crawler.Tx) error {
		if err := tx.Users().UpsertUser(ctx, crawler.User{Username: " Alice "}); err != nil {
			return err
		}
		return tx.Sources().CreateSource(ctx, crawler.Source{
			ID:        "src-1",
			Owner:     "alice",
			Name:      "Shop",
			BaseURL:   "https://shop.test/products",
			Selectors: json.RawMessage(`{"list":".card"}`),
			Enabled:   true,
		})
	})
	require.NoError(t, err)
}

func TestStoreRollsBackOnError(t *testing.T) {
	t.Parallel()

	store := NewStore()
	seed(t, store)
	ctx := context.Background()

	err := store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		require.NoError(t, tx.Attempts().CreateAttempt(ctx, crawler.Attempt{
			ID: "att-1", SourceID: "src-1", Status: crawler.AttemptRunning,
		}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	err = store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		_, err := tx.Attempts().GetAttempt(ctx, "att-1")
		return err
	})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestStoreAttemptAndItemLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	seed(t, store)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		if err := tx.Attempts().CreateAttempt(ctx, crawler.Attempt{
			ID: "att-1", SourceID: "src-1", Status: crawler.AttemptRunning, StartedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.Items().CreateItem(ctx, crawler.Item{
			ID: "item-1", SourceID: "src-1", AttemptID: "att-1", Fingerprint: "fp-1",
			Payload: json.RawMessage(`{"price":"10"}`), IngestedAt: now,
		}); err != nil {
			return err
		}
		exists, err := tx.Items().ItemExists(ctx, "src-1", "fp-1")
		require.NoError(t, err)
		require.True(t, exists)
		msg := "engine call failed: status 503"
		return tx.Attempts().FinishAttempt(ctx, "att-1", crawler.AttemptFailed, &msg,
			crawler.AttemptCounters{RecordsFound: 1}, now.Add(time.Second))
	})
	require.NoError(t, err)

	err = store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		attempt, err := tx.Attempts().GetAttempt(ctx, "att-1")
		require.NoError(t, err)
		require.Equal(t, crawler.AttemptFailed, attempt.Status)
		require.NotNil(t, attempt.Error)
		require.Contains(t, *attempt.Error, "503")
		require.NotNil(t, attempt.FinishedAt)

		exists, err := tx.Items().ItemExists(ctx, "src-2", "fp-1")
		require.NoError(t, err)
		require.False(t, exists)

		items, err := tx.Items().ListItems(ctx, "att-1")
		require.NoError(t, err)
		require.Len(t, items, 1)

		count, err := tx.Items().CountItems(ctx, "src-1")
		require.NoError(t, err)
		require.Equal(t, 1, count)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreDeleteSourceCascades(t *testing.T) {
	t.Parallel()

	store := NewStore()
	seed(t, store)
	ctx := context.Background()

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		if err := tx.Attempts().CreateAttempt(ctx, crawler.Attempt{ID: "att-1", SourceID: "src-1"}); err != nil {
			return err
		}
		return tx.Items().CreateItem(ctx, crawler.Item{ID: "item-1", SourceID: "src-1", AttemptID: "att-1"})
	}))
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		return tx.Sources().DeleteSource(ctx, "src-1")
	}))

	require.Empty(t, store.state.attempts)
	require.Empty(t, store.state.items)
	require.Empty(t, store.state.sources)
}

func TestStoreSourceQueries(t *testing.T) {
	t.Parallel()

	store := NewStore()
	seed(t, store)
	ctx := context.Background()

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		exists, err := tx.Sources().SourceNameExists(ctx, "ALICE", " shop ")
		require.NoError(t, err)
		require.True(t, exists)

		mine, err := tx.Sources().ListSourcesByOwner(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, mine, 1)

		public, err := tx.Sources().ListPublicSources(ctx)
		require.NoError(t, err)
		require.Empty(t, public)

		user, err := tx.Users().GetUser(ctx, "ALICE")
		require.NoError(t, err)
		require.Equal(t, "alice", user.Username)

		err = tx.Sources().CreateSource(ctx, crawler.Source{ID: "src-2", Owner: "nobody"})
		require.ErrorIs(t, err, crawler.ErrNotFound)
		return nil
	}))
}

func TestStoreRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewStore().InTx(ctx, func(context.Context, crawler.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
