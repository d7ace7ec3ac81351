package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/normalize"
)

// authorizeRun allows the source owner and admins.
func authorizeRun(src crawler.Source, user crawler.User) error {
	if src.OwnedBy(user.Username) || user.IsAdmin() {
		return nil
	}
	return fmt.Errorf("user %s may not run source %s: %w", user.Username, src.ID, crawler.ErrForbidden)
}

// validateConfig rejects sources that cannot be handed to the engine.
func validateConfig(src crawler.Source) error {
	if strings.TrimSpace(src.BaseURL) == "" {
		return fmt.Errorf("source %s has no base url: %w", src.ID, crawler.ErrInvalidConfig)
	}
	if !src.HasSelectors() {
		return fmt.Errorf("source %s has no selector spec: %w", src.ID, crawler.ErrInvalidConfig)
	}
	return nil
}

// ingestRecords processes records in engine order. Records that fail to
// normalize or hash are skipped; store errors abort the batch.
func (o *Orchestrator) ingestRecords(
	ctx context.Context,
	items crawler.ItemStore,
	snap snapshot,
	result crawler.RawResult,
	logger *zap.Logger,
) (crawler.AttemptCounters, error) {
	counters := crawler.AttemptCounters{RecordsFound: len(result.Items)}
	seen := make(map[string]struct{}, len(result.Items))

	for i, raw := range result.Items {
		item, fp, err := o.prepare(i, raw, snap.source.BaseURL)
		if err != nil {
			counters.RecordsInvalid++
			logger.Warn("skipping record", zap.Error(err))
			continue
		}
		if _, dup := seen[fp]; dup {
			counters.Duplicates++
			continue
		}
		seen[fp] = struct{}{}

		exists, err := items.ItemExists(ctx, snap.source.ID, fp)
		if err != nil {
			return counters, fmt.Errorf("check fingerprint %s: %w", fp, err)
		}
		if exists {
			counters.Duplicates++
			continue
		}

		id, err := o.idGen.NewID()
		if err != nil {
			return counters, fmt.Errorf("generate item id: %w", err)
		}
		item.ID = id
		item.SourceID = snap.source.ID
		item.AttemptID = snap.attempt.ID
		item.IngestedAt = o.clock.Now()
		if err := items.CreateItem(ctx, item); err != nil {
			return counters, fmt.Errorf("insert item %s: %w", id, err)
		}
		counters.ItemsIngested++
	}
	return counters, nil
}

func (o *Orchestrator) prepare(index int, raw json.RawMessage, baseURL string) (crawler.Item, string, error) {
	norm, err := normalize.Record(raw, baseURL)
	if err != nil {
		return crawler.Item{}, "", &crawler.IngestionError{Index: index, Err: err}
	}
	fp, err := o.hasher.Fingerprint(norm.Payload)
	if err != nil {
		return crawler.Item{}, "", &crawler.IngestionError{Index: index, Err: err}
	}
	payload, err := json.Marshal(norm.Payload)
	if err != nil {
		return crawler.Item{}, "", &crawler.IngestionError{Index: index, Err: fmt.Errorf("encode payload: %w", err)}
	}
	return crawler.Item{URL: norm.URL, Fingerprint: fp, Payload: payload}, fp, nil
}
