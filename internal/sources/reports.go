package sources

import (
	"context"
	"fmt"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// AttemptReport is an attempt together with the number of items it ingested.
type AttemptReport struct {
	crawler.Attempt
	ItemCount int `json:"item_count"`
}

// Attempt returns an attempt whose source requester may read.
func (s *Service) Attempt(ctx context.Context, attemptID, requester string) (AttemptReport, error) {
	var report AttemptReport
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		attempt, err := readableAttempt(ctx, tx, attemptID, requester)
		if err != nil {
			return err
		}
		items, err := tx.Items().ListItems(ctx, attempt.ID)
		if err != nil {
			return fmt.Errorf("list items for attempt %s: %w", attempt.ID, err)
		}
		report = AttemptReport{Attempt: attempt, ItemCount: len(items)}
		return nil
	})
	if err != nil {
		return AttemptReport{}, err
	}
	return report, nil
}

// Attempts lists a readable source's attempts, newest first.
func (s *Service) Attempts(ctx context.Context, sourceID, requester string) ([]crawler.Attempt, error) {
	var out []crawler.Attempt
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		if _, err := readableSource(ctx, tx, sourceID, requester); err != nil {
			return err
		}
		var err error
		out, err = tx.Attempts().ListAttempts(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("list attempts for source %s: %w", sourceID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Items lists the items ingested by a readable attempt.
func (s *Service) Items(ctx context.Context, attemptID, requester string) ([]crawler.Item, error) {
	var out []crawler.Item
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		attempt, err := readableAttempt(ctx, tx, attemptID, requester)
		if err != nil {
			return err
		}
		out, err = tx.Items().ListItems(ctx, attempt.ID)
		if err != nil {
			return fmt.Errorf("list items for attempt %s: %w", attempt.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readableAttempt(ctx context.Context, tx crawler.Tx, attemptID, requester string) (crawler.Attempt, error) {
	attempt, err := tx.Attempts().GetAttempt(ctx, attemptID)
	if err != nil {
		return crawler.Attempt{}, fmt.Errorf("load attempt %s: %w", attemptID, err)
	}
	if _, err := readableSource(ctx, tx, attempt.SourceID, requester); err != nil {
		return crawler.Attempt{}, err
	}
	return attempt, nil
}
