// Package orchestrator implements the crawl attempt state machine: it
// authorizes and records an attempt, calls the scraping engine outside of any
// transaction, ingests the deduplicated results and finalizes the attempt.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
	"github.com/JakeFAU/source-crawler/internal/metrics"
)

const (
	defaultEngineTimeout  = 40 * time.Second
	defaultMaxErrorLength = 1024
	finalizeTimeout       = 10 * time.Second
)

// Config controls Orchestrator behavior.
type Config struct {
	EngineTimeout  time.Duration
	MaxErrorLength int
	ArchivePrefix  string
	Topic          string
}

// Orchestrator drives crawl attempts from creation to a terminal status.
type Orchestrator struct {
	tx        crawler.Transactor
	engine    crawler.ScrapeEngine
	hasher    crawler.Hasher
	clock     crawler.Clock
	idGen     crawler.IDGenerator
	blobStore crawler.BlobStore
	publisher crawler.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. blobStore and publisher are optional.
func New(
	tx crawler.Transactor,
	engine crawler.ScrapeEngine,
	hasher crawler.Hasher,
	clock crawler.Clock,
	idGen crawler.IDGenerator,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = defaultEngineTimeout
	}
	if cfg.MaxErrorLength <= 0 {
		cfg.MaxErrorLength = defaultMaxErrorLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		tx:        tx,
		engine:    engine,
		hasher:    hasher,
		clock:     clock,
		idGen:     idGen,
		blobStore: blobStore,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// StartAttempt authorizes username against the source and records a RUNNING
// attempt. Lookups, the authorization check and the insert share one
// transaction, so a failure leaves no attempt behind.
func (o *Orchestrator) StartAttempt(ctx context.Context, sourceID, username string) (string, error) {
	attemptID, err := o.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate attempt id: %w", err)
	}
	err = o.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		src, err := tx.Sources().GetSource(ctx, sourceID)
		if err != nil {
			return fmt.Errorf("load source %s: %w", sourceID, err)
		}
		user, err := tx.Users().GetUser(ctx, username)
		if err != nil {
			return fmt.Errorf("load user %s: %w", username, err)
		}
		if err := authorizeRun(src, user); err != nil {
			return err
		}
		return tx.Attempts().CreateAttempt(ctx, crawler.Attempt{
			ID:          attemptID,
			SourceID:    src.ID,
			RequestedBy: user.Username,
			Status:      crawler.AttemptRunning,
			StartedAt:   o.clock.Now(),
		})
	})
	if err != nil {
		o.logger.Warn("attempt not started",
			zap.String("source_id", sourceID),
			zap.String("user", username),
			zap.Error(err),
		)
		return "", err
	}
	o.logger.Info("attempt started",
		zap.String("attempt_id", attemptID),
		zap.String("source_id", sourceID),
		zap.String("user", username),
	)
	return attemptID, nil
}

// snapshot is the source configuration captured at the start of Execute.
type snapshot struct {
	attempt crawler.Attempt
	source  crawler.Source
}

// Execute runs the attempt through its phases: load snapshot (read-only tx),
// engine call (no tx), ingest (tx), and on failure mark FAILED (fresh tx).
// Callers must not run Execute concurrently for the same attempt id.
func (o *Orchestrator) Execute(ctx context.Context, attemptID string) error {
	snap, err := o.loadSnapshot(ctx, attemptID)
	if err != nil {
		o.logger.Error("load attempt snapshot", zap.String("attempt_id", attemptID), zap.Error(err))
		return err
	}
	logger := o.logger.With(
		zap.String("attempt_id", attemptID),
		zap.String("source_id", snap.source.ID),
	)

	result, err := o.callEngine(ctx, snap, logger)
	if err != nil {
		return o.fail(ctx, snap, err, logger)
	}

	counters, err := o.ingest(ctx, snap, result, logger)
	if err != nil {
		return o.fail(ctx, snap, err, logger)
	}

	metrics.ObserveAttempt(string(crawler.AttemptSuccess))
	logger.Info("attempt succeeded",
		zap.Int("records_found", counters.RecordsFound),
		zap.Int("items_ingested", counters.ItemsIngested),
		zap.Int("duplicates", counters.Duplicates),
		zap.Int("records_invalid", counters.RecordsInvalid),
	)
	o.publish(ctx, snap, crawler.AttemptSuccess, "", counters, logger)
	return nil
}

// loadSnapshot is phase 1: read the attempt and its source configuration.
func (o *Orchestrator) loadSnapshot(ctx context.Context, attemptID string) (snapshot, error) {
	var snap snapshot
	err := o.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		attempt, err := tx.Attempts().GetAttempt(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("load attempt %s: %w", attemptID, err)
		}
		if attempt.Status != crawler.AttemptRunning {
			return fmt.Errorf("attempt %s is %s: %w", attemptID, attempt.Status, crawler.ErrAttemptFinalized)
		}
		src, err := tx.Sources().GetSource(ctx, attempt.SourceID)
		if err != nil {
			return fmt.Errorf("load source %s: %w", attempt.SourceID, err)
		}
		snap = snapshot{attempt: attempt, source: src}
		return nil
	})
	if err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

// callEngine is phase 2. No transaction is open while the engine runs.
func (o *Orchestrator) callEngine(ctx context.Context, snap snapshot, logger *zap.Logger) (crawler.RawResult, error) {
	if err := validateConfig(snap.source); err != nil {
		return crawler.RawResult{}, err
	}

	engineCtx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()

	start := o.clock.Now()
	result, err := o.engine.Crawl(engineCtx, snap.source.BaseURL, snap.source.Selectors)
	elapsed := o.clock.Now().Sub(start)
	if err != nil {
		metrics.ObserveEngineCall("error", elapsed)
		if !errors.Is(err, crawler.ErrEngineFailed) {
			err = &crawler.EngineCallError{Err: err}
		}
		return crawler.RawResult{}, err
	}
	metrics.ObserveEngineCall("ok", elapsed)
	logger.Debug("engine call succeeded",
		zap.Int("records", len(result.Items)),
		zap.Duration("elapsed", elapsed),
	)
	o.archive(ctx, snap, result, logger)
	return result, nil
}

// ingest is phase 3: dedup and persist records, then mark SUCCESS.
func (o *Orchestrator) ingest(
	ctx context.Context,
	snap snapshot,
	result crawler.RawResult,
	logger *zap.Logger,
) (crawler.AttemptCounters, error) {
	var counters crawler.AttemptCounters
	err := o.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		attempt, err := tx.Attempts().GetAttempt(ctx, snap.attempt.ID)
		if err != nil {
			return fmt.Errorf("reload attempt %s: %w", snap.attempt.ID, err)
		}
		if attempt.Status != crawler.AttemptRunning {
			return fmt.Errorf("attempt %s is %s: %w", attempt.ID, attempt.Status, crawler.ErrAttemptFinalized)
		}
		counters, err = o.ingestRecords(ctx, tx.Items(), snap, result, logger)
		if err != nil {
			return err
		}
		if err := tx.Attempts().FinishAttempt(
			ctx,
			attempt.ID,
			crawler.AttemptSuccess,
			nil,
			counters,
			o.clock.Now(),
		); err != nil {
			return fmt.Errorf("finish attempt %s: %w", attempt.ID, err)
		}
		return nil
	})
	if err != nil {
		return crawler.AttemptCounters{}, err
	}
	metrics.ObserveIngest(counters.ItemsIngested, counters.Duplicates, counters.RecordsInvalid)
	return counters, nil
}

// fail is phase 4: best-effort FAILED finalization followed by the wrapped cause.
func (o *Orchestrator) fail(ctx context.Context, snap snapshot, cause error, logger *zap.Logger) error {
	logger.Error("attempt failed", zap.Error(cause))
	if errors.Is(cause, crawler.ErrAttemptFinalized) {
		return fmt.Errorf("%w: %w", crawler.ErrCrawlFailed, cause)
	}
	msg := crawler.Truncate(cause.Error(), o.cfg.MaxErrorLength)
	if o.markFailed(ctx, snap.attempt.ID, msg, logger) {
		metrics.ObserveAttempt(string(crawler.AttemptFailed))
		o.publish(ctx, snap, crawler.AttemptFailed, msg, crawler.AttemptCounters{}, logger)
	}
	return fmt.Errorf("%w: %w", crawler.ErrCrawlFailed, cause)
}

// markFailed records FAILED in its own transaction and reports whether it did.
// It runs detached from ctx cancellation so a timed-out caller still finalizes.
func (o *Orchestrator) markFailed(ctx context.Context, attemptID, msg string, logger *zap.Logger) bool {
	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	marked := false
	err := o.tx.InTx(finalCtx, func(ctx context.Context, tx crawler.Tx) error {
		attempt, err := tx.Attempts().GetAttempt(ctx, attemptID)
		if errors.Is(err, crawler.ErrNotFound) {
			logger.Warn("attempt vanished before it could be marked failed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reload attempt %s: %w", attemptID, err)
		}
		if attempt.Status.Terminal() {
			logger.Warn("attempt already terminal, leaving status untouched",
				zap.String("status", string(attempt.Status)),
			)
			return nil
		}
		errMsg := msg
		if err := tx.Attempts().FinishAttempt(
			ctx,
			attemptID,
			crawler.AttemptFailed,
			&errMsg,
			crawler.AttemptCounters{},
			o.clock.Now(),
		); err != nil {
			return fmt.Errorf("finish attempt %s: %w", attemptID, err)
		}
		marked = true
		return nil
	})
	if err != nil {
		logger.Error("mark attempt failed", zap.Error(err))
		return false
	}
	return marked
}

func (o *Orchestrator) archive(ctx context.Context, snap snapshot, result crawler.RawResult, logger *zap.Logger) {
	if o.blobStore == nil || len(result.Body) == 0 {
		return
	}
	uri, err := o.blobStore.PutObject(
		ctx,
		o.archivePath(snap.source.ID, snap.attempt.ID),
		"application/json",
		bytes.NewReader(result.Body),
	)
	if err != nil {
		logger.Warn("archive raw result failed", zap.Error(err))
		return
	}
	logger.Debug("raw result archived", zap.String("blob_uri", uri))
}

func (o *Orchestrator) archivePath(sourceID, attemptID string) string {
	prefix := strings.Trim(o.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", sourceID, attemptID)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, sourceID, attemptID)
}

func (o *Orchestrator) publish(
	ctx context.Context,
	snap snapshot,
	status crawler.AttemptStatus,
	errMsg string,
	counters crawler.AttemptCounters,
	logger *zap.Logger,
) {
	if o.cfg.Topic == "" || o.publisher == nil {
		return
	}
	event := crawler.AttemptEvent{
		AttemptID:     snap.attempt.ID,
		SourceID:      snap.source.ID,
		Status:        status,
		Error:         errMsg,
		RecordsFound:  counters.RecordsFound,
		ItemsIngested: counters.ItemsIngested,
		FinishedAt:    o.clock.Now(),
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if _, err := o.publisher.Publish(pubCtx, o.cfg.Topic, event); err != nil {
		logger.Warn("publish attempt event failed", zap.Error(err))
	}
}

// Abandon marks a queued attempt FAILED without running it, for attempts that
// will never reach a worker (queue full, shutdown).
func (o *Orchestrator) Abandon(ctx context.Context, item crawler.QueueItem, reason string) {
	logger := o.logger.With(
		zap.String("attempt_id", item.AttemptID),
		zap.String("source_id", item.SourceID),
	)
	msg := crawler.Truncate(reason, o.cfg.MaxErrorLength)
	if !o.markFailed(ctx, item.AttemptID, msg, logger) {
		return
	}
	logger.Warn("attempt abandoned", zap.String("reason", reason))
	metrics.ObserveAttempt(string(crawler.AttemptFailed))
	snap := snapshot{
		attempt: crawler.Attempt{ID: item.AttemptID, SourceID: item.SourceID},
		source:  crawler.Source{ID: item.SourceID},
	}
	o.publish(ctx, snap, crawler.AttemptFailed, msg, crawler.AttemptCounters{}, logger)
}
