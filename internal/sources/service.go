// Package sources manages crawl source registrations and the read side of
// their attempts and items, enforcing ownership and visibility rules.
package sources

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// Service implements source management on top of a transactional store.
type Service struct {
	tx     crawler.Transactor
	clock  crawler.Clock
	idGen  crawler.IDGenerator
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(tx crawler.Transactor, clock crawler.Clock, idGen crawler.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{tx: tx, clock: clock, idGen: idGen, logger: logger}
}

// Create registers a new source owned by owner.
func (s *Service) Create(ctx context.Context, owner string, in crawler.SourceInput) (crawler.Source, error) {
	src := crawler.Source{
		Owner:              crawler.NormalizeUsername(owner),
		Name:               strings.TrimSpace(in.Name),
		BaseURL:            strings.TrimSpace(in.BaseURL),
		AllowedPathPattern: strings.TrimSpace(in.AllowedPathPattern),
		Selectors:          in.Selectors,
		PublicReadable:     in.PublicReadable,
		Enabled:            in.Enabled,
	}
	if err := validate(src); err != nil {
		return crawler.Source{}, err
	}
	id, err := s.idGen.NewID()
	if err != nil {
		return crawler.Source{}, fmt.Errorf("generate source id: %w", err)
	}
	now := s.clock.Now()
	src.ID = id
	src.CreatedAt = now
	src.UpdatedAt = now

	err = s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		if _, err := tx.Users().GetUser(ctx, src.Owner); err != nil {
			return fmt.Errorf("load owner %s: %w", src.Owner, err)
		}
		if err := ensureUniqueName(ctx, tx.Sources(), src.Owner, src.Name); err != nil {
			return err
		}
		return tx.Sources().CreateSource(ctx, src)
	})
	if err != nil {
		return crawler.Source{}, err
	}
	s.logger.Info("source created",
		zap.String("source_id", src.ID),
		zap.String("user", src.Owner),
	)
	return src, nil
}

// Get returns a source if requester may read it.
func (s *Service) Get(ctx context.Context, id, requester string) (crawler.Source, error) {
	var src crawler.Source
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		var err error
		src, err = readableSource(ctx, tx, id, requester)
		return err
	})
	if err != nil {
		return crawler.Source{}, err
	}
	return src, nil
}

// ListMine returns the sources owned by owner, newest first.
func (s *Service) ListMine(ctx context.Context, owner string) ([]crawler.Source, error) {
	var out []crawler.Source
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		var err error
		out, err = tx.Sources().ListSourcesByOwner(ctx, crawler.NormalizeUsername(owner))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPublic returns enabled, public-readable sources, newest first.
func (s *Service) ListPublic(ctx context.Context) ([]crawler.Source, error) {
	var out []crawler.Source
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		var err error
		out, err = tx.Sources().ListPublicSources(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies the non-nil fields of patch.
func (s *Service) Update(ctx context.Context, id, requester string, patch crawler.SourcePatch) (crawler.Source, error) {
	return s.mutate(ctx, id, requester, "source updated", func(ctx context.Context, tx crawler.Tx, src *crawler.Source) error {
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if !strings.EqualFold(name, src.Name) {
				if err := ensureUniqueName(ctx, tx.Sources(), src.Owner, name); err != nil {
					return err
				}
			}
			src.Name = name
		}
		if patch.BaseURL != nil {
			src.BaseURL = strings.TrimSpace(*patch.BaseURL)
		}
		if patch.AllowedPathPattern != nil {
			src.AllowedPathPattern = strings.TrimSpace(*patch.AllowedPathPattern)
		}
		if patch.Selectors != nil {
			src.Selectors = patch.Selectors
		}
		if patch.PublicReadable != nil {
			src.PublicReadable = *patch.PublicReadable
		}
		if patch.Enabled != nil {
			src.Enabled = *patch.Enabled
		}
		return validate(*src)
	})
}

// SetEnabled toggles whether the source is enabled.
func (s *Service) SetEnabled(ctx context.Context, id, requester string, enabled bool) (crawler.Source, error) {
	return s.mutate(ctx, id, requester, "source enabled toggled", func(_ context.Context, _ crawler.Tx, src *crawler.Source) error {
		src.Enabled = enabled
		return nil
	})
}

// SetPublic toggles whether the source is publicly readable.
func (s *Service) SetPublic(ctx context.Context, id, requester string, public bool) (crawler.Source, error) {
	return s.mutate(ctx, id, requester, "source visibility toggled", func(_ context.Context, _ crawler.Tx, src *crawler.Source) error {
		src.PublicReadable = public
		return nil
	})
}

// Delete removes the source along with its attempts and items.
func (s *Service) Delete(ctx context.Context, id, requester string) error {
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		if _, err := manageableSource(ctx, tx, id, requester); err != nil {
			return err
		}
		return tx.Sources().DeleteSource(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("source deleted", zap.String("source_id", id), zap.String("user", requester))
	return nil
}

func (s *Service) mutate(
	ctx context.Context,
	id, requester, msg string,
	apply func(ctx context.Context, tx crawler.Tx, src *crawler.Source) error,
) (crawler.Source, error) {
	var out crawler.Source
	err := s.tx.InTx(ctx, func(ctx context.Context, tx crawler.Tx) error {
		src, err := manageableSource(ctx, tx, id, requester)
		if err != nil {
			return err
		}
		if err := apply(ctx, tx, &src); err != nil {
			return err
		}
		src.UpdatedAt = s.clock.Now()
		if err := tx.Sources().UpdateSource(ctx, src); err != nil {
			return err
		}
		out = src
		return nil
	})
	if err != nil {
		return crawler.Source{}, err
	}
	s.logger.Info(msg, zap.String("source_id", id), zap.String("user", requester))
	return out, nil
}

// manageableSource loads a source the requester owns or administers.
func manageableSource(ctx context.Context, tx crawler.Tx, id, requester string) (crawler.Source, error) {
	src, err := tx.Sources().GetSource(ctx, id)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("load source %s: %w", id, err)
	}
	if src.OwnedBy(requester) {
		return src, nil
	}
	user, err := tx.Users().GetUser(ctx, requester)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("load user %s: %w", requester, err)
	}
	if !user.IsAdmin() {
		return crawler.Source{}, fmt.Errorf("user %s may not manage source %s: %w", requester, id, crawler.ErrForbidden)
	}
	return src, nil
}

// readableSource loads a source that is public, or owned or administered by requester.
func readableSource(ctx context.Context, tx crawler.Tx, id, requester string) (crawler.Source, error) {
	src, err := tx.Sources().GetSource(ctx, id)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("load source %s: %w", id, err)
	}
	if src.PublicReadable || (requester != "" && src.OwnedBy(requester)) {
		return src, nil
	}
	forbidden := fmt.Errorf("source %s is not readable by %q: %w", id, requester, crawler.ErrForbidden)
	if requester == "" {
		return crawler.Source{}, forbidden
	}
	user, err := tx.Users().GetUser(ctx, requester)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.Source{}, forbidden
	}
	if err != nil {
		return crawler.Source{}, fmt.Errorf("load user %s: %w", requester, err)
	}
	if !user.IsAdmin() {
		return crawler.Source{}, forbidden
	}
	return src, nil
}

func ensureUniqueName(ctx context.Context, store crawler.SourceStore, owner, name string) error {
	exists, err := store.SourceNameExists(ctx, owner, name)
	if err != nil {
		return fmt.Errorf("check source name: %w", err)
	}
	if exists {
		return fmt.Errorf("source %q already exists for %s: %w", name, owner, crawler.ErrConflict)
	}
	return nil
}

func validate(src crawler.Source) error {
	if src.Name == "" {
		return fmt.Errorf("name is required: %w", crawler.ErrInvalidInput)
	}
	if err := validateBaseURL(src.BaseURL); err != nil {
		return err
	}
	if src.AllowedPathPattern != "" {
		if _, err := regexp.Compile(src.AllowedPathPattern); err != nil {
			return fmt.Errorf("allowed_path_pattern: %v: %w", err, crawler.ErrInvalidInput)
		}
	}
	if !src.HasSelectors() {
		return fmt.Errorf("selectors must be a non-empty JSON object: %w", crawler.ErrInvalidInput)
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("base_url is required: %w", crawler.ErrInvalidInput)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("base_url: %v: %w", err, crawler.ErrInvalidInput)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) url: %w", raw, crawler.ErrInvalidInput)
	}
	return nil
}
