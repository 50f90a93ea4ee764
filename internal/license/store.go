package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	licenseErrors "sspdesk/internal/errors"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/storage"
)

// StorageKey is the key of the license record in persisted storage
const StorageKey = "ssp_license"

// Store persists the single license record through the integrity guard
type Store struct {
	kv      storage.Store
	guard   *Guard
	logger  *slog.Logger
	metrics *LicenseMetrics
}

// NewStore wraps kv. metrics may be nil.
func NewStore(kv storage.Store, guard *Guard, logger *slog.Logger, metrics *LicenseMetrics) *Store {
	if metrics == nil {
		metrics = noopMetrics()
	}
	return &Store{
		kv:      kv,
		guard:   guard,
		logger:  infrastructure.WithComponent(logger, "license_store"),
		metrics: metrics,
	}
}

// Load returns the stored record, or nil when there is none. A record that
// fails to parse or verify is deleted and reported as absent.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	data, err := s.kv.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read license record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.discard(ctx, fmt.Errorf("%w: unparseable record: %v", licenseErrors.ErrIntegrityViolation, err))
		return nil, nil
	}
	if !s.guard.Verify(&rec) {
		s.discard(ctx, licenseErrors.ErrIntegrityViolation)
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) discard(ctx context.Context, cause error) {
	s.metrics.IntegrityViolations.Add(ctx, 1)
	s.logger.WarnContext(ctx, "License tampering detected, discarding record",
		slog.String("error", cause.Error()),
	)
	if err := s.kv.Delete(ctx, StorageKey); err != nil {
		s.logger.ErrorContext(ctx, "Failed to delete rejected license record",
			slog.String("error", err.Error()),
		)
	}
}

// Save recomputes the digest on rec and writes it
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("cannot save nil license record")
	}
	s.guard.Seal(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal license record: %w", err)
	}
	if err := s.kv.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("failed to write license record: %w", err)
	}
	return nil
}

// Clear removes the record
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("failed to clear license record: %w", err)
	}
	return nil
}
