// Package projects keeps the persisted index of saved project summaries.
// The license quota reconciles against it; deleting an entry never gives
// quota back.
package projects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	licenseErrors "sspdesk/internal/errors"
	"sspdesk/internal/infrastructure"
	"sspdesk/internal/storage"
)

const (
	// ListKey holds the saved-project index, newest first
	ListKey = "ssp_projects"
	// ArchiveKey holds entries trimmed from the index
	ArchiveKey = "ssp_projects_archive"
	// MinCapacity is the least number of entries the index keeps
	MinCapacity = 100
)

// Entry is one saved project summary
type Entry struct {
	ID      string    `json:"id"`
	Name    string    `json:"name" validate:"required,max=200"`
	SavedAt time.Time `json:"savedAt"`
	Key     string    `json:"key,omitempty" validate:"omitempty,max=200"`
}

func (e Entry) same(o Entry) bool {
	if e.Key != "" && e.Key == o.Key {
		return true
	}
	return e.ID != "" && e.ID == o.ID
}

// Registry reads and writes the project index in storage
type Registry struct {
	kv     storage.Store
	clock  quartz.Clock
	logger *slog.Logger
}

// NewRegistry creates a registry over kv
func NewRegistry(kv storage.Store, clock quartz.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Registry{
		kv:     kv,
		clock:  clock,
		logger: infrastructure.WithComponent(logger, "project_registry"),
	}
}

// Capacity is the index size kept for a tier limit
func Capacity(limit int) int {
	if limit > MinCapacity {
		return limit
	}
	return MinCapacity
}

// List returns the index, newest first. A corrupt index reads as empty.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	return r.load(ctx, ListKey)
}

// Archived returns entries moved out of the index by trimming
func (r *Registry) Archived(ctx context.Context) ([]Entry, error) {
	return r.load(ctx, ArchiveKey)
}

// Get returns the entry with id
func (r *Registry) Get(ctx context.Context, id string) (Entry, error) {
	list, err := r.List(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range list {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("project %s: %w", id, licenseErrors.ErrProjectNotFound)
}

// Save upserts e at the head of the index, deduplicating by key or id,
// and archives whatever exceeds Capacity(limit).
func (r *Registry) Save(ctx context.Context, e Entry, limit int) (Entry, error) {
	list, err := r.List(ctx)
	if err != nil {
		return Entry{}, err
	}

	e.Name = strings.TrimSpace(e.Name)
	if e.ID == "" {
		// resaving under a known key keeps its id
		for _, old := range list {
			if e.Key != "" && old.Key == e.Key {
				e.ID = old.ID
				break
			}
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SavedAt.IsZero() {
		e.SavedAt = r.clock.Now().UTC()
	}

	next := make([]Entry, 0, len(list)+1)
	next = append(next, e)
	for _, old := range list {
		if !old.same(e) {
			next = append(next, old)
		}
	}

	if err := r.store(ctx, next, Capacity(limit)); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Delete removes the entry with id
func (r *Registry) Delete(ctx context.Context, id string) error {
	list, err := r.List(ctx)
	if err != nil {
		return err
	}
	next := make([]Entry, 0, len(list))
	for _, e := range list {
		if e.ID != id {
			next = append(next, e)
		}
	}
	if len(next) == len(list) {
		return fmt.Errorf("project %s: %w", id, licenseErrors.ErrProjectNotFound)
	}
	return r.write(ctx, ListKey, next)
}

// TrimTo keeps the newest limit entries and archives the rest. An
// unlimited (negative) limit leaves the index alone.
func (r *Registry) TrimTo(ctx context.Context, limit int) (int, error) {
	if limit < 0 {
		return 0, nil
	}
	list, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(list) <= limit {
		return 0, nil
	}
	return len(list) - limit, r.store(ctx, list, limit)
}

// store writes list capped at capacity entries, prepending overflow to the archive
func (r *Registry) store(ctx context.Context, list []Entry, capacity int) error {
	if len(list) > capacity {
		overflow := list[capacity:]
		list = list[:capacity]

		archive, err := r.Archived(ctx)
		if err != nil {
			return err
		}
		merged := make([]Entry, 0, len(overflow)+len(archive))
		merged = append(merged, overflow...)
		merged = append(merged, archive...)
		if err := r.write(ctx, ArchiveKey, merged); err != nil {
			return err
		}
		r.logger.InfoContext(ctx, "Archived projects beyond limit",
			slog.Int("archived", len(overflow)),
			slog.Int("kept", len(list)),
		)
	}
	return r.write(ctx, ListKey, list)
}

func (r *Registry) load(ctx context.Context, key string) ([]Entry, error) {
	data, err := r.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		r.logger.WarnContext(ctx, "Project index is corrupt, treating as empty",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return list, nil
}

func (r *Registry) write(ctx context.Context, key string, list []Entry) error {
	if list == nil {
		list = []Entry{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
