package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OSM-es/CatAtomApi/internal/domain"
)

// AuditRepository stores the trail of accepted mutations.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new AuditRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *AuditRepository: repository instance bound to db.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record appends entry, filling its id and timestamp when empty.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entry: audit entry to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *AuditRepository) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListByJob returns the entries of a job, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - code: entity code.
//   - split: split id, empty for every split.
//   - limit: maximum number of entries, 0 for no limit.
// Returns:
//   - []domain.AuditEntry: matching entries.
//   - error: non-nil if the query fails.
func (r *AuditRepository) ListByJob(ctx context.Context, code, split string, limit int) ([]domain.AuditEntry, error) {
	query := r.db.WithContext(ctx).Where("code = ?", code)
	if split != "" {
		query = query.Where("split = ?", split)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []domain.AuditEntry
	if err := query.Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
