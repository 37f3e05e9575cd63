package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

// ActivityFilter restricts Activity() reads.
type ActivityFilter struct {
	AccountName string
	Since       *time.Time
	Limit       int
}

type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, filter ActivityFilter) ([]models.AuditEntry, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type auditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AuditRepository.Append")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, entry.AccountName)
	tracing.LogObjectAsJson(span, "entry", entry)

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to append audit entry for %s: %w", entry.MessageID, err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter ActivityFilter) ([]models.AuditEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AuditRepository.List")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	q := r.db.WithContext(ctx).Order("created_at desc")
	if filter.AccountName != "" {
		q = q.Where("account_name = ?", filter.AccountName)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var entries []models.AuditEntry
	if err := q.Find(&entries).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

func (r *auditRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AuditRepository.PruneOlderThan")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AuditEntry{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, fmt.Errorf("failed to prune audit entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}
