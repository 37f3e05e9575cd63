package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

type DeadLetterRepository interface {
	Insert(ctx context.Context, entry *models.DeadLetterEntry) error
	GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error)
	List(ctx context.Context, accountName string) ([]models.DeadLetterEntry, error)
	// DueForRetry selects pending entries whose next_retry_at has elapsed
	// and whose attempts are still under the configured max, feeding the
	// retry scheduler's tick.
	DueForRetry(ctx context.Context, now time.Time, maxAttempts int) ([]models.DeadLetterEntry, error)
	MarkRetrying(ctx context.Context, id string) error
	MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error
	MarkFailedRetry(ctx context.Context, id string, nextRetryAt time.Time, attempts int) error
	MarkExhausted(ctx context.Context, id string, attempts int) error
}

type deadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) DeadLetterRepository {
	return &deadLetterRepository{db: db}
}

func (r *deadLetterRepository) Insert(ctx context.Context, entry *models.DeadLetterEntry) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.Insert")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, entry.AccountName)

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to insert dead letter for %s: %w", entry.MessageID, err)
	}
	return nil
}

func (r *deadLetterRepository) GetByID(ctx context.Context, id string) (*models.DeadLetterEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.GetByID")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var entry models.DeadLetterEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	return &entry, nil
}

func (r *deadLetterRepository) List(ctx context.Context, accountName string) ([]models.DeadLetterEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.List")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	q := r.db.WithContext(ctx).Order("created_at desc")
	if accountName != "" {
		q = q.Where("account_name = ?", accountName)
	}
	var entries []models.DeadLetterEntry
	if err := q.Find(&entries).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

func (r *deadLetterRepository) DueForRetry(ctx context.Context, now time.Time, maxAttempts int) ([]models.DeadLetterEntry, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.DueForRetry")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var entries []models.DeadLetterEntry
	err := r.db.WithContext(ctx).
		Where("retry_status = ? AND next_retry_at <= ? AND attempts < ?", enum.RetryStatusPending, now, maxAttempts).
		Find(&entries).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to select due dead letters: %w", err)
	}
	return entries, nil
}

func (r *deadLetterRepository) MarkRetrying(ctx context.Context, id string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.MarkRetrying")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	err := r.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{"retry_status": enum.RetryStatusRetrying, "last_retry_at": time.Now()}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to mark dead letter %s retrying: %w", id, err)
	}
	return nil
}

func (r *deadLetterRepository) MarkResolved(ctx context.Context, id string, resolvedAt time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.MarkResolved")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	err := r.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{"retry_status": enum.RetryStatusSuccess, "resolved_at": resolvedAt}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to mark dead letter %s resolved: %w", id, err)
	}
	return nil
}

func (r *deadLetterRepository) MarkFailedRetry(ctx context.Context, id string, nextRetryAt time.Time, attempts int) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.MarkFailedRetry")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	err := r.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_status":  enum.RetryStatusPending,
			"attempts":      attempts,
			"next_retry_at": nextRetryAt,
		}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to mark dead letter %s failed retry: %w", id, err)
	}
	return nil
}

func (r *deadLetterRepository) MarkExhausted(ctx context.Context, id string, attempts int) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeadLetterRepository.MarkExhausted")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	err := r.db.WithContext(ctx).Model(&models.DeadLetterEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{"retry_status": enum.RetryStatusExhausted, "attempts": attempts}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to mark dead letter %s exhausted: %w", id, err)
	}
	return nil
}
