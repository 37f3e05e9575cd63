package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

// ProcessedMessageRepository backs the Message Processor's dedup step
// and the housekeeping prune tick.
type ProcessedMessageRepository interface {
	// Exists reports whether (messageID, accountName) has already been
	// processed.
	Exists(ctx context.Context, messageID, accountName string) (bool, error)
	// Insert records (messageID, accountName) as processed. Insert is
	// INSERT-OR-IGNORE on the unique (message_id, account_name) pair so a
	// racing duplicate insert never fails the caller; inserted reports
	// whether this call created the row, letting the caller skip the audit
	// entry when another worker got there first.
	Insert(ctx context.Context, messageID, accountName string) (inserted bool, err error)
	// PruneOlderThan deletes processed-message rows whose processed_at is
	// older than the cutoff, returning the row count removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type processedMessageRepository struct {
	db *gorm.DB
}

func NewProcessedMessageRepository(db *gorm.DB) ProcessedMessageRepository {
	return &processedMessageRepository{db: db}
}

func (r *processedMessageRepository) Exists(ctx context.Context, messageID, accountName string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ProcessedMessageRepository.Exists")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var count int64
	err := r.db.WithContext(ctx).Model(&models.ProcessedMessage{}).
		Where("message_id = ? AND account_name = ?", messageID, accountName).
		Count(&count).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return false, fmt.Errorf("failed to check processed message %s: %w", messageID, err)
	}
	return count > 0, nil
}

func (r *processedMessageRepository) Insert(ctx context.Context, messageID, accountName string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ProcessedMessageRepository.Insert")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	row := models.NewProcessedMessage(messageID, accountName)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}, {Name: "account_name"}}, DoNothing: true}).
		Create(row)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, fmt.Errorf("failed to insert processed message %s: %w", messageID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *processedMessageRepository) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ProcessedMessageRepository.PruneOlderThan")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	result := r.db.WithContext(ctx).Where("processed_at < ?", cutoff).Delete(&models.ProcessedMessage{})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, fmt.Errorf("failed to prune processed messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}
