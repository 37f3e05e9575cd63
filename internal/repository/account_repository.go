package repository

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

type AccountRepository interface {
	GetByName(ctx context.Context, name string) (*models.Account, error)
	GetAll(ctx context.Context) ([]models.Account, error)
	Save(ctx context.Context, account *models.Account) error
	SetPaused(ctx context.Context, name string, paused bool) error
	Delete(ctx context.Context, name string) error
}

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) GetByName(ctx context.Context, name string) (*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountRepository.GetByName")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.SetTag("account.name", name)

	var account models.Account
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&account).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get account %s: %w", name, err)
	}
	return &account, nil
}

func (r *accountRepository) GetAll(ctx context.Context) ([]models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountRepository.GetAll")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var accounts []models.Account
	if err := r.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func (r *accountRepository) Save(ctx context.Context, account *models.Account) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountRepository.Save")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, account.Name)

	result := r.db.WithContext(ctx).Where("name = ?", account.Name).Updates(account)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to update account %s: %w", account.Name, result.Error)
	}
	if result.RowsAffected == 0 {
		if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
			tracing.TraceErr(span, err)
			return fmt.Errorf("failed to create account %s: %w", account.Name, err)
		}
	}
	return nil
}

func (r *accountRepository) SetPaused(ctx context.Context, name string, paused bool) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountRepository.SetPaused")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, name)

	err := r.db.WithContext(ctx).Model(&models.Account{}).Where("name = ?", name).Update("paused", paused).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to set paused=%v for account %s: %w", paused, name, err)
	}
	return nil
}

func (r *accountRepository) Delete(ctx context.Context, name string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountRepository.Delete")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	tracing.TagAccount(span, name)

	if err := r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.Account{}).Error; err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to delete account %s: %w", name, err)
	}
	return nil
}
