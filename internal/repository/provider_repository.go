package repository

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

type ProviderRepository interface {
	GetByName(ctx context.Context, name string) (*models.Provider, error)
	GetAll(ctx context.Context) ([]models.Provider, error)
	Save(ctx context.Context, provider *models.Provider) error
}

type providerRepository struct {
	db *gorm.DB
}

func NewProviderRepository(db *gorm.DB) ProviderRepository {
	return &providerRepository{db: db}
}

func (r *providerRepository) GetByName(ctx context.Context, name string) (*models.Provider, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ProviderRepository.GetByName")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.SetTag("provider.name", name)

	var provider models.Provider
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&provider).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get provider %s: %w", name, err)
	}
	return &provider, nil
}

func (r *providerRepository) GetAll(ctx context.Context) ([]models.Provider, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ProviderRepository.GetAll")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)

	var providers []models.Provider
	if err := r.db.WithContext(ctx).Find(&providers).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return providers, nil
}

func (r *providerRepository) Save(ctx context.Context, provider *models.Provider) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ProviderRepository.Save")
	defer span.Finish()
	tracing.SetDefaultPostgresRepositorySpanTags(ctx, span)
	span.SetTag("provider.name", provider.Name)

	result := r.db.WithContext(ctx).Where("name = ?", provider.Name).Updates(provider)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to update provider %s: %w", provider.Name, result.Error)
	}
	if result.RowsAffected == 0 {
		if err := r.db.WithContext(ctx).Create(provider).Error; err != nil {
			tracing.TraceErr(span, err)
			return fmt.Errorf("failed to create provider %s: %w", provider.Name, err)
		}
	}
	return nil
}
