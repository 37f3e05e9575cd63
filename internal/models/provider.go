package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// Provider is an LLM HTTP endpoint.
type Provider struct {
	ID string `gorm:"primaryKey"`

	Name            string `gorm:"uniqueIndex;not null"`
	Endpoint        string
	APIKey          string
	DefaultModel    string
	MaxBodyTokens   int
	MaxThreadTokens int
	RPMLimit        *int
	SupportsVision  bool

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Provider) TableName() string {
	return "providers"
}

func (p *Provider) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = utils.GenerateNanoIDWithPrefix("prov", 16)
	}
	return nil
}
