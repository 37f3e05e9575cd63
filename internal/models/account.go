package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// Account is a watched mailbox: its IMAP endpoint, folder policy, LLM
// selection, webhook list and allowed-action set.
type Account struct {
	ID string `gorm:"primaryKey"`

	Name string `gorm:"uniqueIndex;not null"`

	Host    string
	Port    int
	TLSMode enum.TLSMode
	// TrustedFingerprints holds SHA-256 cert fingerprints the operator has
	// explicitly trusted, bypassing the default certificate verification
	// failure path.
	TrustedFingerprints pq.StringArray `gorm:"type:text[]"`

	AuthMode enum.AuthMode
	Username string
	Secret   string // password, or refresh/access token depending on AuthMode

	FolderMode       string         // "predefined" | "auto_create"
	WatchFolders     pq.StringArray `gorm:"type:text[]"`
	AllowedFolders   pq.StringArray `gorm:"type:text[]"`

	LLMProviderName string
	LLMModel        string

	Webhooks       pq.StringArray `gorm:"type:text[]"`
	AllowedActions pq.StringArray `gorm:"type:text[]"`

	MinimumConfidence *float64

	// BasePromptOverride replaces the global default prompt for this account
	// only, ranking above the global default and built-in fallback in the
	// Prompt Builder's precedence chain.
	BasePromptOverride *string `gorm:"type:text"`

	Paused bool `gorm:"default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	return nil
}

// DefaultAllowedActions is the allow-list every account gets unless
// overridden — delete is excluded by default.
func DefaultAllowedActions() []string {
	return []string{
		enum.ActionMove.String(),
		enum.ActionMarkSpam.String(),
		enum.ActionFlag.String(),
		enum.ActionMarkRead.String(),
		enum.ActionNoop.String(),
	}
}
