package models

import (
	"time"

	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// DeadLetterEntry records a message that failed processing, awaiting the
// retry scheduler or manual retry.
type DeadLetterEntry struct {
	ID          string `gorm:"primaryKey"`
	MessageID   string `gorm:"index"`
	AccountName string `gorm:"index"`
	Folder      string
	UID         uint32
	Error       string
	Attempts    int `gorm:"default:1"`
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	RetryStatus enum.RetryStatus
	NextRetryAt *time.Time
	LastRetryAt *time.Time
}

func (DeadLetterEntry) TableName() string {
	return "dead_letter"
}

// NewDeadLetterEntry builds a fresh row: attempts=1, pending, next retry at
// the configured initial delay from now.
func NewDeadLetterEntry(messageID, accountName, folder string, uid uint32, errMsg string, nextRetryAt time.Time) *DeadLetterEntry {
	return &DeadLetterEntry{
		ID:          utils.GenerateNanoIDWithPrefix("dlq", 16),
		MessageID:   messageID,
		AccountName: accountName,
		Folder:      folder,
		UID:         uid,
		Error:       errMsg,
		Attempts:    1,
		CreatedAt:   utils.Now(),
		RetryStatus: enum.RetryStatusPending,
		NextRetryAt: &nextRetryAt,
	}
}
