package models

import (
	"time"

	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// ProcessedMessage deduplicates (message-id, account) so a retried or
// re-delivered message is never processed twice.
type ProcessedMessage struct {
	ID          string `gorm:"primaryKey"`
	MessageID   string `gorm:"uniqueIndex:idx_processed_message_account;index"`
	AccountName string `gorm:"uniqueIndex:idx_processed_message_account"`
	ProcessedAt time.Time
}

func (ProcessedMessage) TableName() string {
	return "processed_messages"
}

// NewProcessedMessage builds a row ready for insertion with a generated ID.
func NewProcessedMessage(messageID, accountName string) *ProcessedMessage {
	return &ProcessedMessage{
		ID:          utils.GenerateNanoIDWithPrefix("pmsg", 16),
		MessageID:   messageID,
		AccountName: accountName,
		ProcessedAt: utils.Now(),
	}
}
