package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// ActionRecord is one entry of an Audit Entry's ordered action list, and the
// exact JSON shape persisted in audit_log.actions:
// {"type":...,"folder"?:...,"flags"?:[...],"reason"?:...}.
type ActionRecord struct {
	Type   string   `json:"type"`
	Folder string   `json:"folder,omitempty"`
	Flags  []string `json:"flags,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// ActionList is the audit_log.actions column: a JSON array of ActionRecord.
type ActionList []ActionRecord

func (a ActionList) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *ActionList) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// AuditEntry is an append-only record of a classifier decision and its
// executed actions.
type AuditEntry struct {
	ID          string `gorm:"primaryKey"`
	MessageID   string `gorm:"index"`
	AccountName string `gorm:"index"`
	Actions     ActionList `gorm:"type:jsonb"`
	LLMProvider string
	LLMModel    string
	Subject     string
	Confidence  *float64
	Reasoning   string
	CreatedAt   time.Time `gorm:"index"`
}

func (AuditEntry) TableName() string {
	return "audit_log"
}

// NewAuditEntry builds a row with a generated ID ready for insertion.
func NewAuditEntry(messageID, accountName string, actions []ActionRecord, provider, model, subject string, confidence *float64, reasoning string) *AuditEntry {
	return &AuditEntry{
		ID:          utils.GenerateNanoIDWithPrefix("audit", 16),
		MessageID:   messageID,
		AccountName: accountName,
		Actions:     actions,
		LLMProvider: provider,
		LLMModel:    model,
		Subject:     subject,
		Confidence:  confidence,
		Reasoning:   reasoning,
		CreatedAt:   utils.Now(),
	}
}
