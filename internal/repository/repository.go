// Package repository implements the Persistent State Store: gorm
// repositories over a single Postgres database backing accounts, providers,
// processed-message dedup, the audit log and the dead-letter queue.
package repository

import (
	"gorm.io/gorm"

	"github.com/metal0/mailpilot-sub001/internal/models"
)

// Repositories aggregates every repository the engine wires into its
// components.
type Repositories struct {
	Account          AccountRepository
	Provider         ProviderRepository
	ProcessedMessage ProcessedMessageRepository
	Audit            AuditRepository
	DeadLetter       DeadLetterRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Account:          NewAccountRepository(db),
		Provider:         NewProviderRepository(db),
		ProcessedMessage: NewProcessedMessageRepository(db),
		Audit:            NewAuditRepository(db),
		DeadLetter:       NewDeadLetterRepository(db),
	}
}

// MigrateDB runs the schema migration for every Persistent State Store table.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Account{},
		&models.Provider{},
		&models.ProcessedMessage{},
		&models.AuditEntry{},
		&models.DeadLetterEntry{},
	)
}
