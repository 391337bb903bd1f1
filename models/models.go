// Package models holds the gorm entities of the recap gateway and the job state machine.
package models

// All lists every persisted model in dependency order, for migrations.
func All() []any {
	return []any{
		&Tenant{},
		&User{},
		&UserSession{},
		&Project{},
		&Asset{},
		&UploadSession{},
		&ProcessingJob{},
		&Scene{},
		&Transcript{},
		&ContentModeration{},
		&UsageTracking{},
		&AuditLog{},
		&OutboxMessage{},
	}
}
