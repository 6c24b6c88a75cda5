package store

import (
	"time"
)

// ArchivedCommand is the durable row for one terminal command. Command text
// and captured output are encrypted at rest; correlation fields stay
// plaintext so they remain queryable.
type ArchivedCommand struct {
	CommandID   string `gorm:"primaryKey"`
	AgentID     string `gorm:"index;not null"`
	RequesterID string `gorm:"index"`

	RawCommand EncryptedString `gorm:"type:text"`
	Command    EncryptedString `gorm:"type:text"`

	ExecutionTarget string `gorm:"not null"`
	Status          string `gorm:"index;not null"`
	FailureReason   string

	ExitCode      int
	Stdout        EncryptedString `gorm:"type:text"`
	Stderr        EncryptedString `gorm:"type:text"`
	ExecutionType string
	TargetHost    string
	Cancelled     bool

	// AIReport is the pre-processing report, JSON-encoded. Empty when the
	// command was dispatched without the AI stage.
	AIReport string `gorm:"type:text"`

	CreatedAt    time.Time `gorm:"not null"`
	DispatchedAt *time.Time
	TerminalAt   *time.Time `gorm:"index"`
	ArchivedAt   time.Time  `gorm:"not null"`
}

// TableName pins the table name to the migration schema.
func (ArchivedCommand) TableName() string { return "archived_commands" }
