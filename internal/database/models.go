package database

import "time"

// SessionRecord is the audit trail row for one terminal session. Rows
// survive session cleanup; TerminatedAt stays NULL while the session lives.
type SessionRecord struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string     `gorm:"uniqueIndex;not null;size:64" json:"session_id"`
	CredentialHash string     `gorm:"not null" json:"-"`
	ClientContext  string     `json:"client_context"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	TerminatedAt   *time.Time `json:"terminated_at"`
	EndReason      string     `json:"end_reason"`
	ResumedCount   int        `gorm:"not null;default:0" json:"resumed_count"`
	CrossProcess   bool       `gorm:"not null;default:false" json:"cross_process"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
