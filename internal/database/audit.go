package database

import (
	"log"
	"time"

	"github.com/termgate/termgate/internal/logutil"
	"gorm.io/gorm"
)

// Recorder writes session lifecycle events into the audit trail. All writes
// are best-effort: a failed insert is logged and dropped, never surfaced to
// the session lifecycle. Satisfies the session registry's audit interface.
type Recorder struct{}

func (Recorder) SessionCreated(id, credentialHash, clientContext string, created time.Time) {
	rec := SessionRecord{
		SessionID:      id,
		CredentialHash: credentialHash,
		ClientContext:  clientContext,
		CreatedAt:      created,
	}
	if err := DB.Create(&rec).Error; err != nil {
		log.Printf("[audit] record session %s: %v", logutil.SanitizeForLog(id), err)
	}
}

func (Recorder) SessionResumed(id string, crossProcess bool) {
	updates := map[string]interface{}{
		"resumed_count": gorm.Expr("resumed_count + 1"),
	}
	if crossProcess {
		updates["cross_process"] = true
	}
	if err := DB.Model(&SessionRecord{}).Where("session_id = ?", id).Updates(updates).Error; err != nil {
		log.Printf("[audit] record resume of %s: %v", logutil.SanitizeForLog(id), err)
	}
}

func (Recorder) SessionTerminated(id, reason string, at time.Time) {
	if err := DB.Model(&SessionRecord{}).Where("session_id = ?", id).Updates(map[string]interface{}{
		"terminated_at": at,
		"end_reason":    reason,
	}).Error; err != nil {
		log.Printf("[audit] record termination of %s: %v", logutil.SanitizeForLog(id), err)
	}
}
