package sandboxes

import (
	"time"

	"github.com/google/uuid"
)

// Status is the per-project sandbox lifecycle:
//
//	absent -> provisioning -> alive -> stale -> restoring -> alive (loop)
//	                                            restoring -> failed
//
// absent has no row; everything else is the row's status column.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusAlive        Status = "alive"
	StatusStale        Status = "stale"
	StatusRestoring    Status = "restoring"
	StatusFailed       Status = "failed"
)

// Sandbox caches provider state plus recovery metadata. The provider owns the
// real environment and may reap it at any time without telling us; the cached
// liveness here is advisory until the next probe.
type Sandbox struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"project_id"`

	ProviderID string `gorm:"column:provider_id;index" json:"provider_id"`
	URL        string `gorm:"column:url" json:"url"`

	// provisioning|alive|stale|restoring|failed
	Status Status `gorm:"column:status;not null;index" json:"status"`
	Alive  bool   `gorm:"column:alive;not null;default:false" json:"alive"`

	LastProbeAt     *time.Time `gorm:"column:last_probe_at" json:"last_probe_at,omitempty"`
	LastKeepaliveAt *time.Time `gorm:"column:last_keepalive_at" json:"last_keepalive_at,omitempty"`

	RestoreAttempts int    `gorm:"column:restore_attempts;not null;default:0" json:"restore_attempts"`
	LastError       string `gorm:"column:last_error" json:"last_error,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (Sandbox) TableName() string { return "sandbox" }
