// Notification storage and multi-channel delivery: rate-limited email/chat
// workers plus the recurring digest processor.
package notify

import (
	"time"

	"gorm.io/gorm"
)

// Digest frequencies a user can opt into.
const (
	DigestNone   = "none"
	DigestDaily  = "daily"
	DigestWeekly = "weekly"
)

// Notification severities, in descending order of urgency.
const (
	SeverityCritical  = "critical"
	SeverityImportant = "important"
	SeverityInfo      = "info"
)

type User struct {
	gorm.Model
	Email           string `gorm:"index"`
	DigestFrequency string `gorm:"index;default:none"`
}

type Notification struct {
	gorm.Model
	UserID    uint `gorm:"index"`
	PackageID string
	Severity  string `gorm:"index"`
	Title     string
	Body      string
	ReadAt    *time.Time
}

// ChatIntegration holds per-workspace chat credentials. A disabled or
// missing integration makes delivery a no-op, not a failure.
type ChatIntegration struct {
	gorm.Model
	UserID      uint `gorm:"index"`
	ChannelID   string
	AccessToken string
	Disabled    bool
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Notification{}, &ChatIntegration{})
}

func severityRank(sev string) int {
	switch sev {
	case SeverityCritical:
		return 0
	case SeverityImportant:
		return 1
	default:
		return 2
	}
}
