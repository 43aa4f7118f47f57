package queue

// Pipeline job payload contracts, kept next to the identity-key helpers that
// name them.

// SyncJob indexes (or deletes) one package. Identity: SyncJobKey.
type SyncJob struct {
	PackageID string `json:"packageId"`
	Seq       string `json:"seq"`
	Deleted   bool   `json:"deleted"`
}

// BulkSyncJob indexes a chunk of packages during backfill. Identity:
// BulkJobKey. Chunks are fixed at 50 package ids per job.
type BulkSyncJob struct {
	PackageIDs []string `json:"packageIds"`
	Phase      int      `json:"phase"`
}

// EmailJob delivers one templated email. Not deduplicated: delivery is
// at-least-once and consumers must tolerate duplicate sends.
type EmailJob struct {
	To       string                 `json:"to"`
	UserID   uint                   `json:"userId,omitempty"`
	Subject  string                 `json:"subject"`
	Template string                 `json:"template"`
	Props    map[string]interface{} `json:"props"`
}

// ChatJob delivers one templated chat message through a stored integration.
type ChatJob struct {
	IntegrationID uint                   `json:"integrationId"`
	UserID        uint                   `json:"userId,omitempty"`
	Template      string                 `json:"template"`
	Props         map[string]interface{} `json:"props"`
}

// DigestJob compiles unread notifications for all users on one digest period.
type DigestJob struct {
	Period string `json:"period"` // "daily" or "weekly"
}
