package storage

import "time"

// User is a human account that can message printers.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Group links users to the printers they may message. A user may message a
// printer when both belong to at least one common group.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Printer is a registered thermal printer. LastCounterDate and DailyCounter
// back the per-printer daily message numbering; both are interpreted in UTC.
type Printer struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	OwnerID         string    `json:"owner_id,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	AutoUpdate      bool      `json:"auto_update"`
	UpdateChannel   string    `json:"update_channel"`
	Online          bool      `json:"online"`
	LastSeen        time.Time `json:"last_seen"`
	LastIP          string    `json:"last_ip,omitempty"`
	LastCounterDate string    `json:"-"`
	DailyCounter    int       `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// MessageLog is the permanent record of every accepted text message.
type MessageLog struct {
	ID          int64     `json:"id"`
	PrinterID   string    `json:"printer_id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	DailyNumber int       `json:"daily_number"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageCache is a queued copy of a message awaiting delivery to an
// offline printer. Rows are drained in insertion order on reconnect.
type MessageCache struct {
	ID          int64      `json:"id"`
	PrinterID   string     `json:"printer_id"`
	SenderName  string     `json:"sender_name"`
	Content     string     `json:"content"`
	DailyNumber int        `json:"daily_number"`
	IsDelivered bool       `json:"is_delivered"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Update channels.
const (
	ChannelStable = "stable"
	ChannelBeta   = "beta"
	ChannelCanary = "canary"
)

// FirmwareVersion is an uploaded firmware build for one platform. The blob
// is stored inline; MD5 is the hex digest printers verify after download.
type FirmwareVersion struct {
	ID                int64     `json:"id"`
	Version           string    `json:"version"`
	Platform          string    `json:"platform"`
	Channel           string    `json:"channel"`
	FileName          string    `json:"file_name"`
	FileSize          int64     `json:"file_size"`
	MD5               string    `json:"md5"`
	SHA256            string    `json:"sha256"`
	Data              []byte    `json:"-"`
	ReleaseNotes      string    `json:"release_notes,omitempty"`
	MinUpgradeVersion string    `json:"min_upgrade_version,omitempty"`
	DownloadCount     int       `json:"download_count"`
	SuccessCount      int       `json:"success_count"`
	FailureCount      int       `json:"failure_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// Rollout lifecycle states.
const (
	RolloutPending   = "pending"
	RolloutActive    = "active"
	RolloutPaused    = "paused"
	RolloutCompleted = "completed"
	RolloutCancelled = "cancelled"
)

// Rollout kinds. Gradual campaigns carry a percentage bucket, scheduled
// campaigns a future start time; immediate campaigns push on activation.
const (
	RolloutTypeImmediate = "immediate"
	RolloutTypeGradual   = "gradual"
	RolloutTypeScheduled = "scheduled"
)

// UpdateRollout is a campaign pushing one firmware version to a targeted
// subset of the fleet. Targeting fields union together; percentage bucketing
// then thins the result deterministically per printer.
type UpdateRollout struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	RolloutType       string     `json:"rollout_type"`
	Version           string     `json:"version"`
	Platform          string     `json:"platform,omitempty"`
	Channels          []string   `json:"channels,omitempty"`
	TargetAll         bool       `json:"target_all"`
	TargetUserIDs     []string   `json:"target_user_ids,omitempty"`
	TargetPrinterIDs  []string   `json:"target_printer_ids,omitempty"`
	RolloutPercentage int        `json:"rollout_percentage"`
	MinVersion        string     `json:"min_version,omitempty"`
	MaxVersion        string     `json:"max_version,omitempty"`
	Status            string     `json:"status"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	TotalTargets      int        `json:"total_targets"`
	PendingCount      int        `json:"pending_count"`
	CompletedCount    int        `json:"completed_count"`
	FailedCount       int        `json:"failed_count"`
	DeclinedCount     int        `json:"declined_count"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Per-printer update attempt states.
const (
	UpdatePending     = "pending"
	UpdateDownloading = "downloading"
	UpdateCompleted   = "completed"
	UpdateFailed      = "failed"
	UpdateDeclined    = "declined"
)

// UpdateHistory tracks one printer's progress through one rollout. At most
// one non-terminal row exists per rollout and printer.
type UpdateHistory struct {
	ID          int64     `json:"id"`
	RolloutID   string    `json:"rollout_id"`
	PrinterID   string    `json:"printer_id"`
	Version     string    `json:"version"`
	FromVersion string    `json:"from_version,omitempty"`
	Status      string    `json:"status"`
	LastPercent int        `json:"last_percent"`
	LastStatus  string     `json:"last_status,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminalUpdateStatus reports whether an update attempt state admits no
// further transitions.
func IsTerminalUpdateStatus(status string) bool {
	switch status {
	case UpdateCompleted, UpdateFailed, UpdateDeclined:
		return true
	}
	return false
}

// IsTerminalRolloutStatus reports whether a rollout state admits no further
// transitions.
func IsTerminalRolloutStatus(status string) bool {
	return status == RolloutCompleted || status == RolloutCancelled
}

// ValidUpdateTransition reports whether an update attempt may move from one
// state to another. Terminal states never transition.
func ValidUpdateTransition(from, to string) bool {
	switch from {
	case UpdatePending:
		return to == UpdateDownloading || to == UpdateCompleted || to == UpdateFailed || to == UpdateDeclined
	case UpdateDownloading:
		return to == UpdateCompleted || to == UpdateFailed || to == UpdateDeclined
	}
	return false
}

// ValidRolloutTransition reports whether a rollout may move from one state
// to another. Pausing is reversible; everything else is forward-only.
func ValidRolloutTransition(from, to string) bool {
	switch from {
	case RolloutPending:
		return to == RolloutActive || to == RolloutCancelled
	case RolloutActive:
		return to == RolloutPaused || to == RolloutCompleted || to == RolloutCancelled
	case RolloutPaused:
		return to == RolloutActive || to == RolloutCancelled
	}
	return false
}
