package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned for disallowed rollout or update history
// status changes.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the persistence interface for all server entities. SQLite is the
// default backend; PostgreSQL is selected by DSN.
type Store interface {
	// Users and groups.
	CreateUser(ctx context.Context, user *User, rawPassword string) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	AuthenticateUser(ctx context.Context, username, rawPassword string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	CreateGroup(ctx context.Context, group *Group) error
	AddGroupMember(ctx context.Context, groupID, userID string) error
	AddGroupPrinter(ctx context.Context, groupID, printerID string) error
	CanUserMessagePrinter(ctx context.Context, userID, printerID string) (bool, error)

	// Printers.
	UpsertPrinter(ctx context.Context, printer *Printer) error
	GetPrinter(ctx context.Context, id string) (*Printer, error)
	ListPrinters(ctx context.Context) ([]*Printer, error)
	SetPrinterOnline(ctx context.Context, id string, online bool, seen time.Time) error
	SetPrinterFirmwareVersion(ctx context.Context, id, version string) error
	SetPrinterAutoUpdate(ctx context.Context, id string, autoUpdate bool) error
	NextDailyNumber(ctx context.Context, printerID string, now time.Time) (int, error)

	// Messages.
	InsertMessageLog(ctx context.Context, msg *MessageLog) error
	CacheMessage(ctx context.Context, msg *MessageCache) error
	UndeliveredMessages(ctx context.Context, printerID string) ([]*MessageCache, error)
	MarkMessageDelivered(ctx context.Context, id int64, at time.Time) error
	DeleteExpiredCache(ctx context.Context, before time.Time) (int64, error)

	// Firmware.
	CreateFirmwareVersion(ctx context.Context, fw *FirmwareVersion) error
	GetFirmwareVersion(ctx context.Context, version, platform string) (*FirmwareVersion, error)
	ListFirmwareVersions(ctx context.Context) ([]*FirmwareVersion, error)
	IncrementFirmwareDownloads(ctx context.Context, id int64) error
	IncrementFirmwareCounter(ctx context.Context, version, platform string, success bool) error

	// Rollouts.
	CreateRollout(ctx context.Context, rollout *UpdateRollout) error
	GetRollout(ctx context.Context, id string) (*UpdateRollout, error)
	ListRollouts(ctx context.Context, status string) ([]*UpdateRollout, error)
	ListActiveRollouts(ctx context.Context) ([]*UpdateRollout, error)
	ListScheduledRolloutsDue(ctx context.Context, now time.Time) ([]*UpdateRollout, error)
	SetRolloutStatus(ctx context.Context, id, status string, at time.Time) error
	SetRolloutPercentage(ctx context.Context, id string, percentage int) error
	RegisterRolloutTarget(ctx context.Context, id string) error
	ResolveRolloutTarget(ctx context.Context, id, outcome string) error

	// Update history.
	CreateUpdateHistory(ctx context.Context, h *UpdateHistory) error
	GetUpdateHistory(ctx context.Context, rolloutID, printerID string) (*UpdateHistory, error)
	LatestOpenUpdateForPrinter(ctx context.Context, printerID string) (*UpdateHistory, error)
	SetUpdateProgress(ctx context.Context, id int64, percent int, status string) error
	SetUpdateStatus(ctx context.Context, id int64, status, detail string) error
	ListUpdateHistory(ctx context.Context, rolloutID string) ([]*UpdateHistory, error)

	Close() error
}

// NewStore creates a Store from a database URL. URLs with a postgres scheme
// open a PostgreSQL store; everything else is treated as a SQLite path.
//
// Example usage:
//
//	store, err := NewStore("postgres://paperminder@localhost/paperminder")
//	store, err := NewStore("paperminder.db")
func NewStore(databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	if url == "" {
		return nil, fmt.Errorf("database url required")
	}

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(url)
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
	default:
		return NewSQLiteStore(url)
	}
}
