// Package database provides storage backends for groups, channels and items.
package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bryan-buckman/telereader/internal/model"
)

var (
	// ErrNotFound is returned when a group, channel or item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a group or channel name is already taken.
	ErrDuplicate = errors.New("duplicate name")
	// ErrChannelNotEmpty is returned by a non-cascading channel delete when
	// the channel still owns items.
	ErrChannelNotEmpty = errors.New("channel still has items")
)

// Removal describes rows removed by a delete. AttachmentRefs holds the
// attachment references of the removed items; the rows are committed as
// gone by the time a Removal is returned.
type Removal struct {
	Items          int64
	AttachmentRefs []string
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// DB exposes the underlying pool for health checks.
	DB() *sql.DB

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Group operations
	ListGroups(ctx context.Context) ([]model.Group, error)
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	UpsertGroup(ctx context.Context, g *model.Group) error
	DeleteGroup(ctx context.Context, id int64) error

	// Channel operations
	ListChannels(ctx context.Context) ([]model.Channel, error)
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	GetChannelByName(ctx context.Context, name string) (*model.Channel, error)
	UpsertChannel(ctx context.Context, c *model.Channel) error
	DeleteChannel(ctx context.Context, id int64, cascade bool) (Removal, error)
	MarkChannelSynced(ctx context.Context, id int64, t time.Time) error

	// Item operations
	ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error)
	ItemExists(ctx context.Context, channelID, externalID int64) (bool, error)
	InsertItem(ctx context.Context, item *model.Item) (bool, error)
	MaxExternalID(ctx context.Context, channelID int64) (int64, error)

	// Retention operations
	DeleteItemsOlderThan(ctx context.Context, cutoff time.Time) (Removal, error)
	DeleteItemsBeyondLatest(ctx context.Context, keep int) (Removal, error)
	DeleteAllItems(ctx context.Context) (Removal, error)
	AttachmentRefs(ctx context.Context) (map[string]struct{}, error)
}
