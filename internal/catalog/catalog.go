// Package catalog manages groups and channels and serves the item feed.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bryan-buckman/telereader/internal/database"
	"github.com/bryan-buckman/telereader/internal/model"
)

// ErrInvalid is matched by every ValidationError.
var ErrInvalid = errors.New("invalid input")

// ValidationError reports a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Store is the persistence the catalog needs.
type Store interface {
	ListGroups(ctx context.Context) ([]model.Group, error)
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	UpsertGroup(ctx context.Context, g *model.Group) error
	DeleteGroup(ctx context.Context, id int64) error

	ListChannels(ctx context.Context) ([]model.Channel, error)
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	GetChannelByName(ctx context.Context, name string) (*model.Channel, error)
	UpsertChannel(ctx context.Context, c *model.Channel) error
	DeleteChannel(ctx context.Context, id int64, cascade bool) (database.Removal, error)

	ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error)
}

// Scheduler runs channel deletion exclusively of sweeps and requests the
// initial fetch of new channels.
type Scheduler interface {
	TriggerNow() bool
	Exclusive(ctx context.Context, fn func(ctx context.Context) error) error
}

// Files removes attachment files of deleted items.
type Files interface {
	Delete(ref string) error
}

// Options configures a Service.
type Options struct {
	// CascadeDelete deletes a channel's items along with it. When false, a
	// channel that still has items cannot be deleted.
	CascadeDelete bool
	// MediaURLPrefix is prepended to attachment refs in item listings.
	MediaURLPrefix string
}

// Service is the catalog boundary used by the HTTP API.
type Service struct {
	store  Store
	sched  Scheduler
	files  Files
	opts   Options
	logger *zap.Logger
}

// New creates a Service.
func New(store Store, sched Scheduler, files Files, opts Options, logger *zap.Logger) *Service {
	if opts.MediaURLPrefix == "" {
		opts.MediaURLPrefix = "/media/"
	}
	if !strings.HasSuffix(opts.MediaURLPrefix, "/") {
		opts.MediaURLPrefix += "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, sched: sched, files: files, opts: opts, logger: logger}
}

// --- Groups ---

// ListGroups returns every group.
func (s *Service) ListGroups(ctx context.Context) ([]model.Group, error) {
	return s.store.ListGroups(ctx)
}

// CreateGroup adds a group.
func (s *Service) CreateGroup(ctx context.Context, name string) (*model.Group, error) {
	name, err := groupName(name)
	if err != nil {
		return nil, err
	}
	g := &model.Group{Name: name}
	if err := s.store.UpsertGroup(ctx, g); err != nil {
		return nil, err
	}
	s.logger.Info("group created", zap.Int64("group_id", g.ID), zap.String("name", g.Name))
	return g, nil
}

// RenameGroup changes a group's name.
func (s *Service) RenameGroup(ctx context.Context, id int64, name string) (*model.Group, error) {
	name, err := groupName(name)
	if err != nil {
		return nil, err
	}
	g := &model.Group{ID: id, Name: name}
	if err := s.store.UpsertGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGroup removes a group. Its channels stay, ungrouped.
func (s *Service) DeleteGroup(ctx context.Context, id int64) error {
	if err := s.store.DeleteGroup(ctx, id); err != nil {
		return err
	}
	s.logger.Info("group deleted", zap.Int64("group_id", id))
	return nil
}

// --- Channels ---

// ListChannels returns every channel.
func (s *Service) ListChannels(ctx context.Context) ([]model.Channel, error) {
	return s.store.ListChannels(ctx)
}

// GetChannel returns one channel.
func (s *Service) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	return s.store.GetChannel(ctx, id)
}

// CreateChannel adds a channel and requests its initial fetch.
func (s *Service) CreateChannel(ctx context.Context, name string, groupID *int64) (*model.Channel, error) {
	c, err := s.validChannel(ctx, 0, name, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertChannel(ctx, c); err != nil {
		return nil, err
	}
	queued := s.sched.TriggerNow()
	s.logger.Info("channel created",
		zap.Int64("channel_id", c.ID),
		zap.String("channel", c.Name),
		zap.Bool("fetch_queued", queued),
	)
	return c, nil
}

// UpdateChannel renames or regroups a channel.
func (s *Service) UpdateChannel(ctx context.Context, id int64, name string, groupID *int64) (*model.Channel, error) {
	existing, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := s.validChannel(ctx, id, name, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertChannel(ctx, c); err != nil {
		return nil, err
	}
	c.LastSynced = existing.LastSynced
	return c, nil
}

// DeleteChannel removes a channel, never while a sweep or retention pass
// runs. Attachment files of removed items are deleted after the rows commit
// and before the exclusive section ends, so no sweep can write into the
// channel's media directory in between.
func (s *Service) DeleteChannel(ctx context.Context, id int64) (database.Removal, error) {
	var (
		removal database.Removal
		failed  int
	)
	err := s.sched.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		removal, err = s.store.DeleteChannel(ctx, id, s.opts.CascadeDelete)
		if err != nil {
			return err
		}
		for _, ref := range removal.AttachmentRefs {
			if err := s.files.Delete(ref); err != nil {
				failed++
				s.logger.Warn("failed to delete attachment of removed channel", zap.String("ref", ref), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return database.Removal{}, err
	}

	s.logger.Info("channel deleted",
		zap.Int64("channel_id", id),
		zap.Int64("items", removal.Items),
		zap.Int("file_failures", failed),
	)
	return removal, nil
}

func (s *Service) validChannel(ctx context.Context, id int64, name string, groupID *int64) (*model.Channel, error) {
	name = NormalizeChannelName(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if strings.ContainsAny(name, " \t\n/?#") && !isURL(name) {
		return nil, &ValidationError{Field: "name", Message: "must be a channel handle or feed url"}
	}
	if groupID != nil {
		if _, err := s.store.GetGroup(ctx, *groupID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, &ValidationError{Field: "group_id", Message: fmt.Sprintf("group %d does not exist", *groupID)}
			}
			return nil, err
		}
	}
	return &model.Channel{ID: id, Name: name, GroupID: groupID}, nil
}

// ImportEntry is a channel to add under a named group ("" for none).
type ImportEntry struct {
	Group   string
	Channel string
}

// ImportResult counts an import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Total    int      `json:"total"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Import adds channels, creating missing groups by name. Channels that
// already exist or do not validate are skipped. One fetch is requested for
// the whole batch.
func (s *Service) Import(ctx context.Context, entries []ImportEntry) (ImportResult, error) {
	res := ImportResult{Total: len(entries)}
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return res, err
	}
	byName := make(map[string]int64, len(groups))
	for _, g := range groups {
		byName[g.Name] = g.ID
	}

	for _, e := range entries {
		var groupID *int64
		if name := strings.TrimSpace(e.Group); name != "" {
			id, ok := byName[name]
			if !ok {
				g := &model.Group{Name: name}
				if err := s.store.UpsertGroup(ctx, g); err != nil {
					return res, fmt.Errorf("create group %q: %w", name, err)
				}
				id = g.ID
				byName[name] = id
			}
			groupID = &id
		}

		c, err := s.validChannel(ctx, 0, e.Channel, groupID)
		if err != nil {
			res.Skipped = append(res.Skipped, e.Channel)
			continue
		}
		if err := s.store.UpsertChannel(ctx, c); err != nil {
			if errors.Is(err, database.ErrDuplicate) {
				res.Skipped = append(res.Skipped, e.Channel)
				continue
			}
			return res, fmt.Errorf("create channel %q: %w", c.Name, err)
		}
		res.Imported++
	}

	if res.Imported > 0 {
		s.sched.TriggerNow()
	}
	s.logger.Info("channels imported", zap.Int("imported", res.Imported), zap.Int("total", res.Total))
	return res, nil
}

// --- Items ---

// ListItems returns items newest first with their attachment URLs.
func (s *Service) ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error) {
	if f.Limit <= 0 {
		f.Limit = model.DefaultItemLimit
	}
	if f.Limit > model.MaxItemLimit {
		f.Limit = model.MaxItemLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	items, err := s.store.ListItems(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].AttachmentURL = s.AttachmentURL(items[i].AttachmentRef)
	}
	return items, nil
}

// AttachmentURL maps an attachment ref to its public URL.
func (s *Service) AttachmentURL(ref string) string {
	if ref == "" {
		return ""
	}
	return s.opts.MediaURLPrefix + ref
}

// NormalizeChannelName reduces the forms users paste (@name, t.me/name,
// https://t.me/s/name) to the bare handle. Other URLs are kept as feed URLs.
func NormalizeChannelName(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, prefix+"t.me/") || strings.HasPrefix(lower, prefix+"telegram.me/") {
			name = name[len(prefix):]
			lower = lower[len(prefix):]
		}
	}
	for _, prefix := range []string{"t.me/s/", "t.me/", "telegram.me/s/", "telegram.me/"} {
		if strings.HasPrefix(lower, prefix) {
			name = name[len(prefix):]
			break
		}
	}
	if isURL(name) {
		return name
	}
	name = strings.TrimPrefix(name, "@")
	name = strings.TrimSuffix(name, "/")
	return strings.TrimSpace(name)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func groupName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{Field: "name", Message: "must not be empty"}
	}
	return name, nil
}
