package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/telereader/internal/model"
)

// dialect captures the few places SQLite and PostgreSQL differ once the
// schema exists.
type dialect struct {
	name              string
	rebind            func(query string) string
	isUniqueViolation func(err error) bool
}

// queries holds the SQL shared by both backends. Every statement is written
// with '?' placeholders and rebound for the active dialect.
type queries struct {
	conn *sql.DB
	d    dialect
}

// Close closes the database connection.
func (q *queries) Close() error {
	return q.conn.Close()
}

// Ping verifies the connection is alive.
func (q *queries) Ping(ctx context.Context) error {
	return q.conn.PingContext(ctx)
}

// DB returns the underlying connection pool.
func (q *queries) DB() *sql.DB {
	return q.conn
}

// DatabaseType returns the database backend name.
func (q *queries) DatabaseType() string {
	return q.d.name
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.conn.ExecContext(ctx, q.d.rebind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.conn.QueryContext(ctx, q.d.rebind(query), args...)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.conn.QueryRowContext(ctx, q.d.rebind(query), args...)
}

// --- Group Methods ---

// ListGroups returns all groups ordered by name.
func (q *queries) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := q.query(ctx, "SELECT id, name FROM channel_groups ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	groups := []model.Group{}
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// GetGroup returns a group by ID.
func (q *queries) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	var g model.Group
	err := q.queryRow(ctx, "SELECT id, name FROM channel_groups WHERE id = ?", id).Scan(&g.ID, &g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpsertGroup creates the group when g.ID is zero and renames it otherwise.
// On create, g.ID is set to the new row's ID.
func (q *queries) UpsertGroup(ctx context.Context, g *model.Group) error {
	if g.ID == 0 {
		err := q.queryRow(ctx, "INSERT INTO channel_groups (name) VALUES (?) RETURNING id", g.Name).Scan(&g.ID)
		return q.mapWriteErr(err)
	}
	res, err := q.exec(ctx, "UPDATE channel_groups SET name = ? WHERE id = ?", g.Name, g.ID)
	if err != nil {
		return q.mapWriteErr(err)
	}
	return requireAffected(res)
}

// DeleteGroup removes a group. Member channels are kept and become ungrouped.
func (q *queries) DeleteGroup(ctx context.Context, id int64) error {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, q.d.rebind("UPDATE channels SET group_id = NULL WHERE group_id = ?"), id); err != nil {
		return fmt.Errorf("ungroup channels: %w", err)
	}
	res, err := tx.ExecContext(ctx, q.d.rebind("DELETE FROM channel_groups WHERE id = ?"), id)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Channel Methods ---

const channelColumns = "id, name, group_id, last_synced"

// ListChannels returns all channels ordered by name.
func (q *queries) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := q.query(ctx, "SELECT "+channelColumns+" FROM channels ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	channels := []model.Channel{}
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

// GetChannel returns a channel by ID.
func (q *queries) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	return q.getChannel(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id)
}

// GetChannelByName returns a channel by its unique name.
func (q *queries) GetChannelByName(ctx context.Context, name string) (*model.Channel, error) {
	return q.getChannel(ctx, "SELECT "+channelColumns+" FROM channels WHERE name = ?", name)
}

func (q *queries) getChannel(ctx context.Context, query string, arg any) (*model.Channel, error) {
	c, err := scanChannel(q.queryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// UpsertChannel creates the channel when c.ID is zero, otherwise renames or
// regroups it. LastSynced is never written here.
func (q *queries) UpsertChannel(ctx context.Context, c *model.Channel) error {
	if c.ID == 0 {
		err := q.queryRow(ctx, "INSERT INTO channels (name, group_id) VALUES (?, ?) RETURNING id", c.Name, c.GroupID).Scan(&c.ID)
		return q.mapWriteErr(err)
	}
	res, err := q.exec(ctx, "UPDATE channels SET name = ?, group_id = ? WHERE id = ?", c.Name, c.GroupID, c.ID)
	if err != nil {
		return q.mapWriteErr(err)
	}
	return requireAffected(res)
}

// DeleteChannel removes a channel. With cascade, its items go in the same
// transaction and their attachment references are returned. Without
// cascade, a channel that still owns items is left untouched and
// ErrChannelNotEmpty is returned.
func (q *queries) DeleteChannel(ctx context.Context, id int64, cascade bool) (Removal, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return Removal{}, err
	}
	defer tx.Rollback()

	var removal Removal
	if cascade {
		removal, err = q.deleteReturning(ctx, tx, "DELETE FROM items WHERE channel_id = ? RETURNING attachment_ref", id)
		if err != nil {
			return Removal{}, fmt.Errorf("delete channel items: %w", err)
		}
	} else {
		var n int
		if err := tx.QueryRowContext(ctx, q.d.rebind("SELECT COUNT(*) FROM items WHERE channel_id = ?"), id).Scan(&n); err != nil {
			return Removal{}, err
		}
		if n > 0 {
			return Removal{}, ErrChannelNotEmpty
		}
	}

	res, err := tx.ExecContext(ctx, q.d.rebind("DELETE FROM channels WHERE id = ?"), id)
	if err != nil {
		return Removal{}, err
	}
	if err := requireAffected(res); err != nil {
		return Removal{}, err
	}
	if err := tx.Commit(); err != nil {
		return Removal{}, err
	}
	return removal, nil
}

// MarkChannelSynced records the time of the last completed fetch.
func (q *queries) MarkChannelSynced(ctx context.Context, id int64, t time.Time) error {
	res, err := q.exec(ctx, "UPDATE channels SET last_synced = ? WHERE id = ?", t.UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Item Methods ---

// ListItems returns items newest first, joined with their channel name.
func (q *queries) ListItems(ctx context.Context, f model.ItemFilter) ([]model.Item, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT i.id, i.channel_id, i.external_id, i.body, i.attachment_ref, i.origin_at, c.name
		FROM items i
		JOIN channels c ON c.id = i.channel_id
		WHERE 1 = 1`)
	if f.GroupID != nil {
		sb.WriteString(" AND c.group_id = ?")
		args = append(args, *f.GroupID)
	}
	if f.ChannelID != nil {
		sb.WriteString(" AND i.channel_id = ?")
		args = append(args, *f.ChannelID)
	}
	sb.WriteString(" ORDER BY i.origin_at DESC, i.id DESC LIMIT ? OFFSET ?")
	limit := f.Limit
	if limit <= 0 {
		limit = model.DefaultItemLimit
	}
	if limit > model.MaxItemLimit {
		limit = model.MaxItemLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := q.query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.Item{}
	for rows.Next() {
		var (
			it   model.Item
			body sql.NullString
			ref  sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.ChannelID, &it.ExternalID, &body, &ref, &it.OriginAt, &it.ChannelName); err != nil {
			return nil, err
		}
		it.Body = body.String
		it.AttachmentRef = ref.String
		items = append(items, it)
	}
	return items, rows.Err()
}

// ItemExists reports whether the dedup key is already stored.
func (q *queries) ItemExists(ctx context.Context, channelID, externalID int64) (bool, error) {
	var n int
	err := q.queryRow(ctx, "SELECT COUNT(*) FROM items WHERE channel_id = ? AND external_id = ?", channelID, externalID).Scan(&n)
	return n > 0, err
}

// InsertItem inserts a new item unless its (channel, external id) pair
// already exists. Returns whether it was new; a duplicate is not an error.
func (q *queries) InsertItem(ctx context.Context, item *model.Item) (bool, error) {
	var id int64
	err := q.queryRow(ctx, `
		INSERT INTO items (channel_id, external_id, body, attachment_ref, origin_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, external_id) DO NOTHING
		RETURNING id`,
		item.ChannelID, item.ExternalID, nullString(item.Body), nullString(item.AttachmentRef), item.OriginAt.UTC()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	item.ID = id
	return true, nil
}

// MaxExternalID returns the channel's watermark, 0 when it has no items.
func (q *queries) MaxExternalID(ctx context.Context, channelID int64) (int64, error) {
	var max int64
	err := q.queryRow(ctx, "SELECT COALESCE(MAX(external_id), 0) FROM items WHERE channel_id = ?", channelID).Scan(&max)
	return max, err
}

// --- Retention Methods ---

// DeleteItemsOlderThan removes items whose origin timestamp is before cutoff.
func (q *queries) DeleteItemsOlderThan(ctx context.Context, cutoff time.Time) (Removal, error) {
	return q.deleteInTx(ctx, "DELETE FROM items WHERE origin_at < ? RETURNING attachment_ref", cutoff.UTC())
}

// DeleteItemsBeyondLatest keeps the newest keep items of every channel and
// removes the rest. Ties on origin timestamp are broken by external id.
func (q *queries) DeleteItemsBeyondLatest(ctx context.Context, keep int) (Removal, error) {
	if keep < 0 {
		keep = 0
	}
	return q.deleteInTx(ctx, `
		DELETE FROM items WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY channel_id ORDER BY origin_at DESC, external_id DESC
				) AS rn
				FROM items
			) ranked
			WHERE rn > ?
		) RETURNING attachment_ref`, keep)
}

// DeleteAllItems removes every item.
func (q *queries) DeleteAllItems(ctx context.Context) (Removal, error) {
	return q.deleteInTx(ctx, "DELETE FROM items RETURNING attachment_ref")
}

// AttachmentRefs returns every attachment reference still held by an item.
func (q *queries) AttachmentRefs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := q.query(ctx, "SELECT attachment_ref FROM items WHERE attachment_ref IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	refs := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs[ref] = struct{}{}
	}
	return refs, rows.Err()
}

func (q *queries) deleteInTx(ctx context.Context, query string, args ...any) (Removal, error) {
	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return Removal{}, err
	}
	defer tx.Rollback()

	removal, err := q.deleteReturning(ctx, tx, query, args...)
	if err != nil {
		return Removal{}, err
	}
	if err := tx.Commit(); err != nil {
		return Removal{}, err
	}
	return removal, nil
}

// deleteReturning runs a DELETE ... RETURNING attachment_ref statement and
// collects the non-null references.
func (q *queries) deleteReturning(ctx context.Context, tx *sql.Tx, query string, args ...any) (Removal, error) {
	rows, err := tx.QueryContext(ctx, q.d.rebind(query), args...)
	if err != nil {
		return Removal{}, err
	}
	defer rows.Close()

	var removal Removal
	for rows.Next() {
		var ref sql.NullString
		if err := rows.Scan(&ref); err != nil {
			return Removal{}, err
		}
		removal.Items++
		if ref.Valid && ref.String != "" {
			removal.AttachmentRefs = append(removal.AttachmentRefs, ref.String)
		}
	}
	return removal, rows.Err()
}

// --- Helper functions ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*model.Channel, error) {
	var (
		c          model.Channel
		groupID    sql.NullInt64
		lastSynced sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &groupID, &lastSynced); err != nil {
		return nil, err
	}
	if groupID.Valid {
		id := groupID.Int64
		c.GroupID = &id
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		c.LastSynced = &t
	}
	return &c, nil
}

func (q *queries) mapWriteErr(err error) error {
	if err != nil && q.d.isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rebindDollar rewrites '?' placeholders as $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
	var (
		sb strings.Builder
		n  int
	)
	sb.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
