package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/telereader/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustChannel(t *testing.T, db *DB, name string, groupID *int64) *model.Channel {
	t.Helper()
	c := &model.Channel{Name: name, GroupID: groupID}
	require.NoError(t, db.UpsertChannel(context.Background(), c))
	return c
}

func mustItem(t *testing.T, db *DB, channelID, externalID int64, at time.Time, ref string) {
	t.Helper()
	inserted, err := db.InsertItem(context.Background(), &model.Item{
		ChannelID:     channelID,
		ExternalID:    externalID,
		Body:          "msg",
		AttachmentRef: ref,
		OriginAt:      at,
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestGroups(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	t.Run("names are unique", func(t *testing.T) {
		require.NoError(t, db.UpsertGroup(ctx, &model.Group{Name: "news"}))
		err := db.UpsertGroup(ctx, &model.Group{Name: "news"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("rename", func(t *testing.T) {
		g := &model.Group{Name: "tech"}
		require.NoError(t, db.UpsertGroup(ctx, g))
		g.Name = "technology"
		require.NoError(t, db.UpsertGroup(ctx, g))

		got, err := db.GetGroup(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, "technology", got.Name)
	})

	t.Run("rename missing group", func(t *testing.T) {
		err := db.UpsertGroup(ctx, &model.Group{ID: 999, Name: "ghost"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteGroupClearsMembership(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	g := &model.Group{Name: "world"}
	require.NoError(t, db.UpsertGroup(ctx, g))
	c := mustChannel(t, db, "alerts", &g.ID)
	mustItem(t, db, c.ID, 1, time.Now(), "")

	require.NoError(t, db.DeleteGroup(ctx, g.ID))

	got, err := db.GetChannel(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, got.GroupID)

	items, err := db.ListItems(ctx, model.ItemFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	assert.ErrorIs(t, db.DeleteGroup(ctx, g.ID), ErrNotFound)
}

func TestChannels(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	c := mustChannel(t, db, "alerts", nil)
	assert.NotZero(t, c.ID)

	t.Run("duplicate name", func(t *testing.T) {
		err := db.UpsertChannel(ctx, &model.Channel{Name: "alerts"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("never synced", func(t *testing.T) {
		got, err := db.GetChannel(ctx, c.ID)
		require.NoError(t, err)
		assert.Nil(t, got.LastSynced)
	})

	t.Run("mark synced", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, db.MarkChannelSynced(ctx, c.ID, at))
		got, err := db.GetChannelByName(ctx, "alerts")
		require.NoError(t, err)
		require.NotNil(t, got.LastSynced)
		assert.True(t, at.Equal(*got.LastSynced))
	})

	t.Run("update keeps last synced", func(t *testing.T) {
		c.Name = "alerts-renamed"
		require.NoError(t, db.UpsertChannel(ctx, c))
		got, err := db.GetChannel(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, "alerts-renamed", got.Name)
		assert.NotNil(t, got.LastSynced)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := db.GetChannel(ctx, 12345)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("cascade returns attachment refs", func(t *testing.T) {
		db := newTestDB(t)
		c := mustChannel(t, db, "alerts", nil)
		mustItem(t, db, c.ID, 1, time.Now(), "alerts/1.jpg")
		mustItem(t, db, c.ID, 2, time.Now(), "")

		removal, err := db.DeleteChannel(ctx, c.ID, true)
		require.NoError(t, err)
		assert.EqualValues(t, 2, removal.Items)
		assert.Equal(t, []string{"alerts/1.jpg"}, removal.AttachmentRefs)

		_, err = db.GetChannel(ctx, c.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		max, err := db.MaxExternalID(ctx, c.ID)
		require.NoError(t, err)
		assert.Zero(t, max)
	})

	t.Run("restrict refuses non-empty channel", func(t *testing.T) {
		db := newTestDB(t)
		c := mustChannel(t, db, "alerts", nil)
		mustItem(t, db, c.ID, 1, time.Now(), "")

		_, err := db.DeleteChannel(ctx, c.ID, false)
		assert.ErrorIs(t, err, ErrChannelNotEmpty)

		_, err = db.GetChannel(ctx, c.ID)
		assert.NoError(t, err)
	})

	t.Run("restrict deletes empty channel", func(t *testing.T) {
		db := newTestDB(t)
		c := mustChannel(t, db, "quiet", nil)
		_, err := db.DeleteChannel(ctx, c.ID, false)
		assert.NoError(t, err)
	})

	t.Run("missing channel", func(t *testing.T) {
		db := newTestDB(t)
		_, err := db.DeleteChannel(ctx, 77, true)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInsertItemDeduplicates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	c := mustChannel(t, db, "alerts", nil)

	item := &model.Item{ChannelID: c.ID, ExternalID: 100, Body: "first", OriginAt: time.Now()}
	inserted, err := db.InsertItem(ctx, item)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, item.ID)

	inserted, err = db.InsertItem(ctx, &model.Item{ChannelID: c.ID, ExternalID: 100, Body: "again", OriginAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted)

	exists, err := db.ItemExists(ctx, c.ID, 100)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = db.ItemExists(ctx, c.ID, 101)
	require.NoError(t, err)
	assert.False(t, exists)

	max, err := db.MaxExternalID(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, max)
}

func TestListItems(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	g := &model.Group{Name: "world"}
	require.NoError(t, db.UpsertGroup(ctx, g))
	a := mustChannel(t, db, "alpha", &g.ID)
	b := mustChannel(t, db, "beta", nil)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Inserted out of time order on purpose.
	mustItem(t, db, a.ID, 10, base.Add(3*time.Hour), "")
	mustItem(t, db, b.ID, 5, base.Add(1*time.Hour), "")
	mustItem(t, db, a.ID, 11, base.Add(2*time.Hour), "alpha/11.jpg")
	mustItem(t, db, b.ID, 6, base.Add(4*time.Hour), "")

	t.Run("newest first", func(t *testing.T) {
		items, err := db.ListItems(ctx, model.ItemFilter{})
		require.NoError(t, err)
		require.Len(t, items, 4)
		var ids []int64
		for _, it := range items {
			ids = append(ids, it.ExternalID)
		}
		assert.Equal(t, []int64{6, 10, 11, 5}, ids)
		assert.Equal(t, "beta", items[0].ChannelName)
	})

	t.Run("group filter", func(t *testing.T) {
		items, err := db.ListItems(ctx, model.ItemFilter{GroupID: &g.ID})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "alpha/11.jpg", items[1].AttachmentRef)
	})

	t.Run("channel filter with paging", func(t *testing.T) {
		items, err := db.ListItems(ctx, model.ItemFilter{ChannelID: &b.ID, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.EqualValues(t, 5, items[0].ExternalID)
	})
}

func TestRetentionDeletes(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("keep latest per channel", func(t *testing.T) {
		db := newTestDB(t)
		a := mustChannel(t, db, "alpha", nil)
		b := mustChannel(t, db, "beta", nil)
		for i := int64(1); i <= 4; i++ {
			ref := ""
			if i <= 2 {
				ref = fmt.Sprintf("alpha/%d.jpg", i)
			}
			mustItem(t, db, a.ID, i, base.Add(time.Duration(i)*time.Hour), ref)
		}
		mustItem(t, db, b.ID, 1, base, "")

		removal, err := db.DeleteItemsBeyondLatest(ctx, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 2, removal.Items)
		sort.Strings(removal.AttachmentRefs)
		assert.Equal(t, []string{"alpha/1.jpg", "alpha/2.jpg"}, removal.AttachmentRefs)

		items, err := db.ListItems(ctx, model.ItemFilter{ChannelID: &a.ID})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.EqualValues(t, 4, items[0].ExternalID)
		assert.EqualValues(t, 3, items[1].ExternalID)

		// The other channel is below the limit and untouched.
		items, err = db.ListItems(ctx, model.ItemFilter{ChannelID: &b.ID})
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("older than cutoff", func(t *testing.T) {
		db := newTestDB(t)
		a := mustChannel(t, db, "alpha", nil)
		mustItem(t, db, a.ID, 1, base, "alpha/1.jpg")
		mustItem(t, db, a.ID, 2, base.Add(48*time.Hour), "alpha/2.jpg")

		removal, err := db.DeleteItemsOlderThan(ctx, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 1, removal.Items)
		assert.Equal(t, []string{"alpha/1.jpg"}, removal.AttachmentRefs)

		refs, err := db.AttachmentRefs(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"alpha/2.jpg": {}}, refs)
	})

	t.Run("delete all", func(t *testing.T) {
		db := newTestDB(t)
		a := mustChannel(t, db, "alpha", nil)
		mustItem(t, db, a.ID, 1, base, "alpha/1.jpg")
		mustItem(t, db, a.ID, 2, base, "")

		removal, err := db.DeleteAllItems(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, removal.Items)
		assert.Equal(t, []string{"alpha/1.jpg"}, removal.AttachmentRefs)
	})
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", rebindDollar("SELECT 1 WHERE a = ? AND b = ?"))
}
