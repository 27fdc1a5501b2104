// Package model defines shared data structures.
package model

import "time"

// Group is a named collection of channels.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Channel is an external channel to poll.
type Channel struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	GroupID    *int64     `json:"group_id"`    // nullable when ungrouped
	LastSynced *time.Time `json:"last_synced"` // nil until the first completed fetch
}

// Item is one ingested message. (ChannelID, ExternalID) is the dedup key.
type Item struct {
	ID            int64     `json:"id"`
	ChannelID     int64     `json:"channel_id"`
	ExternalID    int64     `json:"message_id"`
	Body          string    `json:"content"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	OriginAt      time.Time `json:"date"`

	// Read-side enrichment, not stored on the item row.
	ChannelName   string `json:"channel_name,omitempty"`
	AttachmentURL string `json:"image_url,omitempty"`
}

// ItemFilter narrows an item listing. Results are always ordered by
// origin timestamp, newest first.
type ItemFilter struct {
	GroupID   *int64
	ChannelID *int64
	Limit     int
	Offset    int
}

// Listing limits.
const (
	DefaultItemLimit = 50
	MaxItemLimit     = 500
)

// MessageKind tags a normalized upstream message.
type MessageKind int

const (
	KindText MessageKind = iota
	KindMedia
)

func (k MessageKind) String() string {
	if k == KindMedia {
		return "media"
	}
	return "text"
}

// MediaRef describes a message attachment. Locator is owned by the source
// adapter that produced the message and is opaque to everything else.
type MediaRef struct {
	Extension string
	MimeType  string
	Locator   any
}

// RawMessage is an upstream message normalized at the adapter boundary.
type RawMessage struct {
	Kind  MessageKind
	ID    int64
	Date  time.Time
	Text  string
	Media *MediaRef // set only for KindMedia
}

// HasMedia reports whether the message carries an attachment.
func (m RawMessage) HasMedia() bool {
	return m.Kind == KindMedia && m.Media != nil
}
