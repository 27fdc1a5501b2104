// Package opml imports and exports the channel list as OPML.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/telereader/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a group (with children) or a channel (with xmlUrl).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Entry is a channel with the group it was filed under ("" when none).
type Entry struct {
	Group   string
	Channel string
}

// Parse reads an OPML document. Nested folders collapse onto their
// top-level folder, which becomes the group.
func Parse(r io.Reader) ([]Entry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []Entry
	var walk func(outlines []Outline, group string)
	walk = func(outlines []Outline, group string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				entries = append(entries, Entry{Group: group, Channel: o.XMLURL})
				continue
			}
			if len(o.Outlines) == 0 {
				continue
			}
			name := group
			if name == "" {
				name = o.Text
				if name == "" {
					name = o.Title
				}
			}
			walk(o.Outlines, strings.TrimSpace(name))
		}
	}
	walk(doc.Body.Outlines, "")
	return entries, nil
}

// Export renders groups and channels. Groups come first, in name order, then
// ungrouped channels.
func Export(title string, groups []model.Group, channels []model.Channel) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().UTC().Format(time.RFC1123Z),
		},
	}

	sorted := append([]model.Channel(nil), channels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byGroup := make(map[int64][]Outline)
	var loose []Outline
	for _, c := range sorted {
		o := channelOutline(c.Name)
		if c.GroupID == nil {
			loose = append(loose, o)
			continue
		}
		byGroup[*c.GroupID] = append(byGroup[*c.GroupID], o)
	}

	known := make(map[int64]bool, len(groups))
	gs := append([]model.Group(nil), groups...)
	sort.Slice(gs, func(i, j int) bool { return gs[i].Name < gs[j].Name })
	for _, g := range gs {
		known[g.ID] = true
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:     g.Name,
			Title:    g.Name,
			Outlines: byGroup[g.ID],
		})
	}
	// Channels pointing at a group that no longer exists are exported loose.
	for id, outlines := range byGroup {
		if !known[id] {
			loose = append(loose, outlines...)
		}
	}
	doc.Body.Outlines = append(doc.Body.Outlines, loose...)

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

// ChannelURL is the public web preview of a channel handle. Feed URLs are
// returned unchanged.
func ChannelURL(name string) string {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return name
	}
	return "https://t.me/s/" + name
}

func channelOutline(name string) Outline {
	return Outline{
		Text:    name,
		Title:   name,
		Type:    "rss",
		XMLURL:  ChannelURL(name),
		HTMLURL: ChannelURL(name),
	}
}
