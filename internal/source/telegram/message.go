package telegram

import (
	"mime"
	"path"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/bryan-buckman/telereader/internal/model"
)

// normalize converts an MTProto message into the source-neutral shape.
func normalize(msg *tg.Message) model.RawMessage {
	out := model.RawMessage{
		Kind: model.KindText,
		ID:   int64(msg.ID),
		Date: time.Unix(int64(msg.Date), 0).UTC(),
		Text: strings.TrimSpace(msg.Message),
	}
	if ref := mediaOf(msg.Media); ref != nil {
		out.Kind = model.KindMedia
		out.Media = ref
	}
	return out
}

func mediaOf(media tg.MessageMediaClass) *model.MediaRef {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		thumb := largestPhotoSize(photo.Sizes)
		if thumb == "" {
			return nil
		}
		return &model.MediaRef{
			Extension: ".jpg",
			MimeType:  "image/jpeg",
			Locator: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			},
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		return &model.MediaRef{
			Extension: documentExtension(doc),
			MimeType:  doc.MimeType,
			Locator: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}
	default:
		return nil
	}
}

// largestPhotoSize picks the size type with the most pixels.
func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	var best string
	var bestArea int
	for _, s := range sizes {
		var typ string
		var area int
		switch size := s.(type) {
		case *tg.PhotoSize:
			typ, area = size.Type, size.W*size.H
		case *tg.PhotoSizeProgressive:
			typ, area = size.Type, size.W*size.H
		default:
			continue
		}
		if best == "" || area > bestArea {
			best, bestArea = typ, area
		}
	}
	return best
}

func documentExtension(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			if ext := path.Ext(fn.FileName); ext != "" {
				return ext
			}
		}
	}
	if doc.MimeType != "" {
		if exts, err := mime.ExtensionsByType(doc.MimeType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}
