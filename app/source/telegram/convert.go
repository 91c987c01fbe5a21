package telegram

import (
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/lysyi3m/tg-comb/app/source"
)

func convertMessage(channel string, msg *tg.Message) source.RawEvent {
	ev := source.RawEvent{
		ID:      msg.ID,
		Channel: channel,
		Text:    msg.Message,
		Date:    time.Unix(int64(msg.Date), 0).UTC(),
		Media:   source.MediaNone,
		Handle:  msg,
	}
	if media, ok := msg.GetMedia(); ok {
		ev.Media = mediaKind(media)
	}
	return ev
}

func mediaKind(media tg.MessageMediaClass) source.MediaKind {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		if _, ok := m.GetPhoto(); ok {
			return source.MediaPhoto
		}
		return source.MediaOther
	case *tg.MessageMediaDocument:
		docClass, ok := m.GetDocument()
		if !ok {
			return source.MediaDocument
		}
		if doc, ok := docClass.(*tg.Document); ok && strings.HasPrefix(doc.MimeType, "video/") {
			return source.MediaVideo
		}
		return source.MediaDocument
	case nil, *tg.MessageMediaEmpty:
		return source.MediaNone
	default:
		return source.MediaOther
	}
}

// largestPhotoSize picks the thumb type with the most pixels.
func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	var best string
	var bestArea int
	for _, size := range sizes {
		var kind string
		var area int
		switch s := size.(type) {
		case *tg.PhotoSize:
			kind, area = s.Type, s.W*s.H
		case *tg.PhotoSizeProgressive:
			kind, area = s.Type, s.W*s.H
		default:
			continue
		}
		if area > bestArea {
			best, bestArea = kind, area
		}
	}
	return best
}

// historyMessages unwraps the plain messages from any history response,
// skipping service and empty entries.
func historyMessages(res tg.MessagesMessagesClass) []*tg.Message {
	var raw []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesMessages:
		raw = r.Messages
	case *tg.MessagesMessagesSlice:
		raw = r.Messages
	case *tg.MessagesChannelMessages:
		raw = r.Messages
	}

	messages := make([]*tg.Message, 0, len(raw))
	for _, m := range raw {
		if msg, ok := m.(*tg.Message); ok {
			messages = append(messages, msg)
		}
	}
	return messages
}
