package message

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"html"
	"path"
	"strings"
	"time"

	"github.com/lysyi3m/tg-comb/app/database"
)

// FeedInfo describes the channel element of a generated RSS document.
type FeedInfo struct {
	Title       string
	Link        string
	Description string
	SelfLink    string
	MediaURL    string // base URL under which image files are served
}

type Generator struct {
	version string
}

func NewGenerator(version string) *Generator {
	return &Generator{version: version}
}

// Run renders messages as an RSS 2.0 document. Messages are expected
// newest first, as returned by the store.
func (g *Generator) Run(info FeedInfo, messages []database.Message) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", info.Title, 4)
	g.writeElement(&buf, "link", info.Link, 4)
	description := info.Description
	if description == "" {
		description = fmt.Sprintf("Messages collected by %s", info.Title)
	}
	g.writeElement(&buf, "description", description, 4)

	if info.SelfLink != "" {
		buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
			html.EscapeString(info.SelfLink)))
	}

	lastBuildDate := time.Now().In(time.Local)
	if len(messages) > 0 {
		if published, ok := parseTimestamp(messages[0].Timestamp); ok {
			lastBuildDate = published
		}
	}
	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("TG-Comb/%s", g.version), 4)

	for _, msg := range messages {
		g.writeItem(&buf, info, msg)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *Generator) writeItem(buf *bytes.Buffer, info FeedInfo, msg database.Message) {
	buf.WriteString("    <item>\n")

	if msg.Link != "" {
		g.writeElement(buf, "guid isPermaLink=\"true\"", msg.Link, 6)
	} else {
		g.writeElement(buf, "guid isPermaLink=\"false\"", fmt.Sprintf("message-%d", msg.ID), 6)
	}

	title := msg.Name
	if title == "" {
		title = "Untitled"
	}
	g.writeElement(buf, "title", title, 6)
	g.writeElement(buf, "link", msg.Link, 6)

	description := msg.Description
	if description == "" {
		description = "No description available"
	}
	if msg.FileSize != "" {
		description = fmt.Sprintf("%s (%s)", description, msg.FileSize)
	}
	g.writeElement(buf, "description", description, 6)

	if published, ok := parseTimestamp(msg.Timestamp); ok {
		g.writeElement(buf, "pubDate", published.Format(time.RFC1123Z), 6)
	}

	for _, tag := range splitTags(msg.Tags) {
		g.writeElement(buf, "category", tag, 6)
	}

	if msg.ImagePath != "" && info.MediaURL != "" {
		url := strings.TrimSuffix(info.MediaURL, "/") + "/" + path.Base(msg.ImagePath)
		buf.WriteString(fmt.Sprintf("      <enclosure url=\"%s\" length=\"0\" type=\"image/jpeg\" />\n",
			html.EscapeString(url)))
	}

	buf.WriteString("    </item>\n")
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	name, _, _ := strings.Cut(tag, " ")

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(name)
	buf.WriteString(">\n")
}

func parseTimestamp(ts string) (time.Time, bool) {
	t, err := time.ParseInLocation(TimestampLayout, ts, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// splitTags accepts the separators commonly seen in posts: ASCII and
// full-width commas, the ideographic comma and whitespace. A leading #
// is dropped.
func splitTags(tags string) []string {
	fields := strings.FieldsFunc(tags, func(r rune) bool {
		switch r {
		case ',', '，', '、', ' ', '\t':
			return true
		}
		return false
	})

	result := make([]string, 0, len(fields))
	for _, field := range fields {
		if tag := strings.TrimPrefix(field, "#"); tag != "" {
			result = append(result, tag)
		}
	}
	return result
}
