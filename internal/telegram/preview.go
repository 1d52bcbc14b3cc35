package telegram

import (
	"bytes"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"tg_events/internal/domain"
)

var backgroundURL = regexp.MustCompile(`background-image:\s*url\(['"]?([^'")]+)['"]?\)`)

// parsePreview extracts the messages of a channel preview page, oldest first.
func parsePreview(body []byte) ([]domain.SourceMessage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var messages []domain.SourceMessage
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, sel *goquery.Selection) {
		if msg, ok := parseMessage(sel); ok {
			messages = append(messages, msg)
		}
	})

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ID < messages[j].ID
	})
	return messages, nil
}

func parseMessage(sel *goquery.Selection) (domain.SourceMessage, bool) {
	post, _ := sel.Attr("data-post")
	idx := strings.LastIndex(post, "/")
	if idx < 0 {
		return domain.SourceMessage{}, false
	}
	id, err := strconv.ParseInt(post[idx+1:], 10, 64)
	if err != nil || id <= 0 {
		return domain.SourceMessage{}, false
	}

	msg := domain.SourceMessage{ID: id}

	text := ownElements(sel, ".tgme_widget_message_text").First()
	if text.Length() > 0 {
		text.Find("br").ReplaceWithHtml("\n")
		msg.Text = strings.TrimSpace(text.Text())
	}

	if raw, ok := sel.Find(".tgme_widget_message_date time[datetime]").First().Attr("datetime"); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			msg.Date = &ts
		}
	}

	msg.Media = parseMedia(sel)
	return msg, true
}

// parseMedia returns the first photo or video of a message.
func parseMedia(sel *goquery.Selection) *domain.Media {
	if style, ok := ownElements(sel, ".tgme_widget_message_photo_wrap").First().Attr("style"); ok {
		if m := backgroundURL.FindStringSubmatch(style); m != nil {
			return &domain.Media{URL: m[1], FileName: fileNameFromURL(m[1])}
		}
	}
	if src, ok := ownElements(sel, "video.tgme_widget_message_video").First().Attr("src"); ok && src != "" {
		return &domain.Media{URL: src, FileName: fileNameFromURL(src)}
	}
	return nil
}

// ownElements skips matches inside a quoted reply.
func ownElements(sel *goquery.Selection, selector string) *goquery.Selection {
	return sel.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.ParentsFiltered(".tgme_widget_message_reply").Length() == 0
	})
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
