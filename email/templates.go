package email

import (
	"fmt"
	"strings"

	"handbook-notifier/pkg/notifier"
)

// previewLimit caps the content excerpt shown in an email body.
const previewLimit = 200

// subjectFor builds the email subject for an event. Topic title is the
// topic's stored title; for new topics the event may carry an override.
func subjectFor(event *notifier.Event, topicTitle string) string {
	switch event.Kind {
	case notifier.KindNewTopic:
		title := event.Title
		if title == "" {
			title = topicTitle
		}
		return "Nytt meddelande: " + title
	case notifier.KindNewReply:
		return "Nytt svar på: " + topicTitle
	default:
		return "Ny notis"
	}
}

// truncatePreview hard-caps a preview at previewLimit characters and
// appends an ellipsis when something was cut. Counted in runes so Swedish
// text is never split mid-character.
func truncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit]) + "…"
}

func (d *Dispatcher) formatEventBody(event *notifier.Event, hb *notifier.Handbook, topicTitle string) string {
	topicURL := fmt.Sprintf("%s/%s/forum/%s", d.baseURL, hb.Slug, event.TopicID)
	settingsURL := fmt.Sprintf("%s/%s/installningar/notiser", d.baseURL, hb.Slug)

	var heading, lede string
	switch event.Kind {
	case notifier.KindNewTopic:
		title := event.Title
		if title == "" {
			title = topicTitle
		}
		heading = escapeHTML(title)
		lede = fmt.Sprintf("%s har startat ett nytt meddelande i %s.",
			escapeHTML(event.ActorName), escapeHTML(hb.Name))
	case notifier.KindNewReply:
		heading = escapeHTML(topicTitle)
		lede = fmt.Sprintf("%s har svarat i diskussionen.", escapeHTML(event.ActorName))
	default:
		heading = escapeHTML(topicTitle)
		lede = ""
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"sv\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #2c7a5b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".author { color: #2c7a5b; font-weight: 600; }\n")
	b.WriteString(".preview { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; white-space: pre-wrap; }\n")
	b.WriteString(".button { display: inline-block; background: #2c7a5b; color: #fff; padding: 10px 20px; border-radius: 6px; margin: 10px 0; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #2c7a5b; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString(".button { color: #fff; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", heading))
	b.WriteString("</div>\n")

	if lede != "" {
		b.WriteString(fmt.Sprintf("<p class=\"lede\"><span class=\"author\">%s</span></p>\n", lede))
	}

	if event.ContentPreview != "" {
		b.WriteString("<div class=\"preview\">\n")
		b.WriteString(escapeHTML(truncatePreview(event.ContentPreview)))
		b.WriteString("\n</div>\n")
	}

	b.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"button\">Läs och svara i forumet</a>\n", escapeHTML(topicURL)))

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<p>Du får det här mejlet för att du är medlem i %s.</p>\n", escapeHTML(hb.Name)))
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Hantera notisinställningar</a>\n", escapeHTML(settingsURL)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

// escapeHTML escapes HTML special characters for security.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
