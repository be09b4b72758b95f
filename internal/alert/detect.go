package alert

import (
	"regexp"
	"strconv"
	"strings"

	kit "bossbot/internal/transport"
)

// DefaultKeyword is the event-class marker looked for in announcements.
const DefaultKeyword = "world boss"

// minutesRe matches countdown durations like "10 minutes" or "1 minute".
// The first match in the text wins.
var minutesRe = regexp.MustCompile(`(\d+)\s*minutes?`)

// Detect extracts the announced countdown (in minutes) from free-form text.
//
// Matching is case-insensitive. If the keyword is absent the text is simply
// not an announcement and ok is false. If the keyword is present but no
// "<n> minute(s)" duration can be found, ok is also false; the caller is
// expected to log that as a malformed announcement rather than fail.
func Detect(text, keyword string) (minutes int, ok bool) {
	if !ContainsKeyword(text, keyword) {
		return 0, false
	}
	m := minutesRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		// only possible on overflow of a huge digit run
		return 0, false
	}
	return n, true
}

// ContainsKeyword reports whether the text mentions the watched event
// class at all (case-insensitive). An empty keyword falls back to
// DefaultKeyword.
func ContainsKeyword(text, keyword string) bool {
	if strings.TrimSpace(keyword) == "" {
		keyword = DefaultKeyword
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// ComposeText flattens a message into the text the detector runs over:
// plain content plus every structured sub-field, space-joined. Announcement
// bots routinely put the countdown in an embed instead of the body.
func ComposeText(m *kit.Message) string {
	if m == nil {
		return ""
	}
	parts := make([]string, 0, 1+3*len(m.Embeds))
	if m.Text != "" {
		parts = append(parts, m.Text)
	}
	for _, e := range m.Embeds {
		for _, s := range []string{e.Title, e.Description, e.Footer} {
			if s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
